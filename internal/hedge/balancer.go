// Package hedge splits one hedged bet across a group of accounts so that the
// group owes the same payout whichever of the two outcomes wins.
package hedge

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/aristath/hedgebot/internal/domain"
)

// MaxAttempts bounds the random search.
const MaxAttempts = 1000

// ErrBalancing is returned when no balanced split was found.
var ErrBalancing = errors.New("failed to calculate zero imbalance strategy")

// Assignment is one account's side and stake in USD.
type Assignment struct {
	Outcome domain.Outcome `json:"outcome"`
	Stake   float64        `json:"stake"`
}

// Plan maps account addresses to their assignment.
type Plan struct {
	Assignments   map[string]Assignment
	Probabilities [2]float64
}

// Totals returns the USD staked on each outcome.
func (p Plan) Totals() [2]float64 {
	var stakes [2][]float64
	for _, a := range p.Assignments {
		stakes[a.Outcome] = append(stakes[a.Outcome], a.Stake)
	}
	return [2]float64{floats.Sum(stakes[0]), floats.Sum(stakes[1])}
}

// Liabilities returns the payout owed by the group if each outcome wins.
func (p Plan) Liabilities() [2]float64 {
	t := p.Totals()
	return [2]float64{t[0] / p.Probabilities[0], t[1] / p.Probabilities[1]}
}

// Imbalance is the absolute difference between the two liabilities.
func (p Plan) Imbalance() float64 {
	l := p.Liabilities()
	return math.Abs(l[0] - l[1])
}

// Largest returns the address with the biggest stake.
func (p Plan) Largest() string {
	var best string
	for addr, a := range p.Assignments {
		if best == "" || a.Stake > p.Assignments[best].Stake || (a.Stake == p.Assignments[best].Stake && addr < best) {
			best = addr
		}
	}
	return best
}

// Tolerance is the largest imbalance a plan may carry: the closing stake is
// rounded to cents, so the liability it covers can be off by half a cent
// divided by that side's probability.
func Tolerance(probs [2]float64) float64 {
	return 0.005/math.Min(probs[0], probs[1]) + 1e-3
}

// Balancer searches for balanced plans.
type Balancer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBalancer creates a Balancer drawing from rng, or from a random source
// when rng is nil.
func NewBalancer(rng *rand.Rand) *Balancer {
	if rng == nil {
		rng = domain.NewRand()
	}
	return &Balancer{rng: rng}
}

type draft struct {
	outcome domain.Outcome
	stake   float64
}

// Balance assigns every account an outcome and a stake within stakes. The
// first N-1 stakes are random; they are split greedily, largest first, so the
// outcome A side stays within its probability share. The last stake is then
// solved to even out the liabilities, trying outcome A before outcome B. If
// neither fits the range the draw is thrown away, up to MaxAttempts times.
func (b *Balancer) Balance(accounts []string, probs [2]float64, stakes domain.FloatRange) (Plan, error) {
	if len(accounts) < 2 {
		return Plan{}, fmt.Errorf("need at least 2 accounts, got %d", len(accounts))
	}
	if probs[0] <= 0 || probs[1] <= 0 || probs[0] >= 1 || probs[1] >= 1 {
		return Plan{}, fmt.Errorf("probabilities must be in (0, 1), got %v", probs)
	}
	if err := stakes.Validate(); err != nil {
		return Plan{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pA, pB := probs[0], probs[1]
	for range MaxAttempts {
		partial := make([]float64, len(accounts)-1)
		for i := range partial {
			partial[i] = scalar.RoundEven(stakes.Min+b.rng.Float64()*(stakes.Max-stakes.Min), 2)
		}
		targetA := floats.Sum(partial) * pA
		slices.SortStableFunc(partial, func(x, y float64) int { return cmp.Compare(y, x) })

		drafts := make([]draft, 0, len(accounts))
		var tA, tB float64
		for _, stake := range partial {
			if tA+stake <= targetA {
				tA += stake
				drafts = append(drafts, draft{domain.OutcomeYes, stake})
			} else {
				tB += stake
				drafts = append(drafts, draft{domain.OutcomeNo, stake})
			}
		}

		liabilityA := tA / (pA + 1e-9)
		liabilityB := tB / (pB + 1e-9)
		caseA := scalar.RoundEven(liabilityB*pA-tA, 2)
		caseB := scalar.RoundEven(liabilityA*pB-tB, 2)

		switch {
		case stakes.Contains(caseA):
			drafts = append(drafts, draft{domain.OutcomeYes, caseA})
		case stakes.Contains(caseB):
			drafts = append(drafts, draft{domain.OutcomeNo, caseB})
		default:
			continue
		}

		b.rng.Shuffle(len(drafts), func(i, j int) { drafts[i], drafts[j] = drafts[j], drafts[i] })
		plan := Plan{Assignments: make(map[string]Assignment, len(accounts)), Probabilities: probs}
		for i, addr := range accounts {
			plan.Assignments[addr] = Assignment{Outcome: drafts[i].outcome, Stake: drafts[i].stake}
		}
		return plan, nil
	}

	return Plan{}, ErrBalancing
}
