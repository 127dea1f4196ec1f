package hedge

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/hedgebot/internal/domain"
)

func TestBalance_ThreeAccountsExample(t *testing.T) {
	b := NewBalancer(rand.New(rand.NewPCG(42, 42)))
	probs := [2]float64{0.6, 0.4}
	stakes := domain.FloatRange{Min: 5, Max: 50}

	plan, err := b.Balance([]string{"A", "B", "C"}, probs, stakes)
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 3)

	for addr, a := range plan.Assignments {
		assert.True(t, stakes.Contains(a.Stake), "%s stake %.2f out of range", addr, a.Stake)
	}
	assert.LessOrEqual(t, plan.Imbalance(), Tolerance(probs))

	totals := plan.Totals()
	share := totals[0] / (totals[0] + totals[1])
	assert.InDelta(t, 0.6, share, 0.01)
}

func TestBalance_Properties(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 99))
	b := NewBalancer(rand.New(rand.NewPCG(3, 5)))

	for i := range 300 {
		n := 2 + rng.IntN(6)
		pA := 0.15 + rng.Float64()*0.7
		probs := [2]float64{pA, 1 - pA}
		stakes := domain.FloatRange{Min: 5, Max: 5 + float64(rng.IntN(100))}

		accounts := make([]string, n)
		for j := range accounts {
			accounts[j] = fmt.Sprintf("0x%02d", j)
		}

		plan, err := b.Balance(accounts, probs, stakes)
		if err != nil {
			require.ErrorIs(t, err, ErrBalancing, "case %d", i)
			continue
		}

		require.Len(t, plan.Assignments, n)
		for _, a := range plan.Assignments {
			assert.True(t, stakes.Contains(a.Stake), "case %d: stake %.2f outside %v", i, a.Stake, stakes)
			assert.Equal(t, a.Stake, math.Round(a.Stake*100)/100, "case %d: stake not in cents", i)
		}
		assert.LessOrEqual(t, plan.Imbalance(), Tolerance(probs), "case %d", i)
	}
}

func TestBalance_Unreachable(t *testing.T) {
	b := NewBalancer(nil)

	_, err := b.Balance([]string{"A", "B"}, [2]float64{0.9, 0.1}, domain.FloatRange{Min: 5, Max: 5})
	assert.ErrorIs(t, err, ErrBalancing)
}

func TestBalance_InvalidInput(t *testing.T) {
	b := NewBalancer(nil)
	stakes := domain.FloatRange{Min: 5, Max: 50}

	tests := []struct {
		name     string
		accounts []string
		probs    [2]float64
		stakes   domain.FloatRange
	}{
		{"single account", []string{"A"}, [2]float64{0.5, 0.5}, stakes},
		{"zero probability", []string{"A", "B"}, [2]float64{0, 1}, stakes},
		{"inverted range", []string{"A", "B"}, [2]float64{0.5, 0.5}, domain.FloatRange{Min: 50, Max: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Balance(tt.accounts, tt.probs, tt.stakes)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrBalancing)
		})
	}
}

func TestPlan_LiabilitiesAndLargest(t *testing.T) {
	plan := Plan{
		Assignments: map[string]Assignment{
			"A": {Outcome: domain.OutcomeYes, Stake: 30},
			"B": {Outcome: domain.OutcomeNo, Stake: 12},
			"C": {Outcome: domain.OutcomeNo, Stake: 8},
		},
		Probabilities: [2]float64{0.6, 0.4},
	}

	l := plan.Liabilities()
	assert.InDelta(t, 50, l[0], 1e-9)
	assert.InDelta(t, 50, l[1], 1e-9)
	assert.InDelta(t, 0, plan.Imbalance(), 1e-9)
	assert.Equal(t, "A", plan.Largest())
}
