// Package exchange provides the dry-run venue the bot trades against when no
// live exchange is configured, and the account and group sessions built on it.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/aristath/hedgebot/internal/trading"
	"github.com/aristath/hedgebot/internal/wallet"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownMarket       = errors.New("unknown market")
	ErrUnknownOrder        = errors.New("unknown order")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrBadSignature        = errors.New("login signature does not match address")
)

// MarketSeed describes a binary market the simulator starts with.
type MarketSeed struct {
	ID          string
	Name        string
	Labels      [2]string
	Probability float64 // of the first outcome
}

// DefaultMarkets is the market list used when none is configured.
func DefaultMarkets() []MarketSeed {
	return []MarketSeed{
		{ID: "btc-100k", Name: "BTC above 100k at month end", Labels: [2]string{"Yes", "No"}, Probability: 0.62},
		{ID: "fed-cut", Name: "Fed cuts rates at next meeting", Labels: [2]string{"Yes", "No"}, Probability: 0.41},
		{ID: "eth-etf", Name: "ETH ETF net inflows this week", Labels: [2]string{"Yes", "No"}, Probability: 0.55},
	}
}

// SimConfig tunes the simulated venue.
type SimConfig struct {
	Markets         []MarketSeed
	StartingBalance float64
	Spread          float64 // between best bid and best ask
	Volatility      float64 // max probability move per book read
	PassiveFillRate float64 // chance per status poll that a resting limit order fills
}

// MarketInfo is a market as seen by a session.
type MarketInfo struct {
	ID            string
	Name          string
	Labels        [2]string
	Probabilities [2]float64
}

type market struct {
	seed MarketSeed
	prob float64
}

type positionKey struct {
	marketID string
	outcome  domain.Outcome
}

type simOrder struct {
	id        string
	owner     string
	req       domain.OrderRequest
	market    bool
	shares    float64
	filled    bool
	cancelled bool
}

// Simulator is an in-memory order book venue with per-address balances and
// positions. Prices random-walk on every book read.
type Simulator struct {
	cfg SimConfig
	log zerolog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	markets   map[string]*market
	order     []string
	balances  map[string]float64
	positions map[string]map[positionKey]*domain.Position
	trades    map[string][]domain.Trade
	orders    map[string]*simOrder
	now       func() time.Time
}

// NewSimulator creates a venue seeded with cfg.Markets.
func NewSimulator(cfg SimConfig, rng *rand.Rand, log zerolog.Logger) *Simulator {
	if len(cfg.Markets) == 0 {
		cfg.Markets = DefaultMarkets()
	}
	if cfg.Spread <= 0 {
		cfg.Spread = 0.02
	}
	if rng == nil {
		rng = domain.NewRand()
	}

	s := &Simulator{
		cfg:       cfg,
		log:       log.With().Str("component", "simulator").Logger(),
		rng:       rng,
		markets:   make(map[string]*market, len(cfg.Markets)),
		balances:  make(map[string]float64),
		positions: make(map[string]map[positionKey]*domain.Position),
		trades:    make(map[string][]domain.Trade),
		orders:    make(map[string]*simOrder),
		now:       time.Now,
	}
	for _, seed := range cfg.Markets {
		s.markets[seed.ID] = &market{seed: seed, prob: seed.Probability}
		s.order = append(s.order, seed.ID)
	}
	return s
}

// Register opens an account with the starting balance if it is new.
func (s *Simulator) Register(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(address)
	if _, ok := s.balances[key]; !ok {
		s.balances[key] = s.cfg.StartingBalance
	}
}

// VerifyLogin checks that signature over message was produced by address.
func (s *Simulator) VerifyLogin(address string, message []byte, signature string) error {
	signer, err := wallet.RecoverAddress(message, signature)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", err)
	}
	if !wallet.SameAddress(signer, address) {
		return ErrBadSignature
	}
	s.Register(address)
	return nil
}

// Balance returns the free USD balance of address.
func (s *Simulator) Balance(address string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[strings.ToLower(address)]
}

// Positions returns the open positions of address, largest value first.
func (s *Simulator) Positions(address string) []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Position
	for key, p := range s.positions[strings.ToLower(address)] {
		if p.Shares <= 0 {
			continue
		}
		pos := *p
		if m := s.markets[key.marketID]; m != nil {
			pos.CurrentPrice = outcomeMid(m.prob, key.outcome)
		}
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value() > out[j].Value() })
	return out
}

// Trades returns the filled orders of address in execution order.
func (s *Simulator) Trades(address string) []domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Trade(nil), s.trades[strings.ToLower(address)]...)
}

// Market returns the current state of a market.
func (s *Simulator) Market(id string) (MarketInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return MarketInfo{}, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m.info(), nil
}

// RandomMarket picks one of the markets.
func (s *Simulator) RandomMarket() (MarketInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return MarketInfo{}, fmt.Errorf("no events found")
	}
	return s.markets[s.order[s.rng.IntN(len(s.order))]].info(), nil
}

// Venue returns the order interface of one account.
func (s *Simulator) Venue(address string) trading.Venue {
	return &accountVenue{sim: s, owner: strings.ToLower(address)}
}

func (m *market) info() MarketInfo {
	return MarketInfo{
		ID:            m.seed.ID,
		Name:          m.seed.Name,
		Labels:        m.seed.Labels,
		Probabilities: [2]float64{round3(m.prob), round3(1 - m.prob)},
	}
}

// bookLocked moves the market and returns the book of one outcome.
func (s *Simulator) bookLocked(marketID string, outcome domain.Outcome, move bool) (domain.OrderBook, error) {
	m, ok := s.markets[marketID]
	if !ok {
		return domain.OrderBook{}, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	if move && s.cfg.Volatility > 0 {
		m.prob += (s.rng.Float64()*2 - 1) * s.cfg.Volatility
		m.prob = math.Min(0.95, math.Max(0.05, m.prob))
	}

	mid := outcomeMid(m.prob, outcome)
	half := s.cfg.Spread / 2
	book := domain.OrderBook{}
	for i := range 3 {
		step := float64(i) * 0.01
		book.Bids = append(book.Bids, domain.OrderBookLevel{Price: clampPrice(round3(mid - half - step)), Size: 500})
		book.Asks = append(book.Asks, domain.OrderBookLevel{Price: clampPrice(round3(mid + half + step)), Size: 500})
	}
	return book, nil
}

type accountVenue struct {
	sim   *Simulator
	owner string
}

func (v *accountVenue) OrderBook(ctx context.Context, marketID string, outcome domain.Outcome) (domain.OrderBook, error) {
	v.sim.mu.Lock()
	defer v.sim.mu.Unlock()
	return v.sim.bookLocked(marketID, outcome, true)
}

func (v *accountVenue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	s := v.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[req.MarketID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMarket, req.MarketID)
	}
	if req.Price <= 0 || req.Price >= 1 {
		return "", fmt.Errorf("price %.3f out of range", req.Price)
	}

	book, _ := s.bookLocked(req.MarketID, req.Outcome, false)
	o := &simOrder{id: uuid.New().String(), owner: v.owner, req: req}

	switch req.Side {
	case domain.SideBuy:
		if s.balances[v.owner] < req.Amount {
			return "", fmt.Errorf("%w: need %.2f$ have %.2f$", ErrInsufficientBalance, req.Amount, s.balances[v.owner])
		}
		s.balances[v.owner] -= req.Amount
		o.shares = trading.Truncate(req.Amount/req.Price, 2)
		o.market = req.Price >= book.BestAsk()
	case domain.SideSell:
		pos := s.positionLocked(v.owner, req.MarketID, req.Outcome)
		if pos.Shares+1e-9 < req.Amount {
			return "", fmt.Errorf("%w: need %.2f have %.2f", ErrInsufficientShares, req.Amount, pos.Shares)
		}
		pos.Shares -= req.Amount
		o.shares = req.Amount
		o.market = req.Price <= book.BestBid()
	default:
		return "", fmt.Errorf("unsupported side %q", req.Side)
	}

	s.orders[o.id] = o
	return o.id, nil
}

func (v *accountVenue) OrderState(ctx context.Context, orderID string) (domain.OrderState, error) {
	s := v.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.owner != v.owner {
		return domain.OrderState{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}

	if !o.filled && !o.cancelled {
		book, _ := s.bookLocked(o.req.MarketID, o.req.Outcome, false)
		crossed := (o.req.Side == domain.SideBuy && o.req.Price >= book.BestAsk()) ||
			(o.req.Side == domain.SideSell && o.req.Price <= book.BestBid())
		if o.market || crossed || s.rng.Float64() < s.cfg.PassiveFillRate {
			s.fillLocked(o)
		}
	}

	state := domain.OrderState{OrderID: o.id, Price: o.req.Price, Open: !o.filled && !o.cancelled}
	if o.filled {
		state.Filled = 1
	}
	return state, nil
}

func (v *accountVenue) CancelOrder(ctx context.Context, orderID string) error {
	s := v.sim
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok || o.owner != v.owner {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.filled || o.cancelled {
		return nil
	}

	o.cancelled = true
	if o.req.Side == domain.SideBuy {
		s.balances[o.owner] += o.req.Amount
	} else {
		s.positionLocked(o.owner, o.req.MarketID, o.req.Outcome).Shares += o.shares
	}
	return nil
}

func (s *Simulator) fillLocked(o *simOrder) {
	o.filled = true
	now := s.now()
	pos := s.positionLocked(o.owner, o.req.MarketID, o.req.Outcome)

	if o.req.Side == domain.SideBuy {
		cost := pos.Shares*pos.AveragePrice + o.shares*o.req.Price
		pos.Shares += o.shares
		if pos.Shares > 0 {
			pos.AveragePrice = cost / pos.Shares
		}
		// refund the dust the share truncation left over
		s.balances[o.owner] += o.req.Amount - o.shares*o.req.Price
	} else {
		s.balances[o.owner] += o.shares * o.req.Price
	}
	pos.LastUpdated = now

	s.trades[o.owner] = append(s.trades[o.owner], domain.Trade{
		OrderID:    o.id,
		MarketID:   o.req.MarketID,
		Outcome:    o.req.Outcome,
		Side:       o.req.Side,
		Shares:     o.shares,
		Price:      o.req.Price,
		ExecutedAt: now,
	})
	s.log.Debug().
		Str("order_id", o.id).
		Str("owner", o.owner).
		Str("side", string(o.req.Side)).
		Float64("shares", o.shares).
		Float64("price", o.req.Price).
		Msg("Order filled")
}

func (s *Simulator) positionLocked(owner, marketID string, outcome domain.Outcome) *domain.Position {
	byKey, ok := s.positions[owner]
	if !ok {
		byKey = make(map[positionKey]*domain.Position)
		s.positions[owner] = byKey
	}
	key := positionKey{marketID: marketID, outcome: outcome}
	p, ok := byKey[key]
	if !ok {
		p = &domain.Position{MarketID: marketID, Outcome: outcome}
		byKey[key] = p
	}
	return p
}

func outcomeMid(prob float64, outcome domain.Outcome) float64 {
	if outcome == domain.OutcomeNo {
		return 1 - prob
	}
	return prob
}

func clampPrice(p float64) float64 {
	return math.Min(0.999, math.Max(0.001, p))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
