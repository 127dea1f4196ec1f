// Package trading places orders against an order book and waits for them to fill,
// repricing resting limit orders when they go stale.
package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aristath/hedgebot/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often a placed order is checked.
const DefaultPollInterval = 3 * time.Second

// ErrNoLiquidity is returned when the side of the book needed to price an order is empty.
var ErrNoLiquidity = errors.New("order book side is empty")

// Venue is the subset of an exchange the fill loop needs.
type Venue interface {
	OrderBook(ctx context.Context, marketID string, outcome domain.Outcome) (domain.OrderBook, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error)
	OrderState(ctx context.Context, orderID string) (domain.OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// OrderType selects market or limit pricing.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// Settings tune limit pricing and repricing. Price figures are in cents.
type Settings struct {
	PollInterval time.Duration

	// Distance from the touch for a plain limit order
	DiffBuy  float64
	DiffSell float64

	// How long a plain limit order rests before it is repriced
	WaitBuy  time.Duration
	WaitSell time.Duration

	// Holding mode: random distance from the touch, and the drift band the
	// resting price must stay in
	HoldingStep   domain.FloatRange
	HoldingOffset domain.FloatRange
}

// Order is what the caller wants executed.
type Order struct {
	MarketID string
	Outcome  domain.Outcome
	Side     domain.Side
	Type     OrderType
	Amount   float64
	Holding  bool
}

// Fill is the outcome of an executed order.
type Fill struct {
	OrderID  string
	Price    float64
	Amount   float64
	Repriced int
}

// Reprice describes a cancel-and-replace of a resting order.
type Reprice struct {
	OrderID  string
	OldPrice float64
	Touch    float64 // best bid for buys, best ask for sells
	Drift    float64 // cents, holding mode only
}

// FillLoop executes one order at a time against a venue.
type FillLoop struct {
	venue    Venue
	settings Settings
	log      zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// OnPlace and OnReprice are called from Execute's goroutine.
	OnPlace   func(orderID string, price float64)
	OnReprice func(Reprice)
}

// NewFillLoop creates a fill loop for a venue.
func NewFillLoop(venue Venue, settings Settings, rng *rand.Rand, log zerolog.Logger) *FillLoop {
	if settings.PollInterval <= 0 {
		settings.PollInterval = DefaultPollInterval
	}
	if rng == nil {
		rng = domain.NewRand()
	}
	return &FillLoop{
		venue:    venue,
		settings: settings,
		rng:      rng,
		log:      log.With().Str("component", "fill_loop").Logger(),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Execute places the order and blocks until it is completely filled or ctx ends.
// A limit order is cancelled and re-placed at a fresh price when its deadline
// passes or, in holding mode, when the touch drifts outside the offset band.
func (f *FillLoop) Execute(ctx context.Context, order Order) (Fill, error) {
	if order.Amount <= 0 {
		return Fill{}, fmt.Errorf("order amount must be positive, got %.2f", order.Amount)
	}

	repriced := 0
	for {
		book, err := f.venue.OrderBook(ctx, order.MarketID, order.Outcome)
		if err != nil {
			return Fill{}, fmt.Errorf("failed to get order book: %w", err)
		}
		price, err := f.price(order, book)
		if err != nil {
			return Fill{}, err
		}

		orderID, err := f.venue.PlaceOrder(ctx, domain.OrderRequest{
			MarketID: order.MarketID,
			Outcome:  order.Outcome,
			Side:     order.Side,
			Price:    price,
			Amount:   order.Amount,
		})
		if err != nil {
			return Fill{}, fmt.Errorf("failed to place %s %s order: %w", order.Type, order.Side, err)
		}
		f.log.Debug().
			Str("order_id", orderID).
			Str("side", string(order.Side)).
			Str("type", string(order.Type)).
			Float64("price", price).
			Float64("amount", order.Amount).
			Msg("Order placed")
		if f.OnPlace != nil {
			f.OnPlace(orderID, price)
		}

		state, change, err := f.wait(ctx, order, orderID, price)
		if err != nil {
			return Fill{}, err
		}
		if change == nil {
			return Fill{OrderID: orderID, Price: state.Price, Amount: order.Amount, Repriced: repriced}, nil
		}

		if err := f.venue.CancelOrder(ctx, orderID); err != nil {
			return Fill{}, fmt.Errorf("failed to cancel order %s: %w", orderID, err)
		}
		repriced++
		if f.OnReprice != nil {
			f.OnReprice(*change)
		}
	}
}

// wait polls the order until it fills (nil Reprice) or needs replacing.
func (f *FillLoop) wait(ctx context.Context, order Order, orderID string, price float64) (domain.OrderState, *Reprice, error) {
	deadline := f.now().Add(f.waitFor(order.Side))

	for {
		state, err := f.venue.OrderState(ctx, orderID)
		if err != nil {
			return domain.OrderState{}, nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
		}
		if state.Filled >= 1 {
			if state.Price == 0 {
				state.Price = price
			}
			return state, nil, nil
		}

		if order.Type == OrderLimit && (order.Holding || f.now().After(deadline)) {
			book, err := f.venue.OrderBook(ctx, order.MarketID, order.Outcome)
			if err != nil {
				return domain.OrderState{}, nil, fmt.Errorf("failed to get order book: %w", err)
			}
			touch := book.BestBid()
			if order.Side == domain.SideSell {
				touch = book.BestAsk()
			}

			if order.Holding {
				drift := Truncate(math.Abs(price-touch)*100, 1)
				if !f.settings.HoldingOffset.Contains(drift) {
					f.log.Info().
						Str("order_id", orderID).
						Float64("price", price).
						Float64("drift", drift).
						Msg("Limit price drifted out of range, replacing")
					return state, &Reprice{OrderID: orderID, OldPrice: price, Touch: touch, Drift: drift}, nil
				}
			} else {
				fresh, err := f.price(order, book)
				if err != nil {
					return domain.OrderState{}, nil, err
				}
				if fresh == price {
					deadline = f.now().Add(f.waitFor(order.Side))
				} else {
					f.log.Info().
						Str("order_id", orderID).
						Float64("price", price).
						Float64("new_price", fresh).
						Msg("Limit order expired, replacing")
					return state, &Reprice{OrderID: orderID, OldPrice: price, Touch: touch}, nil
				}
			}
		}

		if err := f.sleep(ctx, f.settings.PollInterval); err != nil {
			return domain.OrderState{}, nil, err
		}
	}
}

// price computes the order price from the current book.
// Market orders cross the spread; limit orders rest behind the touch.
func (f *FillLoop) price(order Order, book domain.OrderBook) (float64, error) {
	if order.Type == OrderMarket {
		p := book.BestAsk()
		if order.Side == domain.SideSell {
			p = book.BestBid()
		}
		if p == 0 {
			return 0, ErrNoLiquidity
		}
		return p, nil
	}

	var diff float64
	if order.Holding {
		f.mu.Lock()
		step := f.settings.HoldingStep
		diff = step.Min + f.rng.Float64()*(step.Max-step.Min)
		f.mu.Unlock()
	} else if order.Side == domain.SideBuy {
		diff = f.settings.DiffBuy
	} else {
		diff = f.settings.DiffSell
	}
	return LimitPrice(order.Side, book, diff)
}

func (f *FillLoop) waitFor(side domain.Side) time.Duration {
	if side == domain.SideSell {
		return f.settings.WaitSell
	}
	return f.settings.WaitBuy
}

// LimitPrice places a buy diffCents below the best bid and a sell diffCents
// above the best ask, rounded to a tenth of a cent.
func LimitPrice(side domain.Side, book domain.OrderBook, diffCents float64) (float64, error) {
	diff := Truncate(diffCents/100, 3)
	if side == domain.SideBuy {
		bid := book.BestBid()
		if bid == 0 {
			return 0, ErrNoLiquidity
		}
		return round(bid-diff, 3), nil
	}
	ask := book.BestAsk()
	if ask == 0 {
		return 0, ErrNoLiquidity
	}
	return round(ask+diff, 3), nil
}

// Truncate drops digits past the given number of decimals.
func Truncate(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Floor(v*p+1e-9) / p
}

func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
