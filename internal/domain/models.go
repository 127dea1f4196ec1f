package domain

import "time"

// Account is one loaded wallet before it is written to the store.
type Account struct {
	Label      string
	PrivateKey string
	Address    string
	Proxy      string // empty when no proxy is configured
}

// Outcome indexes the two sides of a binary market.
type Outcome int

const (
	OutcomeYes Outcome = 0
	OutcomeNo  Outcome = 1
)

func (o Outcome) String() string {
	if o == OutcomeNo {
		return "NO"
	}
	return "YES"
}

// Opposite returns the other side of the market.
func (o Outcome) Opposite() Outcome {
	return 1 - o
}

// Position is an open holding on one outcome of a market
type Position struct {
	MarketID     string    `json:"market_id"`
	Outcome      Outcome   `json:"outcome"`
	Shares       float64   `json:"shares"`
	AveragePrice float64   `json:"average_price"`
	CurrentPrice float64   `json:"current_price"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Value is the position marked at the current price.
func (p Position) Value() float64 {
	return p.Shares * p.CurrentPrice
}

// Trade is a filled order
type Trade struct {
	OrderID    string    `json:"order_id"`
	MarketID   string    `json:"market_id"`
	Outcome    Outcome   `json:"outcome"`
	Side       Side      `json:"side"`
	Shares     float64   `json:"shares"`
	Price      float64   `json:"price"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Amount is the USD value exchanged by the trade.
func (t Trade) Amount() float64 {
	return t.Shares * t.Price
}
