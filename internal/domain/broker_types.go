package domain

// Exchange-agnostic order book types used by the fill loop and the exchange adapters.

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderBookLevel is a single price level
type OrderBookLevel struct {
	Price float64 // Probability price in (0, 1)
	Size  float64 // Shares available
}

// OrderBook is a snapshot of one outcome's book
type OrderBook struct {
	Bids []OrderBookLevel // Best first
	Asks []OrderBookLevel // Best first
}

// BestBid returns the top bid or zero when the side is empty.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the top ask or zero when the side is empty.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// OrderRequest describes a limit order to place
type OrderRequest struct {
	MarketID string
	Outcome  Outcome
	Side     Side
	Price    float64
	Amount   float64 // USD for buys, shares for sells
}

// OrderState is an exchange's view of a placed order
type OrderState struct {
	OrderID string
	Filled  float64 // Fraction of the order filled, 0..1
	Price   float64
	Open    bool
}
