package broker

// OrderSide denotes order side.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus normalizes broker order states into a small set.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusFailed          OrderStatus = "FAILED"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// Terminal reports whether the status will not change on further polls.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusFailed
}

// OrderRequest captures an order intent to be sent to the broker.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Qty           float64
	ReduceOnly    bool
	PosSide       string // "long" or "short", hedge-mode venues
	ClientOrderID string
}

// OrderReport is the broker's view of a submitted order.
type OrderReport struct {
	OrderID      string
	Status       OrderStatus
	FilledQty    float64
	AvgFillPrice float64
}

// Position is the broker's authoritative position record for one symbol.
// Side is "LONG" or "SHORT"; a flat symbol is reported with Qty == 0.
type Position struct {
	Symbol     string
	Side       string
	Qty        float64
	EntryPrice float64
}

// Flat reports whether the broker holds no position for the symbol.
func (p Position) Flat() bool {
	return p.Qty == 0
}
