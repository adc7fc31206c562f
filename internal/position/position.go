package position

import "time"

// Side is the direction of a held position.
type Side string

const (
	SideFlat  Side = "FLAT"
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the reverse direction; FLAT has no opposite.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// StopStage tracks the two-phase trailing stop.
type StopStage string

const (
	StageInitial   StopStage = "INITIAL"
	StageTightened StopStage = "TIGHTENED"
)

// PendingAction marks an order in flight whose fill is not yet confirmed.
type PendingAction string

const (
	PendingNone    PendingAction = "NONE"
	PendingOpening PendingAction = "OPENING"
	PendingClosing PendingAction = "CLOSING"
	PendingFlip    PendingAction = "FLIPPING"
)

// Position is the local belief about the holding in one symbol. A Position
// is only read or mutated by the holder of its symbol lock (Store.Lock).
type Position struct {
	Symbol         string        `json:"symbol"`
	Side           Side          `json:"side"`
	Qty            float64       `json:"qty"`
	EntryPrice     float64       `json:"entry_price"`
	StopPrice      float64       `json:"stop_price"`
	StopStage      StopStage     `json:"stop_stage"`
	PendingAction  PendingAction `json:"pending_action"`
	PendingOrderID string        `json:"pending_order_id,omitempty"`

	LastPrice        float64   `json:"last_price"`
	LastBarTime      string    `json:"last_bar_time,omitempty"`
	LastReconciledAt time.Time `json:"last_reconciled_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Flat reports whether no position is held.
func (p Position) Flat() bool {
	return p.Side == SideFlat || p.Side == ""
}

// Pending reports whether an unconfirmed order is in flight.
func (p Position) Pending() bool {
	return p.PendingAction != "" && p.PendingAction != PendingNone
}

// NewFlat returns the initial state for a symbol.
func NewFlat(symbol string) Position {
	return Position{
		Symbol:        symbol,
		Side:          SideFlat,
		StopStage:     StageInitial,
		PendingAction: PendingNone,
		UpdatedAt:     time.Now(),
	}
}
