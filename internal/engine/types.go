package engine

import (
	"fmt"
	"time"

	"execution-core/internal/position"
)

// Action is the direction requested by an inbound signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Valid reports whether the action is one the engine accepts.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// side maps a signal action to the position side it opens.
func (a Action) side() position.Side {
	if a == ActionSell {
		return position.SideShort
	}
	return position.SideLong
}

// Signal is a validated trade signal. Ephemeral: consumed once, never stored.
type Signal struct {
	Symbol    string    `json:"symbol"`
	Action    Action    `json:"action"`
	BarTime   string    `json:"bar_time,omitempty"`
	Timeframe string    `json:"timeframe,omitempty"`
	Price     float64   `json:"price,omitempty"`
	At        time.Time `json:"at"`
}

// Result describes the observable outcome of an engine operation.
type Result struct {
	Symbol   string            `json:"symbol"`
	Action   string            `json:"action"` // what the engine did: opened, closed, flipped, ignored, noop
	Reason   string            `json:"reason,omitempty"`
	Position position.Position `json:"position"`
}

// ConfigurationError means a control command was invalid for the current
// state, e.g. closing a symbol that holds nothing. Surfaced to the caller
// with no state change.
type ConfigurationError struct {
	Symbol string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid command for %s: %s", e.Symbol, e.Reason)
}
