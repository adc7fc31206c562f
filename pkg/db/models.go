package db

import "time"

// OrderAudit is one execution attempt recorded for the audit trail.
type OrderAudit struct {
	ID            string
	BrokerOrderID string
	Symbol        string
	Side          string
	Purpose       string // OPEN, CLOSE or the leg of a FLIP
	Qty           float64
	ReduceOnly    bool
	Status        string
	FilledQty     float64
	AvgFillPrice  float64
	CreatedAt     time.Time
}

// DriftAlert records a local/broker position mismatch for operator review.
type DriftAlert struct {
	ID         int64
	Symbol     string
	LocalSide  string
	LocalQty   float64
	BrokerSide string
	BrokerQty  float64
	Reason     string
	CreatedAt  time.Time
}

// PositionSnapshot is the durable copy of one symbol's position. It is
// advisory only: reconciliation against the broker, not this table, is the
// recovery mechanism after a restart.
type PositionSnapshot struct {
	Symbol     string
	Side       string
	Qty        float64
	EntryPrice float64
	StopPrice  float64
	StopStage  string
	UpdatedAt  time.Time
}
