// Package reconciliation resynchronizes local position belief with the
// broker's authoritative records. The broker always wins: this is the only
// recovery mechanism after restarts, crashed confirmations and external
// interventions, since the core keeps no durable history it trusts.
package reconciliation

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/internal/risk"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// Outcome describes one symbol's reconciliation result.
type Outcome struct {
	Symbol     string            `json:"symbol"`
	Consistent bool              `json:"consistent"`
	Adopted    bool              `json:"adopted"`
	Drift      bool              `json:"drift"`
	Reason     string            `json:"reason,omitempty"`
	Position   position.Position `json:"position"`
}

// Service compares the position store against broker truth and repairs it.
type Service struct {
	gateway  broker.Gateway
	store    *position.Store
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	database *db.Database
	alerts   monitor.AlertSink

	symbols   []string
	tolerance float64
	trailing  risk.TrailingConfig

	// On-demand requests, coalesced per symbol so repeated failures in
	// quick succession trigger one pass, not a backlog.
	requests chan string
	mu       sync.Mutex
	queued   map[string]bool
}

// ServiceConfig wires the reconciler's collaborators.
type ServiceConfig struct {
	Gateway  broker.Gateway
	Store    *position.Store
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
	Database *db.Database
	Alerts   monitor.AlertSink
	Trading  *config.Trading
}

// NewService creates a reconciler. Database may be nil; Alerts may be nil.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		gateway:   cfg.Gateway,
		store:     cfg.Store,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		database:  cfg.Database,
		alerts:    cfg.Alerts,
		symbols:   cfg.Trading.Trade.Symbols,
		tolerance: cfg.Trading.Reconcile.QtyTolerance,
		trailing: risk.TrailingConfig{
			InitialTrailPct:   cfg.Trading.TrailingStop.InitialTrailPct,
			TightenedTrailPct: cfg.Trading.TrailingStop.TightenedTrailPct,
			TightenTriggerPct: cfg.Trading.TrailingStop.TightenTriggerProfitPct,
		},
		requests: make(chan string, 16),
		queued:   make(map[string]bool),
	}
}

// Start runs the on-demand request worker until ctx is cancelled. Periodic
// runs are driven by the scheduler; this worker only serves Request calls.
func (s *Service) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case symbol := <-s.requests:
				s.mu.Lock()
				delete(s.queued, symbol)
				s.mu.Unlock()
				if _, err := s.ReconcileSymbol(ctx, symbol); err != nil {
					log.Printf("reconcile: requested pass for %s failed: %v", symbol, err)
				}
			}
		}
	}()
	log.Printf("reconcile: request worker started")
}

// Request queues an asynchronous reconciliation for a symbol. Duplicate
// requests for a symbol already waiting are coalesced; a full queue drops
// the request rather than blocking the caller.
func (s *Service) Request(symbol string) {
	s.mu.Lock()
	if s.queued[symbol] {
		s.mu.Unlock()
		return
	}
	s.queued[symbol] = true
	s.mu.Unlock()

	select {
	case s.requests <- symbol:
	default:
		s.mu.Lock()
		delete(s.queued, symbol)
		s.mu.Unlock()
		log.Printf("reconcile: request queue full, dropping %s", symbol)
	}
}

// ReconcileSymbol compares one symbol against broker truth under the symbol
// lock and repairs local state. Calling it twice with no broker-side change
// in between yields the same position and no drift on the second call.
func (s *Service) ReconcileSymbol(ctx context.Context, symbol string) (Outcome, error) {
	unlock := s.store.Lock(symbol)
	defer unlock()
	return s.reconcileLocked(ctx, symbol)
}

// reconcileLocked does the work; the caller holds the symbol lock.
func (s *Service) reconcileLocked(ctx context.Context, symbol string) (Outcome, error) {
	start := time.Now()
	s.metrics.IncrementReconciles()

	brokerPos, err := s.fetchPositionRetry(ctx, symbol)
	if err != nil {
		// Retries exhausted: escalate for operator visibility instead of
		// silently giving up. Local state is left untouched.
		local := s.store.Get(symbol)
		s.emitDrift(ctx, local, broker.Position{}, "broker position query failed: "+err.Error())
		return Outcome{Symbol: symbol, Drift: true, Reason: "broker unreachable", Position: local}, err
	}

	local := s.store.Get(symbol)
	out := s.resolve(ctx, local, brokerPos)

	s.metrics.ReconcileLatency.RecordDuration(time.Since(start))
	s.bus.Publish(events.EventReconcileDone, out)
	return out, nil
}

// resolve applies the broker-wins case analysis and writes the result.
func (s *Service) resolve(ctx context.Context, local position.Position, bp broker.Position) Outcome {
	now := time.Now()
	symbol := local.Symbol
	wasPendingClose := local.PendingAction == position.PendingClosing || local.PendingAction == position.PendingFlip

	switch {
	case local.Flat() && bp.Flat():
		local.PendingAction = position.PendingNone
		local.PendingOrderID = ""
		local.LastReconciledAt = now
		s.store.Set(ctx, local)
		return Outcome{Symbol: symbol, Consistent: true, Position: local}

	case local.Flat() && !bp.Flat():
		// Broker holds a position this process knows nothing about: the
		// restart-recovery path. Adopt it and seed a fresh stop.
		adopted := s.adopt(symbol, bp, now)
		s.store.Set(ctx, adopted)
		s.bus.Publish(events.EventPositionChange, adopted)
		log.Printf("reconcile: adopted broker position %s %s qty=%.8g entry=%.8g", symbol, adopted.Side, adopted.Qty, adopted.EntryPrice)
		return Outcome{Symbol: symbol, Adopted: true, Reason: "recovered broker position", Position: adopted}

	case !local.Flat() && bp.Flat():
		// A close that filled without local confirmation, or an external
		// close (manual intervention, liquidation). The latter is drift.
		drift := !wasPendingClose
		if drift {
			s.emitDrift(ctx, local, bp, "broker flat while local held "+string(local.Side))
		}
		flat := position.NewFlat(symbol)
		flat.LastPrice = local.LastPrice
		flat.LastBarTime = local.LastBarTime
		flat.LastReconciledAt = now
		s.store.Set(ctx, flat)
		s.bus.Publish(events.EventPositionChange, flat)
		return Outcome{Symbol: symbol, Drift: drift, Reason: "broker flat, local cleared", Position: flat}

	case string(local.Side) == bp.Side && math.Abs(local.Qty-bp.Qty) <= qtyTolerance(s.tolerance, bp.Qty):
		// Consistent. Broker is authoritative for economic state, so its
		// entry price replaces ours when they differ.
		local.EntryPrice = bp.EntryPrice
		local.Qty = bp.Qty
		local.PendingAction = position.PendingNone
		local.PendingOrderID = ""
		local.LastReconciledAt = now
		s.store.Set(ctx, local)
		return Outcome{Symbol: symbol, Consistent: true, Position: local}

	default:
		// Side or quantity disagrees beyond tolerance: something happened
		// outside this process. Adopt broker truth and alert.
		s.emitDrift(ctx, local, bp, "side/qty mismatch beyond tolerance")
		adopted := s.adopt(symbol, bp, now)
		s.store.Set(ctx, adopted)
		s.bus.Publish(events.EventPositionChange, adopted)
		return Outcome{Symbol: symbol, Drift: true, Adopted: true, Reason: "adopted broker truth after drift", Position: adopted}
	}
}

// qtyTolerance widens the configured absolute tolerance to 0.1% of the
// broker quantity, so large positions are not flagged over rounding dust.
func qtyTolerance(abs, brokerQty float64) float64 {
	return math.Max(abs, 0.001*math.Abs(brokerQty))
}

// adopt builds a local position from a broker record, seeding the trailing
// stop from the broker's entry price.
func (s *Service) adopt(symbol string, bp broker.Position, now time.Time) position.Position {
	p := position.NewFlat(symbol)
	p.Side = position.Side(bp.Side)
	p.Qty = bp.Qty
	p.EntryPrice = bp.EntryPrice
	p.StopStage = position.StageInitial
	p.StopPrice = risk.InitialStop(s.trailing, p.Side, bp.EntryPrice)
	p.PendingAction = position.PendingNone
	p.LastReconciledAt = now
	return p
}

// ReconcileAll runs a pass over every configured and every tracked symbol.
// Per-symbol failures never abort the sweep.
func (s *Service) ReconcileAll(ctx context.Context) []Outcome {
	seen := make(map[string]bool)
	var symbols []string
	for _, sym := range s.symbols {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	for _, p := range s.store.All() {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}

	out := make([]Outcome, 0, len(symbols))
	for _, sym := range symbols {
		o, err := s.ReconcileSymbol(ctx, sym)
		if err != nil {
			log.Printf("reconcile: %s failed: %v", sym, err)
		}
		out = append(out, o)
	}
	return out
}

// RunStartup performs the initial reconciliation pass before any signal is
// processed, recovering whatever the broker still holds.
func (s *Service) RunStartup(ctx context.Context) {
	log.Printf("reconcile: startup pass over %d symbol(s)", len(s.symbols))
	for _, o := range s.ReconcileAll(ctx) {
		if o.Adopted {
			log.Printf("reconcile: startup recovered %s %s qty=%.8g", o.Symbol, o.Position.Side, o.Position.Qty)
		}
	}
}

func (s *Service) fetchPositionRetry(ctx context.Context, symbol string) (broker.Position, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return broker.Position{}, ctx.Err()
			case <-time.After(time.Second):
			}
		}
		bp, err := s.gateway.FetchPosition(ctx, symbol)
		if err == nil {
			return bp, nil
		}
		lastErr = err
		if !broker.IsQueryError(err) {
			break
		}
	}
	return broker.Position{}, lastErr
}

func (s *Service) emitDrift(ctx context.Context, local position.Position, bp broker.Position, reason string) {
	s.metrics.IncrementDriftAlerts()
	alert := db.DriftAlert{
		Symbol:     local.Symbol,
		LocalSide:  string(local.Side),
		LocalQty:   local.Qty,
		BrokerSide: bp.Side,
		BrokerQty:  bp.Qty,
		Reason:     reason,
	}
	log.Printf("reconcile: DRIFT %s local=%s/%.8g broker=%s/%.8g: %s", local.Symbol, alert.LocalSide, alert.LocalQty, alert.BrokerSide, alert.BrokerQty, reason)
	s.bus.Publish(events.EventDriftAlert, alert)
	if s.database != nil {
		if err := s.database.InsertDriftAlert(ctx, alert); err != nil {
			log.Printf("reconcile: drift alert persist failed: %v", err)
		}
	}
	if s.alerts != nil {
		if err := s.alerts.Send("drift on " + local.Symbol + ": " + reason); err != nil {
			log.Printf("reconcile: alert delivery failed: %v", err)
		}
	}
}
