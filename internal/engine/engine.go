// Package engine is the execution core: it consumes validated trade signals
// and risk triggers, decides what order to place, confirms fills against the
// broker, and keeps the position store consistent. All mutating paths run
// under the symbol's operation lock.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/control"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/internal/risk"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

// Engine owns signal handling, trailing-stop evaluation and emergency
// closes for every configured symbol.
type Engine struct {
	gateway  broker.Gateway
	store    *position.Store
	control  *control.State
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	database *db.Database
	trading  *config.Trading
	trailing risk.TrailingConfig

	// requestReconcile hands a symbol to the reconciler without blocking
	// and without holding the symbol lock the reconciler will need.
	requestReconcile func(symbol string)

	mu          sync.Mutex
	marginReady map[string]bool
}

// Config wires the engine's collaborators.
type Config struct {
	Gateway  broker.Gateway
	Store    *position.Store
	Control  *control.State
	Bus      *events.Bus
	Metrics  *monitor.SystemMetrics
	Database *db.Database
	Trading  *config.Trading
}

// New creates an engine. Database may be nil.
func New(cfg Config) *Engine {
	e := &Engine{
		gateway:     cfg.Gateway,
		store:       cfg.Store,
		control:     cfg.Control,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		database:    cfg.Database,
		trading:     cfg.Trading,
		marginReady: make(map[string]bool),
	}
	e.trailing = risk.TrailingConfig{
		InitialTrailPct:   cfg.Trading.TrailingStop.InitialTrailPct,
		TightenedTrailPct: cfg.Trading.TrailingStop.TightenedTrailPct,
		TightenTriggerPct: cfg.Trading.TrailingStop.TightenTriggerProfitPct,
	}
	return e
}

// SetReconcileRequester installs the hook used when a fill outcome is
// unknown. Called once during wiring, before any signal is processed.
func (e *Engine) SetReconcileRequester(fn func(symbol string)) {
	e.requestReconcile = fn
}

// HandleSignal processes one validated trade signal. The symbol lock is held
// for the whole decide-submit-confirm span.
func (e *Engine) HandleSignal(ctx context.Context, sig Signal) (Result, error) {
	if !sig.Action.Valid() {
		return Result{}, &ConfigurationError{Symbol: sig.Symbol, Reason: fmt.Sprintf("unknown action %q", sig.Action)}
	}
	e.metrics.IncrementSignals()
	e.bus.Publish(events.EventSignalReceived, sig)

	if cs := e.control.Get(); cs.Paused {
		return e.ignored(sig, "paused: "+cs.PauseReason), nil
	}

	unlock := e.store.Lock(sig.Symbol)
	defer unlock()

	pos := e.store.Get(sig.Symbol)

	if e.trading.Runtime.DedupSameBar && sig.BarTime != "" && sig.BarTime == pos.LastBarTime {
		return e.ignored(sig, "duplicate signal for bar "+sig.BarTime), nil
	}

	if pos.Pending() {
		// An earlier order's outcome is unknown; broker truth must be
		// re-established before acting again.
		e.reconcileLater(sig.Symbol)
		return e.ignored(sig, "unresolved pending order "+pos.PendingOrderID), nil
	}

	desired := sig.Action.side()
	closeOnly := e.control.Get().CloseOnly

	switch {
	case pos.Flat():
		if closeOnly {
			return e.ignored(sig, "close-only mode"), nil
		}
		newPos, err := e.open(ctx, pos, desired, sig)
		if err != nil {
			return Result{Symbol: sig.Symbol, Action: "open", Position: e.store.Get(sig.Symbol)}, err
		}
		newPos.LastBarTime = sig.BarTime
		e.store.Set(ctx, newPos)
		e.bus.Publish(events.EventPositionChange, newPos)
		return Result{Symbol: sig.Symbol, Action: "opened", Position: newPos}, nil

	case pos.Side == desired:
		return e.ignored(sig, "already "+string(pos.Side)), nil

	default:
		// Reversal: close the full position first, open the other side
		// only after the close is confirmed filled.
		flat, err := e.close(ctx, pos, position.PendingFlip)
		if err != nil {
			return Result{Symbol: sig.Symbol, Action: "flip", Position: e.store.Get(sig.Symbol)}, err
		}
		flat.LastBarTime = sig.BarTime
		e.store.Set(ctx, flat)
		e.bus.Publish(events.EventPositionChange, flat)

		if closeOnly {
			return Result{Symbol: sig.Symbol, Action: "closed", Reason: "close-only mode, reversal reduced to close", Position: flat}, nil
		}

		newPos, err := e.open(ctx, flat, desired, sig)
		if err != nil {
			return Result{Symbol: sig.Symbol, Action: "flip", Position: e.store.Get(sig.Symbol)}, err
		}
		newPos.LastBarTime = sig.BarTime
		e.store.Set(ctx, newPos)
		e.bus.Publish(events.EventPositionChange, newPos)
		return Result{Symbol: sig.Symbol, Action: "flipped", Position: newPos}, nil
	}
}

// EvaluateTrailingStop recomputes the stop for one symbol and closes the
// position if the stop is breached. A tick that collides with an in-flight
// operation on the symbol is skipped; the next tick catches up.
func (e *Engine) EvaluateTrailingStop(ctx context.Context, symbol string) error {
	if !e.trading.TrailingStop.Enabled {
		return nil
	}
	unlock, ok := e.store.TryLock(symbol)
	if !ok {
		return nil
	}
	defer unlock()

	pos := e.store.Get(symbol)
	if pos.Flat() || pos.Pending() {
		return nil
	}

	price, err := e.fetchTickerRetry(ctx, symbol)
	if err != nil {
		log.Printf("engine: ticker fetch failed for %s, skipping stop evaluation: %v", symbol, err)
		return err
	}

	stop, stage := risk.ComputeStop(e.trailing, pos.Side, pos.EntryPrice, price, pos.StopPrice, pos.StopStage)
	changed := stop != pos.StopPrice || stage != pos.StopStage
	pos.StopPrice = stop
	pos.StopStage = stage
	pos.LastPrice = price
	e.store.Set(ctx, pos)
	if changed {
		e.bus.Publish(events.EventStopUpdated, pos)
	}

	if !risk.Breached(pos.Side, price, pos.StopPrice) {
		return nil
	}

	log.Printf("engine: trailing stop breached for %s (%s, last=%.8g stop=%.8g), closing", symbol, pos.Side, price, pos.StopPrice)
	e.bus.Publish(events.EventStopTriggered, pos)

	flat, err := e.close(ctx, pos, position.PendingClosing)
	if err != nil {
		return err
	}
	e.store.Set(ctx, flat)
	e.bus.Publish(events.EventPositionChange, flat)
	return nil
}

// EmergencyClose force-closes the full position for a symbol. It bypasses
// the paused and close-only flags; it is the one action always permitted.
func (e *Engine) EmergencyClose(ctx context.Context, symbol string) (Result, error) {
	unlock := e.store.Lock(symbol)
	defer unlock()

	pos := e.store.Get(symbol)
	if pos.Flat() && !pos.Pending() {
		return Result{}, &ConfigurationError{Symbol: symbol, Reason: "no open position"}
	}
	if pos.Flat() {
		// Pending but flat: nothing known to close, demand broker truth.
		e.reconcileLater(symbol)
		return Result{}, &ConfigurationError{Symbol: symbol, Reason: "no confirmed position; reconciliation requested"}
	}

	flat, err := e.close(ctx, pos, position.PendingClosing)
	if err != nil {
		return Result{Symbol: symbol, Action: "emergency_close", Position: e.store.Get(symbol)}, err
	}
	e.store.Set(ctx, flat)
	e.bus.Publish(events.EventPositionChange, flat)
	return Result{Symbol: symbol, Action: "emergency_closed", Position: flat}, nil
}

// EmergencyCloseAll closes every symbol with a non-flat local position.
// Per-symbol failures are collected, never fatal to the sweep.
func (e *Engine) EmergencyCloseAll(ctx context.Context) []Result {
	var out []Result
	for _, pos := range e.store.All() {
		if pos.Flat() && !pos.Pending() {
			continue
		}
		res, err := e.EmergencyClose(ctx, pos.Symbol)
		if err != nil {
			res.Symbol = pos.Symbol
			res.Action = "emergency_close"
			res.Reason = err.Error()
			log.Printf("engine: emergency close failed for %s: %v", pos.Symbol, err)
		}
		out = append(out, res)
	}
	return out
}

// GetState returns the monitoring snapshot for one symbol.
func (e *Engine) GetState(symbol string) (position.Position, control.Snapshot) {
	return e.store.Get(symbol), e.control.Get()
}

// GetStates returns all tracked positions plus the control flags.
func (e *Engine) GetStates() ([]position.Position, control.Snapshot) {
	return e.store.All(), e.control.Get()
}

// open submits and confirms an entry order, returning the resulting
// position. Caller holds the symbol lock and persists the return value.
func (e *Engine) open(ctx context.Context, pos position.Position, side position.Side, sig Signal) (position.Position, error) {
	e.ensureMargin(ctx, pos.Symbol)

	qty, err := e.qtyForSymbol(ctx, pos.Symbol, sig.Price)
	if err != nil {
		return pos, err
	}

	ordSide := broker.SideBuy
	posSide := "long"
	if side == position.SideShort {
		ordSide = broker.SideSell
		posSide = "short"
	}

	pos.PendingAction = position.PendingOpening
	e.store.Set(ctx, pos)

	report, err := e.submitAndConfirm(ctx, &pos, broker.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          ordSide,
		Qty:           qty,
		PosSide:       posSide,
		ClientOrderID: uuid.NewString(),
	}, "OPEN")
	if err != nil {
		return pos, err
	}

	pos.Side = side
	pos.Qty = report.FilledQty
	pos.EntryPrice = report.AvgFillPrice
	pos.StopStage = position.StageInitial
	pos.StopPrice = risk.InitialStop(e.trailing, side, report.AvgFillPrice)
	pos.PendingAction = position.PendingNone
	pos.PendingOrderID = ""
	return pos, nil
}

// close submits and confirms a reduce-only order for the full quantity and
// returns the flat position. Caller holds the symbol lock.
func (e *Engine) close(ctx context.Context, pos position.Position, pending position.PendingAction) (position.Position, error) {
	ordSide := broker.SideSell
	posSide := "long"
	if pos.Side == position.SideShort {
		ordSide = broker.SideBuy
		posSide = "short"
	}

	pos.PendingAction = pending
	e.store.Set(ctx, pos)

	if _, err := e.submitAndConfirm(ctx, &pos, broker.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          ordSide,
		Qty:           pos.Qty,
		ReduceOnly:    true,
		PosSide:       posSide,
		ClientOrderID: uuid.NewString(),
	}, "CLOSE"); err != nil {
		return pos, err
	}

	flat := position.NewFlat(pos.Symbol)
	flat.LastPrice = pos.LastPrice
	flat.LastBarTime = pos.LastBarTime
	flat.LastReconciledAt = pos.LastReconciledAt
	return flat, nil
}

// qtyForSymbol resolves the configured order size. Quote-denominated sizing
// needs a price; the signal's price is used when present, otherwise the
// ticker is fetched.
func (e *Engine) qtyForSymbol(ctx context.Context, symbol string, hintPrice float64) (float64, error) {
	switch e.trading.Trade.QtyMode {
	case "quote":
		quote, ok := e.trading.Trade.QtyQuote[symbol]
		if !ok || quote <= 0 {
			return 0, &ConfigurationError{Symbol: symbol, Reason: "no quote quantity configured"}
		}
		price := hintPrice
		if price <= 0 {
			p, err := e.fetchTickerRetry(ctx, symbol)
			if err != nil {
				return 0, err
			}
			price = p
		}
		return quote / price, nil
	default:
		base, ok := e.trading.Trade.QtyBase[symbol]
		if !ok || base <= 0 {
			return 0, &ConfigurationError{Symbol: symbol, Reason: "no base quantity configured"}
		}
		return base, nil
	}
}

// ensureMargin sets leverage and margin mode once per symbol, when the venue
// supports it. Failures are logged, not fatal: the venue may already be set
// up or may reject redundant changes.
func (e *Engine) ensureMargin(ctx context.Context, symbol string) {
	e.mu.Lock()
	done := e.marginReady[symbol]
	if !done {
		e.marginReady[symbol] = true
	}
	e.mu.Unlock()
	if done {
		return
	}

	mc, ok := e.gateway.(broker.MarginConfigurer)
	if !ok {
		return
	}
	if err := mc.SetMarginMode(ctx, symbol, e.trading.Trade.MarginMode); err != nil {
		log.Printf("engine: set margin mode %s for %s: %v", e.trading.Trade.MarginMode, symbol, err)
	}
	if err := mc.SetLeverage(ctx, symbol, e.trading.Trade.Leverage); err != nil {
		log.Printf("engine: set leverage %dx for %s: %v", e.trading.Trade.Leverage, symbol, err)
	}
}

// fetchTickerRetry retries transient ticker failures a few times before
// giving up.
func (e *Engine) fetchTickerRetry(ctx context.Context, symbol string) (float64, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Second):
			}
		}
		price, err := e.gateway.FetchTicker(ctx, symbol)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if !broker.IsQueryError(err) {
			break
		}
	}
	return 0, lastErr
}

func (e *Engine) ignored(sig Signal, reason string) Result {
	e.metrics.IncrementIgnored()
	log.Printf("engine: signal %s %s ignored: %s", sig.Action, sig.Symbol, reason)
	res := Result{Symbol: sig.Symbol, Action: "ignored", Reason: reason, Position: e.store.Get(sig.Symbol)}
	e.bus.Publish(events.EventSignalIgnored, res)
	return res
}

func (e *Engine) reconcileLater(symbol string) {
	if e.requestReconcile != nil {
		e.requestReconcile(symbol)
	}
}
