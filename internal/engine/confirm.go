package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/events"
	"execution-core/internal/position"
	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

// ErrUnconfirmed means an order was submitted but its outcome could not be
// established within the polling budget. The position's pendingAction stays
// set and reconciliation takes over.
var ErrUnconfirmed = errors.New("order outcome unconfirmed")

// submitAndConfirm runs one order through the full submit-poll-confirm
// protocol. On a confirmed fill it returns the terminal report; the caller
// applies filledQty/avgFillPrice, never the requested values. On a rejected
// submission the pending marker is reverted. On any unknown outcome the
// marker is left set and a reconciliation pass is requested.
func (e *Engine) submitAndConfirm(ctx context.Context, pos *position.Position, req broker.OrderRequest, purpose string) (broker.OrderReport, error) {
	auditID := uuid.NewString()
	e.recordAudit(ctx, db.OrderAudit{
		ID:         auditID,
		Symbol:     req.Symbol,
		Side:       string(req.Side),
		Purpose:    purpose,
		Qty:        req.Qty,
		ReduceOnly: req.ReduceOnly,
		Status:     string(broker.StatusSubmitted),
	})

	start := time.Now()
	orderID, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		if broker.IsSubmissionError(err) {
			// Rejected outright: nothing is in flight, local state is
			// still trustworthy.
			pos.PendingAction = position.PendingNone
			pos.PendingOrderID = ""
			e.store.Set(ctx, *pos)
			e.metrics.IncrementOrderFailed()
			e.bus.Publish(events.EventOrderFailed, map[string]any{"symbol": req.Symbol, "purpose": purpose, "error": err.Error()})
			e.updateAudit(ctx, auditID, "", string(broker.StatusFailed), 0, 0)
			return broker.OrderReport{}, err
		}
		// Submission outcome unknown (e.g. timeout after send). The order
		// may exist at the broker; only reconciliation can tell.
		e.store.Set(ctx, *pos)
		e.reconcileLater(req.Symbol)
		e.updateAudit(ctx, auditID, "", string(broker.StatusUnknown), 0, 0)
		return broker.OrderReport{}, fmt.Errorf("%w: submit %s %s: %v", ErrUnconfirmed, purpose, req.Symbol, err)
	}

	pos.PendingOrderID = orderID
	e.store.Set(ctx, *pos)
	e.metrics.IncrementOrders()
	e.bus.Publish(events.EventOrderSubmitted, map[string]any{"symbol": req.Symbol, "order_id": orderID, "side": req.Side, "qty": req.Qty, "purpose": purpose})

	report, err := e.pollUntilTerminal(ctx, req.Symbol, orderID)
	if err != nil {
		// Budget exhausted or broker reported failure: local belief is no
		// longer trustworthy, defer to broker truth.
		e.reconcileLater(req.Symbol)
		e.updateAudit(ctx, auditID, orderID, string(report.Status), report.FilledQty, report.AvgFillPrice)
		e.metrics.IncrementOrderFailed()
		e.bus.Publish(events.EventOrderFailed, map[string]any{"symbol": req.Symbol, "order_id": orderID, "purpose": purpose, "error": err.Error()})
		return report, err
	}

	e.metrics.IncrementFills()
	e.metrics.OrderLatency.RecordDuration(time.Since(start))
	e.updateAudit(ctx, auditID, orderID, string(report.Status), report.FilledQty, report.AvgFillPrice)
	e.bus.Publish(events.EventOrderFilled, map[string]any{"symbol": req.Symbol, "order_id": orderID, "purpose": purpose, "filled_qty": report.FilledQty, "avg_price": report.AvgFillPrice})
	log.Printf("engine: %s %s confirmed filled qty=%.8g avg=%.8g", purpose, req.Symbol, report.FilledQty, report.AvgFillPrice)
	return report, nil
}

// pollUntilTerminal polls order status with bounded backoff until a terminal
// state or budget exhaustion. Partial fills observed along the way are an
// accepted intermediate state; only the terminal report is acted on.
func (e *Engine) pollUntilTerminal(ctx context.Context, symbol, orderID string) (broker.OrderReport, error) {
	cfg := e.trading.Confirm
	interval := time.Duration(cfg.InitialIntervalMs) * time.Millisecond
	maxInterval := time.Duration(cfg.MaxIntervalMs) * time.Millisecond

	var last broker.OrderReport
	for poll := 0; poll < cfg.MaxPolls; poll++ {
		select {
		case <-ctx.Done():
			return last, fmt.Errorf("%w: %v", ErrUnconfirmed, ctx.Err())
		case <-time.After(interval):
		}

		report, err := e.gateway.FetchOrderStatus(ctx, symbol, orderID)
		if err != nil {
			// Transient query failures burn the poll budget rather than
			// aborting: the order may still fill.
			log.Printf("engine: order status poll %d/%d for %s failed: %v", poll+1, cfg.MaxPolls, orderID, err)
		} else {
			last = report
			if report.Status == broker.StatusFilled {
				return report, nil
			}
			if report.Status == broker.StatusFailed {
				return report, fmt.Errorf("order %s for %s failed at broker", orderID, symbol)
			}
		}

		interval = time.Duration(float64(interval) * cfg.BackoffFactor)
		if interval > maxInterval {
			interval = maxInterval
		}
	}
	return last, fmt.Errorf("%w: order %s for %s not terminal after %d polls", ErrUnconfirmed, orderID, symbol, cfg.MaxPolls)
}

func (e *Engine) recordAudit(ctx context.Context, o db.OrderAudit) {
	if e.database == nil {
		return
	}
	if err := e.database.RecordOrder(ctx, o); err != nil {
		log.Printf("engine: order audit write failed: %v", err)
	}
}

func (e *Engine) updateAudit(ctx context.Context, id, brokerOrderID, status string, filledQty, avgPrice float64) {
	if e.database == nil {
		return
	}
	if err := e.database.UpdateOrderOutcome(ctx, id, brokerOrderID, status, filledQty, avgPrice); err != nil {
		log.Printf("engine: order audit update failed: %v", err)
	}
}
