package db

import (
	"context"
	"fmt"
)

// RecordOrder inserts a new order audit row.
func (d *Database) RecordOrder(ctx context.Context, o OrderAudit) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (id, broker_order_id, symbol, side, purpose, qty, reduce_only, status, filled_qty, avg_fill_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.BrokerOrderID, o.Symbol, o.Side, o.Purpose, o.Qty, boolToInt(o.ReduceOnly), o.Status, o.FilledQty, o.AvgFillPrice)
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	return nil
}

// UpdateOrderOutcome writes the terminal result of a confirmation attempt.
func (d *Database) UpdateOrderOutcome(ctx context.Context, id, brokerOrderID, status string, filledQty, avgFillPrice float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET broker_order_id = ?, status = ?, filled_qty = ?, avg_fill_price = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, brokerOrderID, status, filledQty, avgFillPrice, id)
	if err != nil {
		return fmt.Errorf("update order outcome: %w", err)
	}
	return nil
}

// InsertDriftAlert records a detected local/broker mismatch.
func (d *Database) InsertDriftAlert(ctx context.Context, a DriftAlert) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO drift_alerts (symbol, local_side, local_qty, broker_side, broker_qty, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.Symbol, a.LocalSide, a.LocalQty, a.BrokerSide, a.BrokerQty, a.Reason)
	if err != nil {
		return fmt.Errorf("insert drift alert: %w", err)
	}
	return nil
}

// ListDriftAlerts returns the most recent drift alerts, newest first.
func (d *Database) ListDriftAlerts(ctx context.Context, limit int) ([]DriftAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, local_side, local_qty, broker_side, broker_qty, reason, created_at
		FROM drift_alerts ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list drift alerts: %w", err)
	}
	defer rows.Close()

	var out []DriftAlert
	for rows.Next() {
		var a DriftAlert
		if err := rows.Scan(&a.ID, &a.Symbol, &a.LocalSide, &a.LocalQty, &a.BrokerSide, &a.BrokerQty, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertSnapshot stores the durable copy of a position.
func (d *Database) UpsertSnapshot(ctx context.Context, s PositionSnapshot) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO position_snapshots (symbol, side, qty, entry_price, stop_price, stop_stage, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			stop_price = excluded.stop_price,
			stop_stage = excluded.stop_stage,
			updated_at = CURRENT_TIMESTAMP
	`, s.Symbol, s.Side, s.Qty, s.EntryPrice, s.StopPrice, s.StopStage)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// ListOrderAudits returns recent order attempts for a symbol, newest first.
func (d *Database) ListOrderAudits(ctx context.Context, symbol string, limit int) ([]OrderAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, COALESCE(broker_order_id, ''), symbol, side, purpose, qty, reduce_only, status, filled_qty, avg_fill_price, created_at
		FROM orders WHERE symbol = ? ORDER BY created_at DESC LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list order audits: %w", err)
	}
	defer rows.Close()

	var out []OrderAudit
	for rows.Next() {
		var (
			o  OrderAudit
			ro int
		)
		if err := rows.Scan(&o.ID, &o.BrokerOrderID, &o.Symbol, &o.Side, &o.Purpose, &o.Qty, &ro, &o.Status, &o.FilledQty, &o.AvgFillPrice, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.ReduceOnly = ro == 1
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
