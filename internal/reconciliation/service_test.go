package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

const testSymbol = "BTC/USDT:USDT"

type fakeGateway struct {
	mu        sync.Mutex
	positions map[string]broker.Position
	fail      bool
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	return "", errors.New("not used")
}

func (g *fakeGateway) FetchOrderStatus(ctx context.Context, symbol, orderID string) (broker.OrderReport, error) {
	return broker.OrderReport{}, errors.New("not used")
}

func (g *fakeGateway) FetchPosition(ctx context.Context, symbol string) (broker.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return broker.Position{}, errors.New("connection refused")
	}
	return g.positions[symbol], nil
}

func (g *fakeGateway) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}

func newTestService(t *testing.T) (*Service, *fakeGateway, *position.Store, *events.Bus) {
	t.Helper()
	gw := &fakeGateway{positions: make(map[string]broker.Position)}
	store := position.NewStore(nil)
	bus := events.NewBus()
	svc := NewService(ServiceConfig{
		Gateway: gw,
		Store:   store,
		Bus:     bus,
		Metrics: monitor.NewSystemMetrics(),
		Trading: config.DefaultTrading(testSymbol),
	})
	return svc, gw, store, bus
}

func TestBothFlatConsistent(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	out, err := svc.ReconcileSymbol(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("ReconcileSymbol: %v", err)
	}
	if !out.Consistent || out.Drift {
		t.Fatalf("outcome = %+v, want consistent without drift", out)
	}
	if out.Position.LastReconciledAt.IsZero() {
		t.Fatal("lastReconciledAt not stamped")
	}
}

func TestRestartRecoveryAdoptsBrokerPosition(t *testing.T) {
	svc, gw, store, _ := newTestService(t)
	gw.positions[testSymbol] = broker.Position{Symbol: testSymbol, Side: "LONG", Qty: 0.5, EntryPrice: 30000}

	out, err := svc.ReconcileSymbol(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("ReconcileSymbol: %v", err)
	}
	if !out.Adopted || out.Drift {
		t.Fatalf("outcome = %+v, want adopted without drift", out)
	}

	pos := store.Get(testSymbol)
	if pos.Side != position.SideLong || pos.Qty != 0.5 || pos.EntryPrice != 30000 {
		t.Fatalf("recovered position = %s qty=%v entry=%v, want LONG 0.5 @30000", pos.Side, pos.Qty, pos.EntryPrice)
	}
	if pos.StopPrice <= 0 {
		t.Fatal("adopted position has no stop seeded")
	}
}

func TestBrokerFlatClearsLocalWithDrift(t *testing.T) {
	svc, _, store, bus := newTestService(t)
	ctx := context.Background()

	local := position.NewFlat(testSymbol)
	local.Side = position.SideLong
	local.Qty = 1.0
	local.EntryPrice = 100
	store.Set(ctx, local)

	ch, unsub := bus.Subscribe(events.EventDriftAlert, 4)
	defer unsub()

	out, err := svc.ReconcileSymbol(ctx, testSymbol)
	if err != nil {
		t.Fatalf("ReconcileSymbol: %v", err)
	}
	if !out.Drift {
		t.Fatal("liquidated position produced no drift")
	}
	if !store.Get(testSymbol).Flat() {
		t.Fatal("local not cleared to FLAT")
	}

	select {
	case raw := <-ch:
		alert := raw.(db.DriftAlert)
		if alert.Symbol != testSymbol || alert.LocalSide != "LONG" {
			t.Fatalf("alert = %+v", alert)
		}
	default:
		t.Fatal("no drift alert published")
	}
}

func TestBrokerFlatAfterPendingCloseIsNotDrift(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	ctx := context.Background()

	// A close was submitted but its confirmation crashed mid-poll.
	local := position.NewFlat(testSymbol)
	local.Side = position.SideLong
	local.Qty = 1.0
	local.EntryPrice = 100
	local.PendingAction = position.PendingClosing
	local.PendingOrderID = "ord-1"
	store.Set(ctx, local)

	out, err := svc.ReconcileSymbol(ctx, testSymbol)
	if err != nil {
		t.Fatalf("ReconcileSymbol: %v", err)
	}
	if out.Drift {
		t.Fatal("expected close completion flagged as drift")
	}
	pos := store.Get(testSymbol)
	if !pos.Flat() || pos.Pending() {
		t.Fatalf("position = %s pending=%s, want clean FLAT", pos.Side, pos.PendingAction)
	}
}

func TestMatchingPositionRefreshesEntry(t *testing.T) {
	svc, gw, store, _ := newTestService(t)
	ctx := context.Background()

	local := position.NewFlat(testSymbol)
	local.Side = position.SideShort
	local.Qty = 2.0
	local.EntryPrice = 99.9
	store.Set(ctx, local)
	gw.positions[testSymbol] = broker.Position{Symbol: testSymbol, Side: "SHORT", Qty: 2.0, EntryPrice: 100.1}

	out, err := svc.ReconcileSymbol(ctx, testSymbol)
	if err != nil {
		t.Fatalf("ReconcileSymbol: %v", err)
	}
	if !out.Consistent || out.Drift {
		t.Fatalf("outcome = %+v, want consistent", out)
	}
	if got := store.Get(testSymbol).EntryPrice; got != 100.1 {
		t.Fatalf("entry = %v, want broker's 100.1", got)
	}
}

func TestQtyWithinToleranceIsConsistent(t *testing.T) {
	svc, gw, store, _ := newTestService(t)
	ctx := context.Background()

	local := position.NewFlat(testSymbol)
	local.Side = position.SideLong
	local.Qty = 1.0
	local.EntryPrice = 100
	store.Set(ctx, local)
	gw.positions[testSymbol] = broker.Position{Symbol: testSymbol, Side: "LONG", Qty: 1.00005, EntryPrice: 100}

	out, err := svc.ReconcileSymbol(ctx, testSymbol)
	if err != nil {
		t.Fatalf("ReconcileSymbol: %v", err)
	}
	if !out.Consistent {
		t.Fatalf("dust difference treated as drift: %+v", out)
	}
}

func TestMismatchAdoptsBrokerAndAlerts(t *testing.T) {
	svc, gw, store, _ := newTestService(t)
	ctx := context.Background()

	local := position.NewFlat(testSymbol)
	local.Side = position.SideLong
	local.Qty = 1.0
	local.EntryPrice = 100
	local.PendingAction = position.PendingOpening
	store.Set(ctx, local)
	gw.positions[testSymbol] = broker.Position{Symbol: testSymbol, Side: "SHORT", Qty: 0.4, EntryPrice: 98}

	out, err := svc.ReconcileSymbol(ctx, testSymbol)
	if err != nil {
		t.Fatalf("ReconcileSymbol: %v", err)
	}
	if !out.Drift || !out.Adopted {
		t.Fatalf("outcome = %+v, want drift + adoption", out)
	}
	pos := store.Get(testSymbol)
	if pos.Side != position.SideShort || pos.Qty != 0.4 {
		t.Fatalf("position = %s qty=%v, want broker's SHORT 0.4", pos.Side, pos.Qty)
	}
	if pos.Pending() {
		t.Fatalf("pendingAction = %s, want cleared after adopting broker truth", pos.PendingAction)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	svc, gw, store, _ := newTestService(t)
	ctx := context.Background()
	gw.positions[testSymbol] = broker.Position{Symbol: testSymbol, Side: "LONG", Qty: 0.5, EntryPrice: 30000}

	first, err := svc.ReconcileSymbol(ctx, testSymbol)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.ReconcileSymbol(ctx, testSymbol)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Drift {
		t.Fatal("second pass reported drift with no broker change")
	}
	p1, p2 := first.Position, second.Position
	if p1.Side != p2.Side || p1.Qty != p2.Qty || p1.EntryPrice != p2.EntryPrice || p1.StopPrice != p2.StopPrice {
		t.Fatalf("positions differ across idempotent passes: %+v vs %+v", p1, p2)
	}
	if got := store.Get(testSymbol); got.Side != position.SideLong {
		t.Fatalf("final side = %s", got.Side)
	}
}

func TestUnreachableBrokerLeavesLocalUntouched(t *testing.T) {
	svc, gw, store, _ := newTestService(t)
	ctx := context.Background()

	local := position.NewFlat(testSymbol)
	local.Side = position.SideLong
	local.Qty = 1.0
	local.EntryPrice = 100
	store.Set(ctx, local)
	gw.fail = true

	out, err := svc.ReconcileSymbol(ctx, testSymbol)
	if err == nil {
		t.Fatal("expected error from unreachable broker")
	}
	if !out.Drift {
		t.Fatal("query exhaustion should escalate to a drift alert")
	}
	pos := store.Get(testSymbol)
	if pos.Side != position.SideLong || pos.Qty != 1.0 {
		t.Fatalf("local position mutated on failed query: %+v", pos)
	}
}

func TestRequestCoalescing(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	// Worker not started: requests accumulate, duplicates are coalesced.
	svc.Request(testSymbol)
	svc.Request(testSymbol)
	svc.Request(testSymbol)

	if n := len(svc.requests); n != 1 {
		t.Fatalf("queued %d requests, want 1", n)
	}
}
