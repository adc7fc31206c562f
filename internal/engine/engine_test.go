package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"execution-core/internal/control"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/pkg/broker"
	"execution-core/pkg/config"
)

const testSymbol = "BTC/USDT:USDT"

// fakeGateway is an in-memory broker that fills orders on submission unless
// told otherwise. It also detects overlapping PlaceOrder calls, which would
// mean the per-symbol lock failed to serialize operations.
type fakeGateway struct {
	mu         sync.Mutex
	orders     map[string]broker.OrderReport
	placed     []broker.OrderRequest
	positions  map[string]broker.Position
	price      float64
	fillFactor float64
	fillPrice  float64
	rejectNext bool
	neverFill  bool
	placeDelay time.Duration
	seq        int

	inFlight int32
	overlap  int32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		orders:    make(map[string]broker.OrderReport),
		positions: make(map[string]broker.Position),
		price:     100,
	}
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if atomic.AddInt32(&g.inFlight, 1) > 1 {
		atomic.StoreInt32(&g.overlap, 1)
	}
	defer atomic.AddInt32(&g.inFlight, -1)
	if g.placeDelay > 0 {
		time.Sleep(g.placeDelay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rejectNext {
		g.rejectNext = false
		return "", &broker.SubmissionError{Symbol: req.Symbol, Reason: "insufficient margin"}
	}
	g.seq++
	id := fmt.Sprintf("ord-%d", g.seq)
	g.placed = append(g.placed, req)

	factor := g.fillFactor
	if factor == 0 {
		factor = 1
	}
	price := g.fillPrice
	if price == 0 {
		price = g.price
	}
	status := broker.StatusFilled
	if g.neverFill {
		status = broker.StatusSubmitted
	}
	g.orders[id] = broker.OrderReport{OrderID: id, Status: status, FilledQty: req.Qty * factor, AvgFillPrice: price}
	return id, nil
}

func (g *fakeGateway) FetchOrderStatus(ctx context.Context, symbol, orderID string) (broker.OrderReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rep, ok := g.orders[orderID]
	if !ok {
		return broker.OrderReport{}, &broker.QueryError{Op: "order status", Err: errors.New("unknown order")}
	}
	return rep, nil
}

func (g *fakeGateway) FetchPosition(ctx context.Context, symbol string) (broker.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions[symbol], nil
}

func (g *fakeGateway) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.price, nil
}

func (g *fakeGateway) placedOrders() []broker.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]broker.OrderRequest, len(g.placed))
	copy(out, g.placed)
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeGateway, *control.State, *events.Bus) {
	t.Helper()
	trading := config.DefaultTrading(testSymbol)
	trading.Trade.QtyBase = map[string]float64{testSymbol: 1.0}
	trading.Confirm.MaxPolls = 3
	trading.Confirm.InitialIntervalMs = 1
	trading.Confirm.MaxIntervalMs = 2

	gw := newFakeGateway()
	ctl := control.NewState()
	bus := events.NewBus()
	eng := New(Config{
		Gateway: gw,
		Store:   position.NewStore(nil),
		Control: ctl,
		Bus:     bus,
		Metrics: monitor.NewSystemMetrics(),
		Trading: trading,
	})
	return eng, gw, ctl, bus
}

func buySignal() Signal {
	return Signal{Symbol: testSymbol, Action: ActionBuy, At: time.Now()}
}

func sellSignal() Signal {
	return Signal{Symbol: testSymbol, Action: ActionSell, At: time.Now()}
}

func TestHandleSignalOpensFromFlat(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	res, err := eng.HandleSignal(context.Background(), buySignal())
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if res.Action != "opened" {
		t.Fatalf("action = %q, want opened", res.Action)
	}
	pos := res.Position
	if pos.Side != position.SideLong || pos.Qty != 1.0 {
		t.Fatalf("position = %s qty=%v, want LONG qty=1", pos.Side, pos.Qty)
	}
	if pos.PendingAction != position.PendingNone {
		t.Fatalf("pendingAction = %s after successful open", pos.PendingAction)
	}
	if pos.StopPrice <= 0 || pos.StopPrice >= pos.EntryPrice {
		t.Fatalf("initial long stop %v not below entry %v", pos.StopPrice, pos.EntryPrice)
	}
}

func TestHandleSignalSameDirectionNoop(t *testing.T) {
	eng, gw, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.HandleSignal(ctx, buySignal()); err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := eng.HandleSignal(ctx, buySignal())
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if res.Action != "ignored" {
		t.Fatalf("action = %q, want ignored", res.Action)
	}
	if n := len(gw.placedOrders()); n != 1 {
		t.Fatalf("placed %d orders, want 1", n)
	}
}

func TestHandleSignalPaused(t *testing.T) {
	eng, gw, ctl, _ := newTestEngine(t)
	ctl.SetPaused(true, "maintenance")

	res, err := eng.HandleSignal(context.Background(), buySignal())
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if res.Action != "ignored" {
		t.Fatalf("action = %q, want ignored", res.Action)
	}
	if len(gw.placedOrders()) != 0 {
		t.Fatal("paused engine placed an order")
	}
}

func TestReversalVisitsFlatThenOpensShort(t *testing.T) {
	eng, gw, _, bus := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.HandleSignal(ctx, buySignal()); err != nil {
		t.Fatalf("open: %v", err)
	}

	ch, unsub := bus.Subscribe(events.EventPositionChange, 8)
	defer unsub()

	res, err := eng.HandleSignal(ctx, sellSignal())
	if err != nil {
		t.Fatalf("reversal: %v", err)
	}
	if res.Action != "flipped" {
		t.Fatalf("action = %q, want flipped", res.Action)
	}
	if res.Position.Side != position.SideShort || res.Position.Qty != 1.0 {
		t.Fatalf("final position = %s qty=%v, want SHORT qty=1", res.Position.Side, res.Position.Qty)
	}

	// The close must be confirmed (FLAT published) before the open leg.
	first := (<-ch).(position.Position)
	if !first.Flat() {
		t.Fatalf("first transition side = %s, want FLAT before reopening", first.Side)
	}
	second := (<-ch).(position.Position)
	if second.Side != position.SideShort {
		t.Fatalf("second transition side = %s, want SHORT", second.Side)
	}

	placed := gw.placedOrders()
	if len(placed) != 3 {
		t.Fatalf("placed %d orders, want 3 (open, close, open)", len(placed))
	}
	if !placed[1].ReduceOnly || placed[2].ReduceOnly {
		t.Fatalf("reversal order legs wrong: close reduceOnly=%v open reduceOnly=%v", placed[1].ReduceOnly, placed[2].ReduceOnly)
	}
}

func TestReversalUnderCloseOnlyEndsFlat(t *testing.T) {
	eng, gw, ctl, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.HandleSignal(ctx, buySignal()); err != nil {
		t.Fatalf("open: %v", err)
	}
	ctl.SetCloseOnly(true)

	res, err := eng.HandleSignal(ctx, sellSignal())
	if err != nil {
		t.Fatalf("reversal: %v", err)
	}
	if res.Action != "closed" {
		t.Fatalf("action = %q, want closed", res.Action)
	}
	if !res.Position.Flat() {
		t.Fatalf("position side = %s, want FLAT", res.Position.Side)
	}
	placed := gw.placedOrders()
	if len(placed) != 2 || !placed[1].ReduceOnly {
		t.Fatalf("want exactly open + reduce-only close, got %d orders", len(placed))
	}
}

func TestCloseOnlyBlocksNewEntry(t *testing.T) {
	eng, gw, ctl, _ := newTestEngine(t)
	ctl.SetCloseOnly(true)

	res, err := eng.HandleSignal(context.Background(), buySignal())
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if res.Action != "ignored" || len(gw.placedOrders()) != 0 {
		t.Fatalf("close-only entry not blocked: action=%q orders=%d", res.Action, len(gw.placedOrders()))
	}
}

func TestFillMismatchAdoptsBrokerNumbers(t *testing.T) {
	eng, gw, _, _ := newTestEngine(t)
	gw.fillFactor = 0.97
	gw.fillPrice = 100.4

	res, err := eng.HandleSignal(context.Background(), buySignal())
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if res.Position.Qty != 0.97 {
		t.Fatalf("qty = %v, want broker-confirmed 0.97", res.Position.Qty)
	}
	if res.Position.EntryPrice != 100.4 {
		t.Fatalf("entry = %v, want broker-confirmed 100.4", res.Position.EntryPrice)
	}
}

func TestSubmissionRejectionLeavesStateClean(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	eng.gateway.(*fakeGateway).rejectNext = true

	_, err := eng.HandleSignal(context.Background(), buySignal())
	if !broker.IsSubmissionError(err) {
		t.Fatalf("err = %v, want SubmissionError", err)
	}
	pos, _ := eng.GetState(testSymbol)
	if !pos.Flat() || pos.Pending() {
		t.Fatalf("position after rejection = %s pending=%s, want clean FLAT", pos.Side, pos.PendingAction)
	}
}

func TestUnconfirmedFillLeavesPendingAndRequestsReconcile(t *testing.T) {
	eng, gw, _, _ := newTestEngine(t)
	gw.neverFill = true

	var requested []string
	var mu sync.Mutex
	eng.SetReconcileRequester(func(symbol string) {
		mu.Lock()
		requested = append(requested, symbol)
		mu.Unlock()
	})

	_, err := eng.HandleSignal(context.Background(), buySignal())
	if !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("err = %v, want ErrUnconfirmed", err)
	}

	pos, _ := eng.GetState(testSymbol)
	if pos.PendingAction != position.PendingOpening {
		t.Fatalf("pendingAction = %s, want OPENING left set", pos.PendingAction)
	}
	if pos.PendingOrderID == "" {
		t.Fatal("pendingOrderID not recorded")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(requested) != 1 || requested[0] != testSymbol {
		t.Fatalf("reconcile requests = %v, want [%s]", requested, testSymbol)
	}
}

func TestSignalIgnoredWhilePendingUnresolved(t *testing.T) {
	eng, gw, _, _ := newTestEngine(t)
	gw.neverFill = true
	eng.SetReconcileRequester(func(string) {})

	ctx := context.Background()
	if _, err := eng.HandleSignal(ctx, buySignal()); !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("setup err = %v", err)
	}

	res, err := eng.HandleSignal(ctx, sellSignal())
	if err != nil {
		t.Fatalf("second signal: %v", err)
	}
	if res.Action != "ignored" {
		t.Fatalf("action = %q, want ignored while pending is unresolved", res.Action)
	}
}

func TestDedupSameBar(t *testing.T) {
	eng, gw, _, _ := newTestEngine(t)
	eng.trading.Runtime.DedupSameBar = true
	ctx := context.Background()

	sig := buySignal()
	sig.BarTime = "2026-08-26T12:00:00Z"
	if _, err := eng.HandleSignal(ctx, sig); err != nil {
		t.Fatalf("first: %v", err)
	}

	dup := sellSignal()
	dup.BarTime = sig.BarTime
	res, err := eng.HandleSignal(ctx, dup)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	if res.Action != "ignored" {
		t.Fatalf("action = %q, want ignored for same bar", res.Action)
	}
	if n := len(gw.placedOrders()); n != 1 {
		t.Fatalf("placed %d orders, want 1", n)
	}
}

func TestTrailingStopBreachCloses(t *testing.T) {
	eng, gw, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.HandleSignal(ctx, buySignal()); err != nil {
		t.Fatalf("open: %v", err)
	}
	// Entry 100, initial stop 97. Drop the mark below the stop.
	gw.mu.Lock()
	gw.price = 96.5
	gw.mu.Unlock()

	if err := eng.EvaluateTrailingStop(ctx, testSymbol); err != nil {
		t.Fatalf("EvaluateTrailingStop: %v", err)
	}
	pos, _ := eng.GetState(testSymbol)
	if !pos.Flat() {
		t.Fatalf("position side = %s after stop breach, want FLAT", pos.Side)
	}
	placed := gw.placedOrders()
	if last := placed[len(placed)-1]; !last.ReduceOnly || last.Side != broker.SideSell {
		t.Fatalf("stop close order = %+v, want reduce-only SELL", last)
	}
}

func TestTrailingStopTightensInProfit(t *testing.T) {
	eng, gw, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.HandleSignal(ctx, buySignal()); err != nil {
		t.Fatalf("open: %v", err)
	}
	// +2% profit trips the tighten threshold; stop trails at 0.1%.
	gw.mu.Lock()
	gw.price = 102
	gw.mu.Unlock()

	if err := eng.EvaluateTrailingStop(ctx, testSymbol); err != nil {
		t.Fatalf("EvaluateTrailingStop: %v", err)
	}
	pos, _ := eng.GetState(testSymbol)
	if pos.StopStage != position.StageTightened {
		t.Fatalf("stage = %s, want TIGHTENED", pos.StopStage)
	}
	want := 102 * (1 - 0.001)
	if diff := pos.StopPrice - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("stop = %v, want %v", pos.StopPrice, want)
	}
	if pos.Side != position.SideLong {
		t.Fatalf("profitable position closed unexpectedly: %s", pos.Side)
	}
}

func TestEmergencyCloseBypassesPause(t *testing.T) {
	eng, _, ctl, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.HandleSignal(ctx, buySignal()); err != nil {
		t.Fatalf("open: %v", err)
	}
	ctl.SetPaused(true, "incident")

	res, err := eng.EmergencyClose(ctx, testSymbol)
	if err != nil {
		t.Fatalf("EmergencyClose: %v", err)
	}
	if !res.Position.Flat() {
		t.Fatalf("position side = %s, want FLAT", res.Position.Side)
	}
}

func TestEmergencyCloseWithoutPosition(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	_, err := eng.EmergencyClose(context.Background(), testSymbol)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestConcurrentStopAndReversalSerialize(t *testing.T) {
	eng, gw, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.HandleSignal(ctx, buySignal()); err != nil {
		t.Fatalf("open: %v", err)
	}
	gw.mu.Lock()
	gw.price = 96.5 // below the initial stop
	gw.placeDelay = 5 * time.Millisecond
	gw.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		eng.EvaluateTrailingStop(ctx, testSymbol)
	}()
	go func() {
		defer wg.Done()
		eng.HandleSignal(ctx, sellSignal())
	}()
	wg.Wait()

	if atomic.LoadInt32(&gw.overlap) != 0 {
		t.Fatal("broker observed overlapping orders for one symbol")
	}
	pos, _ := eng.GetState(testSymbol)
	if pos.Pending() {
		t.Fatalf("pendingAction = %s after both operations finished", pos.PendingAction)
	}
	// Whichever total order was taken, the result is one of the two
	// consistent outcomes, never a partial mix.
	if !pos.Flat() && pos.Side != position.SideShort {
		t.Fatalf("final side = %s, want FLAT or SHORT", pos.Side)
	}
}
