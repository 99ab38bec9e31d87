package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/broker"
	stderrors "tws-trailstop/internal/errors"
	"tws-trailstop/internal/market"
	"tws-trailstop/internal/models"
)

// openHours covers the whole of today so tests are clock-independent.
func openHours() market.HoursEntry {
	today := time.Now().UTC().Format("20060102")
	tomorrow := time.Now().UTC().Add(24 * time.Hour).Format("20060102")
	span := today + ":0000-" + tomorrow + ":0000"
	return market.HoursEntry{
		CalendarDate: time.Now().Format("20060102"),
		TradingHours: span,
		LiquidHours:  span,
		TimeZoneID:   "UTC",
	}
}

func closedHours() market.HoursEntry {
	today := time.Now().UTC().Format("20060102")
	return market.HoursEntry{
		CalendarDate: time.Now().Format("20060102"),
		TradingHours: today + ":CLOSED",
		LiquidHours:  today + ":CLOSED",
		TimeZoneID:   "UTC",
	}
}

func optionLeg(conID int64, qty float64) models.Leg {
	return models.Leg{
		Contract: models.ContractRef{
			ConID:    conID,
			Symbol:   "SPXW",
			SecType:  models.SecTypeOption,
			Exchange: "SMART",
			Currency: "USD",
			MinTick:  0.05,
		},
		Quantity:   qty,
		Multiplier: 100,
	}
}

func debitGroup(id string) *models.Group {
	return &models.Group{
		ID:               id,
		Legs:             []models.Leg{optionLeg(1001, 1)},
		TrailMode:        models.TrailPercent,
		TrailValue:       15,
		TriggerPriceType: models.TriggerMark,
		StopType:         models.StopMarket,
		State:            models.GroupInactive,
	}
}

type testRig struct {
	monitor *Monitor
	paper   *broker.PaperBroker
	rules   *market.RuleCache
	hours   *market.HoursCache
}

func newRig(t *testing.T) *testRig {
	return newRigStore(t, nil)
}

func newRigStore(t *testing.T, store Persister) *testRig {
	t.Helper()
	log := zerolog.Nop()
	rules := market.NewRuleCache(log)
	hours := market.NewHoursCache(log)
	paper := broker.NewPaperBroker(log)
	m := New(DefaultConfig(), paper, rules, hours, store, log)
	if err := paper.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &testRig{monitor: m, paper: paper, rules: rules, hours: hours}
}

// recordingStore keeps journalled events in memory for inspection.
type recordingStore struct {
	mu     sync.Mutex
	events []models.StopEvent
}

func (s *recordingStore) SaveGroup(ctx context.Context, g *models.Group) error { return nil }

func (s *recordingStore) RecordEvent(ctx context.Context, ev models.StopEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingStore) kinds() []models.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

// flakyStore fails the first N saves, then succeeds.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	saves    int
}

func (s *flakyStore) SaveGroup(ctx context.Context, g *models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failures > 0 {
		s.failures--
		return stderrors.ErrDatabaseError
	}
	return nil
}

func (s *flakyStore) RecordEvent(ctx context.Context, ev models.StopEvent) error { return nil }

// seedOpen prepares quote, tick rule and open hours for the test contract.
func (r *testRig) seedOpen(t *testing.T, mark float64) {
	t.Helper()
	r.paper.SetQuote(1001, models.QuoteData{Bid: mark - 0.10, Ask: mark + 0.10, Last: mark, Mark: mark})
	r.rules.Put(1001, "SMART", market.NewPriceIncrementTable([]market.PriceIncrement{
		{LowEdge: 0, Increment: 0.05},
	}))
	r.hours.Put("SPXW_OPT", openHours())
}

func (r *testRig) armedGroup(t *testing.T, g *models.Group) {
	t.Helper()
	r.monitor.AddGroup(g)
	if err := r.monitor.Arm(context.Background(), g.ID); err != nil {
		t.Fatalf("Arm: %v", err)
	}
}

// waitOpenOrders polls the paper broker until n orders are working.
func (r *testRig) waitOpenOrders(t *testing.T, n int) []models.OpenOrder {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		open, err := r.paper.OpenOrders(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(open) == n {
			return open
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never reached %d open orders", n)
	return nil
}

// waitStopOrderID polls until the apply goroutine has recorded the placed
// order on the group.
func (r *testRig) waitStopOrderID(t *testing.T, g *models.Group) int64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if id := r.monitor.snapshot(g).StopOrderID; id != 0 {
			return id
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("stop order ID never recorded")
	return 0
}

// waitIdle polls until no order operation is in flight for the group.
func (r *testRig) waitIdle(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.monitor.mu.Lock()
		rt := r.monitor.groups[id]
		idle := rt != nil && !rt.busy
		r.monitor.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("group %s never went idle", id)
}

func (r *testRig) waitAuxPrice(t *testing.T, orderID int64, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		intent, _, ok := r.paper.Order(orderID)
		if ok && intent.AuxPrice == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	intent, _, _ := r.paper.Order(orderID)
	t.Fatalf("aux price = %v, want %v", intent.AuxPrice, want)
}

func TestTickPlacesInitialStop(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)

	r.monitor.Tick(context.Background())
	open := r.waitOpenOrders(t, 1)

	if open[0].AuxPrice != 4.25 {
		t.Errorf("initial stop = %v, want 4.25", open[0].AuxPrice)
	}
	if open[0].Side != models.OrderSideSell {
		t.Errorf("side = %s, want SELL", open[0].Side)
	}
	if r.waitStopOrderID(t, g) == 0 {
		t.Error("group stop order ID not recorded")
	}
}

func TestTickModifiesOnNewHighWater(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)

	r.monitor.Tick(context.Background())
	r.waitOpenOrders(t, 1)
	orderID := r.waitStopOrderID(t, g)

	r.paper.SetQuote(1001, models.QuoteData{Bid: 5.90, Ask: 6.10, Last: 6.00, Mark: 6.00})
	r.monitor.Tick(context.Background())
	r.waitAuxPrice(t, orderID, 5.10)

	if got := r.monitor.snapshot(g).StopOrderID; got != orderID {
		t.Errorf("modification replaced the order: %d -> %d", orderID, got)
	}
}

func TestTickHoldsOnPullback(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)

	r.monitor.Tick(context.Background())
	r.waitOpenOrders(t, 1)
	orderID := r.waitStopOrderID(t, g)

	r.paper.SetQuote(1001, models.QuoteData{Bid: 4.40, Ask: 4.60, Last: 4.50, Mark: 4.50})
	r.monitor.Tick(context.Background())

	// Give any stray modification a chance to land, then confirm none did.
	time.Sleep(50 * time.Millisecond)
	intent, _, _ := r.paper.Order(orderID)
	if intent.AuxPrice != 4.25 {
		t.Errorf("stop moved on pullback: %v", intent.AuxPrice)
	}
	if wm := g.Watermark(); wm == nil || *wm != 5.00 {
		t.Errorf("watermark = %v, want 5.00", wm)
	}
}

func TestTickSuppressedWhenMarketClosed(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)
	r.hours.Put("SPXW_OPT", closedHours())

	r.monitor.Tick(context.Background())

	time.Sleep(50 * time.Millisecond)
	open, err := r.paper.OpenOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("order placed while market closed: %v", open)
	}
	if g.Watermark() != nil {
		t.Errorf("watermark advanced while market closed: %v", *g.Watermark())
	}
}

func TestFillMovesGroupToFilled(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)

	r.monitor.Tick(context.Background())
	r.waitOpenOrders(t, 1)
	orderID := r.waitStopOrderID(t, g)

	if err := r.paper.Fill(orderID, 4.26); err != nil {
		t.Fatal(err)
	}
	if g.State != models.GroupFilled {
		t.Errorf("state after fill = %s, want FILLED", g.State)
	}

	// A filled group takes no further ticks.
	r.paper.SetQuote(1001, models.QuoteData{Bid: 7.90, Ask: 8.10, Last: 8.00, Mark: 8.00})
	r.monitor.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	if wm := g.Watermark(); wm != nil && *wm != 5.00 {
		t.Errorf("terminal group still trailing: watermark %v", *wm)
	}
}

func TestReconcileMissingOrderMarksUnknown(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)

	r.monitor.Tick(context.Background())
	r.waitOpenOrders(t, 1)
	orderID := r.waitStopOrderID(t, g)

	// Broker answer that no longer contains the stop.
	r.monitor.Reconcile([]models.OpenOrder{})
	if g.State != models.GroupUnknown {
		t.Errorf("state = %s, want UNKNOWN", g.State)
	}

	// And one that does restores the working state.
	r.monitor.Reconcile([]models.OpenOrder{{OrderID: orderID}})
	if g.State != models.GroupOrderPlaced {
		t.Errorf("state = %s, want ORDER_PLACED", g.State)
	}
}

func TestDisconnectMarksWorkingGroupsUnknown(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)

	r.monitor.Tick(context.Background())
	r.waitOpenOrders(t, 1)
	orderID := r.waitStopOrderID(t, g)

	if err := r.paper.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if g.State != models.GroupUnknown {
		t.Errorf("state after disconnect = %s, want UNKNOWN", g.State)
	}

	// Reconnect and reconcile against the still-working order.
	if err := r.paper.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.monitor.Reconcile([]models.OpenOrder{{OrderID: orderID}})
	if g.State != models.GroupOrderPlaced {
		t.Errorf("state after reconcile = %s, want ORDER_PLACED", g.State)
	}
}

func TestEnqueueCoalescesLatest(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.monitor.AddGroup(g)

	r.monitor.mu.Lock()
	rt := r.monitor.groups[g.ID]
	rt.busy = true
	r.monitor.mu.Unlock()

	r.monitor.enqueue(context.Background(), g, 4.25, 0)
	r.monitor.enqueue(context.Background(), g, 4.40, 0)

	r.monitor.mu.Lock()
	defer r.monitor.mu.Unlock()
	if rt.pending == nil || rt.pending.stopPrice != 4.40 {
		t.Errorf("pending = %+v, want latest stop 4.40", rt.pending)
	}
}

func TestTimeExitPlacedWhenDue(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	g.TimeExitEnabled = true
	g.TimeExitAt = "00:00" // always due
	g.OCAGroupID = "oca-g1"
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)

	r.monitor.Tick(context.Background())
	r.waitOpenOrders(t, 2)

	if g.TimeExitOrderID == 0 {
		t.Fatal("time exit order not recorded")
	}
	intent, _, ok := r.paper.Order(g.TimeExitOrderID)
	if !ok {
		t.Fatal("time exit order missing at broker")
	}
	if intent.Type != models.OrderTypeMarket {
		t.Errorf("time exit type = %s, want MKT", intent.Type)
	}
	if intent.OCAGroupID != "oca-g1" {
		t.Errorf("time exit OCA = %q, want oca-g1", intent.OCAGroupID)
	}

	// No duplicate on the next tick.
	r.monitor.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	r.waitOpenOrders(t, 2)
}

// Ticks and fills arrive on different goroutines; run both hard and check
// the group settles filled. Run with -race.
func TestConcurrentTickAndFill(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)

	r.monitor.Tick(context.Background())
	r.waitOpenOrders(t, 1)
	orderID := r.waitStopOrderID(t, g)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mark := 5.00
		for i := 0; i < 25; i++ {
			mark += 0.10
			r.paper.SetQuote(1001, models.QuoteData{Bid: mark - 0.10, Ask: mark + 0.10, Last: mark, Mark: mark})
			r.monitor.Tick(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		if err := r.paper.Fill(orderID, 4.26); err != nil {
			t.Errorf("Fill: %v", err)
		}
	}()
	wg.Wait()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.monitor.snapshot(g).State == models.GroupFilled {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("state = %s, want FILLED", r.monitor.snapshot(g).State)
}

// A Submitted status that recovers a group from UNKNOWN journals a PLACE
// record, not a CANCEL.
func TestRecoveryStatusJournalsPlace(t *testing.T) {
	store := &recordingStore{}
	r := newRigStore(t, store)
	g := debitGroup("g1")
	r.armedGroup(t, g)
	r.seedOpen(t, 5.00)

	r.monitor.Tick(context.Background())
	r.waitOpenOrders(t, 1)
	orderID := r.waitStopOrderID(t, g)
	r.waitIdle(t, g.ID)

	if err := r.monitor.advance(g, models.GroupUnknown); err != nil {
		t.Fatal(err)
	}
	r.monitor.handleOrderStatus(orderID, models.OrderStatusSubmitted, 0)

	if got := r.monitor.snapshot(g).State; got != models.GroupOrderPlaced {
		t.Fatalf("state = %s, want ORDER_PLACED", got)
	}
	kinds := store.kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != models.EventPlace {
		t.Errorf("journal kinds = %v, want trailing PLACE", kinds)
	}
	for _, k := range kinds {
		if k == models.EventCancel {
			t.Errorf("recovery journalled a CANCEL: %v", kinds)
		}
	}
}

// A rejected placement rolls the group back to ACTIVE through the
// lifecycle, so the next tick retries.
func TestPlaceFailureRollsBackToActive(t *testing.T) {
	r := newRig(t)
	g := debitGroup("g1")
	r.armedGroup(t, g)

	if err := r.paper.Disconnect(); err != nil {
		t.Fatal(err)
	}
	r.monitor.apply(context.Background(), g, pendingMod{stopPrice: 4.25})

	if got := r.monitor.snapshot(g).State; got != models.GroupActive {
		t.Errorf("state after failed placement = %s, want ACTIVE", got)
	}
}

func TestPersistRetriesTransientStoreFailure(t *testing.T) {
	store := &flakyStore{failures: 2}
	r := newRigStore(t, store)
	g := debitGroup("g1")
	r.monitor.AddGroup(g)

	if err := r.monitor.Arm(context.Background(), g.ID); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	store.mu.Lock()
	saves := store.saves
	store.mu.Unlock()
	if saves != 3 {
		t.Errorf("saves = %d, want 3 (two retried failures)", saves)
	}
}

func TestContractsDeduplicated(t *testing.T) {
	r := newRig(t)
	g1 := debitGroup("g1")
	g2 := debitGroup("g2")
	r.monitor.AddGroup(g1)
	r.monitor.AddGroup(g2)

	contracts := r.monitor.Contracts()
	if len(contracts) != 1 {
		t.Errorf("contracts = %d, want 1 after dedup", len(contracts))
	}
}
