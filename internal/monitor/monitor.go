// Package monitor drives the trailing stop loop: sample prices, advance
// watermarks, and keep the resting stop orders at the broker in sync.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/broker"
	"tws-trailstop/internal/errors"
	"tws-trailstop/internal/logging"
	"tws-trailstop/internal/market"
	"tws-trailstop/internal/models"
	"tws-trailstop/internal/orders"
	"tws-trailstop/internal/stops"
	"tws-trailstop/pkg/utils"
)

// Persister stores group state and the stop event journal. Satisfied by
// the sqlite store; tests plug in a no-op.
type Persister interface {
	SaveGroup(ctx context.Context, g *models.Group) error
	RecordEvent(ctx context.Context, ev models.StopEvent) error
}

// Config tunes the monitor loops.
type Config struct {
	TickInterval  time.Duration // price sampling cadence
	HouseInterval time.Duration // rollover and refresh cadence
}

// DefaultConfig returns the standard cadences.
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		HouseInterval: 500 * time.Millisecond,
	}
}

// pendingMod is the newest queued order modification for a group. Older
// queued prices are overwritten; only the latest matters.
type pendingMod struct {
	stopPrice  float64
	limitPrice float64
}

// groupRuntime is per-group mutable monitor state.
type groupRuntime struct {
	group    *models.Group
	busy     bool        // an order operation is in flight
	pending  *pendingMod // latest coalesced modification
	closedOn string      // date market-closed was last logged
}

// Monitor owns the tracked groups and the tick loop.
type Monitor struct {
	cfg     Config
	broker  broker.Broker
	engine  *stops.Engine
	builder *orders.Builder
	rules   *market.RuleCache
	hours   *market.HoursCache
	store   Persister
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	groups map[string]*groupRuntime
}

// New creates a monitor. The rule and hours caches are shared with the
// broker, which warms them at connect.
func New(cfg Config, b broker.Broker, rules *market.RuleCache, hours *market.HoursCache, store Persister, logger zerolog.Logger) *Monitor {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.HouseInterval <= 0 {
		cfg.HouseInterval = 500 * time.Millisecond
	}
	m := &Monitor{
		cfg:     cfg,
		broker:  b,
		engine:  stops.NewEngine(logger),
		builder: orders.NewBuilder(logger),
		rules:   rules,
		hours:   hours,
		store:   store,
		logger:  logger.With().Str("component", "monitor").Logger(),
		groups:  make(map[string]*groupRuntime),
	}
	m.now = time.Now
	b.OnOrderStatus(m.handleOrderStatus)
	b.OnStateChange(m.handleConnectionState)
	return m
}

// handleConnectionState marks working-order groups UNKNOWN when the session
// drops. Reconcile restores them against the broker's open orders once the
// connection comes back.
func (m *Monitor) handleConnectionState(from, to models.ConnectionState) {
	if to != models.StateDisconnected {
		return
	}
	for _, g := range m.Groups() {
		snap := m.snapshot(g)
		if snap.StopOrderID == 0 || snap.State.Terminal() || snap.State == models.GroupUnknown {
			continue
		}
		if err := m.advance(g, models.GroupUnknown); err != nil {
			m.logger.Warn().Err(err).Str("group_id", g.ID).Msg("Disconnect transition failed")
		}
	}
}

// AddGroup registers a group for monitoring.
func (m *Monitor) AddGroup(g *models.Group) {
	m.mu.Lock()
	m.groups[g.ID] = &groupRuntime{group: g}
	m.mu.Unlock()
}

// RemoveGroup forgets a group. The resting stop order is left working;
// cancel it explicitly first if that is not wanted.
func (m *Monitor) RemoveGroup(id string) {
	m.mu.Lock()
	delete(m.groups, id)
	m.mu.Unlock()
}

// Group returns a tracked group by ID.
func (m *Monitor) Group(id string) (*models.Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.groups[id]
	if !ok {
		return nil, false
	}
	return rt.group, true
}

// Groups returns all tracked groups.
func (m *Monitor) Groups() []*models.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Group, 0, len(m.groups))
	for _, rt := range m.groups {
		out = append(out, rt.group)
	}
	return out
}

// snapshot copies a group's mutable state under the monitor lock. Groups
// are written from the tick, apply and broker event goroutines; reads away
// from those writers go through a snapshot.
func (m *Monitor) snapshot(g *models.Group) models.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *g
}

// observe advances the group's watermark under the monitor lock. Broker
// round trips stay outside it.
func (m *Monitor) observe(g *models.Group, price float64) stops.StopUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine.Observe(g, price)
}

// Arm activates an inactive group so the next tick starts trailing it.
func (m *Monitor) Arm(ctx context.Context, id string) error {
	m.mu.Lock()
	rt, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return errors.ErrGroupNotFound
	}
	err := orders.Advance(rt.group, models.GroupActive, m.logger)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.persist(ctx, id)
}

// Contracts returns every distinct leg contract across tracked groups,
// for cache warmup at connect.
func (m *Monitor) Contracts() []models.ContractRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	var out []models.ContractRef
	for _, rt := range m.groups {
		for _, leg := range rt.group.Legs {
			if seen[leg.Contract.ConID] {
				continue
			}
			seen[leg.Contract.ConID] = true
			out = append(out, leg.Contract)
		}
	}
	return out
}

// Run drives the tick and housekeeping loops until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	tick := time.NewTicker(m.cfg.TickInterval)
	defer tick.Stop()
	house := time.NewTicker(m.cfg.HouseInterval)
	defer house.Stop()

	m.logger.Info().
		Dur("tick_interval", m.cfg.TickInterval).
		Msg("Monitor started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Monitor stopped")
			return ctx.Err()
		case <-tick.C:
			m.Tick(ctx)
		case <-house.C:
			m.housekeep(ctx)
		}
	}
}

// Tick samples every active group once and pushes resulting stop updates
// toward the broker.
func (m *Monitor) Tick(ctx context.Context) {
	if m.broker.State() != models.StateConnected {
		return
	}
	for _, g := range m.Groups() {
		if m.snapshot(g).State.Terminal() {
			continue
		}
		m.tickGroup(ctx, g)
	}
}

// tickGroup runs one sampling cycle for one group.
func (m *Monitor) tickGroup(ctx context.Context, g *models.Group) {
	log := logging.WithGroupID(m.logger, g.ID)

	key := g.FirstLeg().Contract.HoursKey()
	if !m.marketOpen(g, key) {
		return
	}

	legQuotes, err := m.legQuotes(ctx, g)
	if err != nil {
		log.Debug().Err(err).Msg("Quote sampling failed")
		return
	}
	metrics := stops.ComputeMetrics(legQuotes, g.TriggerPriceType)

	upd := m.observe(g, metrics.TriggerValue)
	if !upd.Valid {
		return
	}
	m.recordEvent(ctx, models.StopEvent{
		GroupID:   g.ID,
		Kind:      models.EventObserve,
		Timestamp: m.now(),
		Price:     upd.Price,
		Watermark: upd.Watermark,
		StopPrice: upd.StopPrice,
	})

	snap := m.snapshot(g)
	if g.TimeExitEnabled && snap.TimeExitOrderID == 0 && m.timeExitDue(g, key) {
		m.placeTimeExit(ctx, g)
	}

	needsOrder := snap.StopOrderID == 0
	if !needsOrder && !upd.WatermarkUpdated {
		return
	}

	stopPrice, limitPrice, err := m.roundPrices(g, upd)
	if err != nil {
		log.Warn().Err(err).Msg("Tick size unresolved, stop not updated")
		return
	}
	m.enqueue(ctx, g, stopPrice, limitPrice)
}

// marketOpen checks trading hours for the group's instrument, logging a
// closed market once per calendar day per instrument.
func (m *Monitor) marketOpen(g *models.Group, key string) bool {
	now := m.now()
	if m.hours.IsMarketOpen(key, now) {
		return true
	}
	today := now.Format("20060102")
	m.mu.Lock()
	rt, ok := m.groups[g.ID]
	logIt := ok && rt.closedOn != today
	if logIt {
		rt.closedOn = today
	}
	m.mu.Unlock()
	if logIt {
		m.logger.Info().
			Str("group_id", g.ID).
			Str("instrument", key).
			Msg("Market closed, trailing suspended")
	}
	return false
}

// legQuotes snapshots every leg of the group.
func (m *Monitor) legQuotes(ctx context.Context, g *models.Group) ([]stops.LegQuote, error) {
	quotes := make([]stops.LegQuote, len(g.Legs))
	for i, leg := range g.Legs {
		q, err := m.broker.Snapshot(ctx, leg.Contract)
		if err != nil {
			return nil, err
		}
		quotes[i] = stops.LegQuote{Leg: leg, Quote: q}
	}
	return quotes, nil
}

// roundPrices resolves the tick ladder and rounds the theoretical stop
// prices to broker-legal values.
func (m *Monitor) roundPrices(g *models.Group, upd stops.StopUpdate) (float64, float64, error) {
	contract := m.orderContract(g)
	inc, err := m.rules.ResolveIncrement(contract, upd.StopPrice)
	if err != nil {
		return 0, 0, err
	}
	stop := market.RoundToTick(upd.StopPrice, inc)
	logging.LogPriceRounding(m.logger, g.ID, upd.StopPrice, stop, inc)

	var limit float64
	if g.StopType == models.StopLimit {
		limit = market.RoundToTick(upd.LimitPrice, inc)
	}
	return stop, limit, nil
}

// orderContract is the contract the stop order rides on: the sole leg for
// singles, a bag stub for combos so tick resolution can delegate.
func (m *Monitor) orderContract(g *models.Group) models.ContractRef {
	if len(g.Legs) == 1 {
		return g.Legs[0].Contract
	}
	return orders.ComboContract(g, orders.NaturalClosingActions(g.Legs))
}

// persist saves a stable copy of the group. Store writes contend on the
// sqlite file; transient failures are retried with backoff.
func (m *Monitor) persist(ctx context.Context, id string) error {
	if m.store == nil {
		return nil
	}
	g, ok := m.Group(id)
	if !ok {
		return errors.ErrGroupNotFound
	}
	snap := m.snapshot(g)
	return utils.Retry(ctx, utils.DefaultRetryConfig(), func() error {
		return m.store.SaveGroup(ctx, &snap)
	})
}

func (m *Monitor) recordEvent(ctx context.Context, ev models.StopEvent) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordEvent(ctx, ev); err != nil {
		m.logger.Warn().Err(err).Str("group_id", ev.GroupID).Msg("Journal write failed")
	}
}
