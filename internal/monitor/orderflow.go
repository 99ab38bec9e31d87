package monitor

import (
	"context"
	"time"

	"tws-trailstop/internal/errors"
	"tws-trailstop/internal/models"
	"tws-trailstop/internal/orders"
)

// enqueue hands a stop price update to the group's order pipeline. At most
// one broker operation per group is in flight; newer updates overwrite any
// queued one, so a slow gateway only ever sees the latest price.
func (m *Monitor) enqueue(ctx context.Context, g *models.Group, stopPrice, limitPrice float64) {
	m.mu.Lock()
	rt, ok := m.groups[g.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if rt.busy {
		rt.pending = &pendingMod{stopPrice: stopPrice, limitPrice: limitPrice}
		m.mu.Unlock()
		return
	}
	rt.busy = true
	m.mu.Unlock()

	go m.applyLoop(ctx, g, pendingMod{stopPrice: stopPrice, limitPrice: limitPrice})
}

// applyLoop applies one modification, then drains whatever coalesced
// behind it before releasing the group.
func (m *Monitor) applyLoop(ctx context.Context, g *models.Group, mod pendingMod) {
	for {
		m.apply(ctx, g, mod)

		m.mu.Lock()
		rt, ok := m.groups[g.ID]
		if !ok {
			m.mu.Unlock()
			return
		}
		if rt.pending == nil {
			rt.busy = false
			m.mu.Unlock()
			return
		}
		mod = *rt.pending
		rt.pending = nil
		m.mu.Unlock()
	}
}

// advance runs a lifecycle transition with the monitor lock held; broker
// round trips never happen under the lock.
func (m *Monitor) advance(g *models.Group, to models.GroupState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return orders.Advance(g, to, m.logger)
}

// apply places or modifies the group's stop order at the broker.
func (m *Monitor) apply(ctx context.Context, g *models.Group, mod pendingMod) {
	intent := m.builder.BuildStopOrder(g, mod.stopPrice, mod.limitPrice)

	m.mu.Lock()
	stopOrderID := g.StopOrderID
	m.mu.Unlock()

	if stopOrderID == 0 {
		if err := m.advance(g, models.GroupOrderPlaced); err != nil {
			m.logger.Warn().Err(err).Str("group_id", g.ID).Msg("Cannot place stop")
			return
		}
		orderID, err := m.broker.PlaceOrder(ctx, intent)
		if err != nil {
			m.logger.Error().Err(err).Str("group_id", g.ID).Msg("Stop placement failed")
			if advErr := m.advance(g, models.GroupActive); advErr != nil {
				m.logger.Warn().Err(advErr).Str("group_id", g.ID).Msg("Placement rollback failed")
			}
			return
		}
		m.mu.Lock()
		g.StopOrderID = orderID
		m.mu.Unlock()
		m.persistAndJournal(ctx, g, models.EventPlace, mod, orderID)
		return
	}

	if err := m.advance(g, models.GroupModifying); err != nil {
		m.logger.Warn().Err(err).Str("group_id", g.ID).Msg("Cannot modify stop")
		return
	}
	err := m.broker.ModifyOrder(ctx, stopOrderID, intent)
	// The resting order keeps working at its previous price either way.
	if advErr := m.advance(g, models.GroupOrderPlaced); advErr != nil {
		m.logger.Warn().Err(advErr).Str("group_id", g.ID).Msg("State restore failed")
	}
	if err != nil {
		m.logger.Error().
			Err(err).
			Str("group_id", g.ID).
			Int64("order_id", stopOrderID).
			Msg("Stop modification failed")
		return
	}
	m.persistAndJournal(ctx, g, models.EventModify, mod, stopOrderID)
}

func (m *Monitor) persistAndJournal(ctx context.Context, g *models.Group, kind models.EventKind, mod pendingMod, orderID int64) {
	if err := m.persist(ctx, g.ID); err != nil {
		m.logger.Warn().Err(err).Str("group_id", g.ID).Msg("Group persistence failed")
	}
	wm := 0.0
	snap := m.snapshot(g)
	if p := snap.Watermark(); p != nil {
		wm = *p
	}
	m.recordEvent(ctx, models.StopEvent{
		GroupID:   g.ID,
		Kind:      kind,
		Timestamp: m.now(),
		Watermark: wm,
		StopPrice: mod.stopPrice,
		OrderID:   orderID,
	})
}

// handleOrderStatus reacts to broker order status events for tracked
// stop and time exit orders.
func (m *Monitor) handleOrderStatus(orderID int64, status models.OrderStatus, fillPrice float64) {
	m.mu.Lock()
	var g *models.Group
	var snap models.Group
	for _, rt := range m.groups {
		if rt.group.StopOrderID == orderID || rt.group.TimeExitOrderID == orderID {
			g = rt.group
			snap = *rt.group
			break
		}
	}
	m.mu.Unlock()
	if g == nil {
		return
	}

	next := orders.StateFromOrderStatus(snap.State, status)
	if next == snap.State {
		return
	}
	if err := m.advance(g, next); err != nil {
		m.logger.Warn().
			Err(err).
			Str("group_id", g.ID).
			Str("status", string(status)).
			Msg("Unexpected order status")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if next == models.GroupFilled {
		m.cancelCounterpart(ctx, &snap, orderID)
	}
	kind := eventKindForState(next)
	if err := m.persist(ctx, g.ID); err != nil {
		m.logger.Warn().Err(err).Str("group_id", g.ID).Msg("Group persistence failed")
	}
	m.recordEvent(ctx, models.StopEvent{
		GroupID:   g.ID,
		Kind:      kind,
		Timestamp: m.now(),
		Price:     fillPrice,
		OrderID:   orderID,
	})
}

// eventKindForState labels the journal record for a status-driven
// transition.
func eventKindForState(next models.GroupState) models.EventKind {
	switch next {
	case models.GroupFilled:
		return models.EventFill
	case models.GroupTriggered:
		return models.EventTrigger
	case models.GroupCancelled:
		return models.EventCancel
	case models.GroupUnknown:
		return models.EventReconcile
	default:
		return models.EventPlace
	}
}

// cancelCounterpart cancels the surviving exit order after a fill. Single-leg
// groups rely on OCA for this; combo time exits are placed ungrouped, so the
// counterpart must be cancelled here.
func (m *Monitor) cancelCounterpart(ctx context.Context, g *models.Group, filledID int64) {
	if len(g.Legs) == 1 {
		return
	}
	other := g.StopOrderID
	if filledID == g.StopOrderID {
		other = g.TimeExitOrderID
	}
	if other == 0 || other == filledID {
		return
	}
	if err := m.broker.CancelOrder(ctx, other); err != nil {
		if errors.Is(err, errors.ErrOrderTerminal) {
			return
		}
		m.logger.Warn().
			Err(err).
			Str("group_id", g.ID).
			Int64("order_id", other).
			Msg("Counterpart cancel failed")
	}
}

// Reconcile re-synchronizes group state against the broker's working
// orders after a reconnect. A group whose stop is no longer working moves
// to UNKNOWN for the operator to resolve.
func (m *Monitor) Reconcile(open []models.OpenOrder) {
	working := make(map[int64]models.OpenOrder, len(open))
	for _, o := range open {
		working[o.OrderID] = o
	}

	for _, g := range m.Groups() {
		snap := m.snapshot(g)
		if snap.StopOrderID == 0 || snap.State.Terminal() {
			continue
		}
		if _, ok := working[snap.StopOrderID]; ok {
			if err := m.advance(g, models.GroupOrderPlaced); err != nil {
				m.logger.Warn().Err(err).Str("group_id", g.ID).Msg("Reconcile transition failed")
			}
			continue
		}
		m.logger.Warn().
			Str("group_id", g.ID).
			Int64("order_id", snap.StopOrderID).
			Msg("Stop order missing at broker after reconnect")
		if err := m.advance(g, models.GroupUnknown); err != nil {
			m.logger.Warn().Err(err).Str("group_id", g.ID).Msg("Reconcile transition failed")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m.recordEvent(ctx, models.StopEvent{
			GroupID:   g.ID,
			Kind:      models.EventReconcile,
			Timestamp: m.now(),
			OrderID:   snap.StopOrderID,
			Note:      "stop order missing after reconnect",
		})
		cancel()
	}
}

// housekeep runs the sub-second maintenance pass: hours cache rollover and
// background refresh of flagged entries.
func (m *Monitor) housekeep(ctx context.Context) {
	m.hours.RolloverIfNeeded(m.now())

	if m.broker.State() != models.StateConnected {
		return
	}
	for _, key := range m.hours.RefreshNeeded() {
		contract, ok := m.contractForHoursKey(key)
		if !ok {
			continue
		}
		entry, err := m.broker.FetchTradingHours(ctx, contract)
		if err != nil {
			m.logger.Debug().Err(err).Str("key", key).Msg("Hours refresh failed")
			continue
		}
		m.hours.Put(key, entry)
	}
}

func (m *Monitor) contractForHoursKey(key string) (models.ContractRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.groups {
		for _, leg := range rt.group.Legs {
			if leg.Contract.HoursKey() == key {
				return leg.Contract, true
			}
		}
	}
	return models.ContractRef{}, false
}

// timeExitDue reports whether the group's wall-clock exit time has passed
// today, evaluated in the instrument's exchange zone.
func (m *Monitor) timeExitDue(g *models.Group, hoursKey string) bool {
	if g.TimeExitAt == "" {
		return false
	}
	entry, ok := m.hours.Entry(hoursKey)
	if !ok || entry.TimeZoneID == "" {
		return false // no zone, no exit: fail closed
	}
	loc, err := time.LoadLocation(entry.TimeZoneID)
	if err != nil {
		return false
	}
	now := m.now().In(loc)
	due, err := time.ParseInLocation("2006-01-02 15:04", now.Format("2006-01-02 ")+g.TimeExitAt, loc)
	if err != nil {
		m.logger.Warn().
			Str("group_id", g.ID).
			Str("time_exit", g.TimeExitAt).
			Msg("Unparseable time exit")
		return false
	}
	return !now.Before(due)
}

// placeTimeExit submits the market order that flattens the group at its
// configured time.
func (m *Monitor) placeTimeExit(ctx context.Context, g *models.Group) {
	intent := m.builder.BuildTimeExitOrder(g)
	orderID, err := m.broker.PlaceOrder(ctx, intent)
	if err != nil {
		m.logger.Error().Err(err).Str("group_id", g.ID).Msg("Time exit placement failed")
		return
	}
	m.mu.Lock()
	g.TimeExitOrderID = orderID
	m.mu.Unlock()
	m.logger.Info().
		Str("group_id", g.ID).
		Int64("order_id", orderID).
		Str("at", g.TimeExitAt).
		Msg("Time exit placed")
	m.recordEvent(ctx, models.StopEvent{
		GroupID:   g.ID,
		Kind:      models.EventTimeExit,
		Timestamp: m.now(),
		OrderID:   orderID,
	})
	if err := m.persist(ctx, g.ID); err != nil {
		m.logger.Warn().Err(err).Str("group_id", g.ID).Msg("Group persistence failed")
	}
}
