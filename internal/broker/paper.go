package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/errors"
	"tws-trailstop/internal/market"
	"tws-trailstop/internal/models"
)

// paperOrder is one simulated working order.
type paperOrder struct {
	ID     int64
	Intent models.OrderIntent
	Status models.OrderStatus
}

// PaperBroker simulates the gateway in memory. It backs the paper trading
// mode and the monitor tests: quotes, rules, and hours are seeded by the
// caller, orders are tracked but never routed anywhere.
type PaperBroker struct {
	mu        sync.RWMutex
	state     models.ConnectionState
	quotes    map[int64]models.QuoteData
	rules     map[int64]market.PriceIncrementTable
	hours     map[string]market.HoursEntry
	positions []models.PortfolioPosition
	orders    map[int64]*paperOrder
	nextOrder int64

	stateHandlers  []func(from, to models.ConnectionState)
	statusHandlers []func(orderID int64, status models.OrderStatus, fillPrice float64)

	logger zerolog.Logger
}

// NewPaperBroker creates an empty paper broker.
func NewPaperBroker(logger zerolog.Logger) *PaperBroker {
	return &PaperBroker{
		state:  models.StateDisconnected,
		quotes: make(map[int64]models.QuoteData),
		rules:  make(map[int64]market.PriceIncrementTable),
		hours:  make(map[string]market.HoursEntry),
		orders: make(map[int64]*paperOrder),
		logger: logger.With().Str("component", "paper").Logger(),
	}
}

// Connect flips the simulated session to connected.
func (p *PaperBroker) Connect(ctx context.Context) error {
	p.mu.Lock()
	from := p.state
	p.state = models.StateConnected
	handlers := p.stateHandlers
	p.mu.Unlock()
	for _, h := range handlers {
		h(from, models.StateConnected)
	}
	return nil
}

// Disconnect flips the simulated session to disconnected.
func (p *PaperBroker) Disconnect() error {
	p.mu.Lock()
	from := p.state
	p.state = models.StateDisconnected
	handlers := p.stateHandlers
	p.mu.Unlock()
	for _, h := range handlers {
		h(from, models.StateDisconnected)
	}
	return nil
}

// State returns the simulated connection state.
func (p *PaperBroker) State() models.ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// OnStateChange registers a state transition handler.
func (p *PaperBroker) OnStateChange(handler func(from, to models.ConnectionState)) {
	p.mu.Lock()
	p.stateHandlers = append(p.stateHandlers, handler)
	p.mu.Unlock()
}

// OnOrderStatus registers an order status handler.
func (p *PaperBroker) OnOrderStatus(handler func(orderID int64, status models.OrderStatus, fillPrice float64)) {
	p.mu.Lock()
	p.statusHandlers = append(p.statusHandlers, handler)
	p.mu.Unlock()
}

// SetQuote seeds the quote for a contract.
func (p *PaperBroker) SetQuote(conID int64, q models.QuoteData) {
	p.mu.Lock()
	q.ConID = conID
	if q.Timestamp.IsZero() {
		q.Timestamp = time.Now()
	}
	p.quotes[conID] = q
	p.mu.Unlock()
}

// SetRule seeds the price increment table for a contract.
func (p *PaperBroker) SetRule(conID int64, table market.PriceIncrementTable) {
	p.mu.Lock()
	p.rules[conID] = table
	p.mu.Unlock()
}

// SetHours seeds the trading hours for an instrument key.
func (p *PaperBroker) SetHours(key string, entry market.HoursEntry) {
	p.mu.Lock()
	p.hours[key] = entry
	p.mu.Unlock()
}

// SetPositions seeds the simulated portfolio.
func (p *PaperBroker) SetPositions(positions []models.PortfolioPosition) {
	p.mu.Lock()
	p.positions = positions
	p.mu.Unlock()
}

// Snapshot returns the seeded quote for a contract.
func (p *PaperBroker) Snapshot(ctx context.Context, contract models.ContractRef) (models.QuoteData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != models.StateConnected {
		return models.QuoteData{}, errors.ErrNotConnected
	}
	q, ok := p.quotes[contract.ConID]
	if !ok {
		return models.QuoteData{}, errors.Wrapf(errors.ErrInvalidPrice, "no quote for conId %d", contract.ConID)
	}
	return q, nil
}

// Positions returns the seeded portfolio.
func (p *PaperBroker) Positions(ctx context.Context) ([]models.PortfolioPosition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != models.StateConnected {
		return nil, errors.ErrNotConnected
	}
	return append([]models.PortfolioPosition(nil), p.positions...), nil
}

// FetchMarketRule returns the seeded increment table for a contract.
func (p *PaperBroker) FetchMarketRule(contract models.ContractRef) (market.PriceIncrementTable, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	table, ok := p.rules[contract.ConID]
	if !ok {
		return nil, &errors.RuleError{
			ConID:    contract.ConID,
			Symbol:   contract.Symbol,
			Exchange: contract.Exchange,
			Reason:   "no seeded rule",
		}
	}
	return table, nil
}

// FetchTradingHours returns the seeded hours for a contract.
func (p *PaperBroker) FetchTradingHours(ctx context.Context, contract models.ContractRef) (market.HoursEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.hours[contract.HoursKey()]
	if !ok {
		return market.HoursEntry{}, errors.Wrapf(errors.ErrMarketClosed, "no seeded hours for %s", contract.HoursKey())
	}
	return entry, nil
}

// PlaceOrder records a simulated order and reports it submitted.
func (p *PaperBroker) PlaceOrder(ctx context.Context, intent models.OrderIntent) (int64, error) {
	p.mu.Lock()
	if p.state != models.StateConnected {
		p.mu.Unlock()
		return 0, errors.ErrNotConnected
	}
	p.nextOrder++
	id := p.nextOrder
	p.orders[id] = &paperOrder{ID: id, Intent: intent, Status: models.OrderStatusSubmitted}
	p.mu.Unlock()

	p.logger.Info().
		Str("group_id", intent.GroupID).
		Int64("order_id", id).
		Float64("aux_price", intent.AuxPrice).
		Msg("Paper order placed")
	p.notify(id, models.OrderStatusSubmitted, 0)
	return id, nil
}

// ModifyOrder updates a simulated working order in place.
func (p *PaperBroker) ModifyOrder(ctx context.Context, orderID int64, intent models.OrderIntent) error {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return &errors.OrderError{OrderID: orderID, Action: "modify", Reason: "unknown order"}
	}
	if order.Status.Terminal() {
		p.mu.Unlock()
		return errors.Wrapf(errors.ErrOrderTerminal, "order %d is %s", orderID, order.Status)
	}
	order.Intent = intent
	p.mu.Unlock()

	p.notify(orderID, models.OrderStatusSubmitted, 0)
	return nil
}

// CancelOrder cancels a simulated working order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID int64) error {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return &errors.OrderError{OrderID: orderID, Action: "cancel", Reason: "unknown order"}
	}
	if order.Status.Terminal() {
		p.mu.Unlock()
		return errors.Wrapf(errors.ErrOrderTerminal, "order %d is %s", orderID, order.Status)
	}
	order.Status = models.OrderStatusCancelled
	p.mu.Unlock()

	p.notify(orderID, models.OrderStatusCancelled, 0)
	return nil
}

// CancelOCAGroup cancels every simulated working order in an OCA set.
func (p *PaperBroker) CancelOCAGroup(ctx context.Context, ocaGroupID string) error {
	if ocaGroupID == "" {
		return nil
	}
	p.mu.Lock()
	if p.state != models.StateConnected {
		p.mu.Unlock()
		return errors.ErrNotConnected
	}
	var cancelled []int64
	for id, order := range p.orders {
		if order.Intent.OCAGroupID != ocaGroupID || order.Status.Terminal() {
			continue
		}
		order.Status = models.OrderStatusCancelled
		cancelled = append(cancelled, id)
	}
	p.mu.Unlock()

	for _, id := range cancelled {
		p.notify(id, models.OrderStatusCancelled, 0)
	}
	return nil
}

// OpenOrders returns the simulated working orders.
func (p *PaperBroker) OpenOrders(ctx context.Context) ([]models.OpenOrder, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != models.StateConnected {
		return nil, errors.ErrNotConnected
	}
	var open []models.OpenOrder
	for _, order := range p.orders {
		if order.Status.Terminal() {
			continue
		}
		open = append(open, models.OpenOrder{
			OrderID:    order.ID,
			ConID:      order.Intent.Contract.ConID,
			Side:       order.Intent.Side,
			Type:       order.Intent.Type,
			Quantity:   order.Intent.Quantity,
			AuxPrice:   order.Intent.AuxPrice,
			OCAGroupID: order.Intent.OCAGroupID,
			Status:     order.Status,
		})
	}
	return open, nil
}

// Order returns a simulated order by ID for inspection.
func (p *PaperBroker) Order(orderID int64) (models.OrderIntent, models.OrderStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[orderID]
	if !ok {
		return models.OrderIntent{}, "", false
	}
	return order.Intent, order.Status, true
}

// Fill marks a simulated order filled at the given price and notifies
// status handlers, as the gateway would on execution. Sibling orders in the
// same OCA set are cancelled, matching venue OCA semantics.
func (p *PaperBroker) Fill(orderID int64, fillPrice float64) error {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return &errors.OrderError{OrderID: orderID, Action: "fill", Reason: "unknown order"}
	}
	if order.Status.Terminal() {
		p.mu.Unlock()
		return errors.Wrapf(errors.ErrOrderTerminal, "order %d is %s", orderID, order.Status)
	}
	order.Status = models.OrderStatusFilled
	var cancelled []int64
	if oca := order.Intent.OCAGroupID; oca != "" {
		for id, sibling := range p.orders {
			if id == orderID || sibling.Intent.OCAGroupID != oca || sibling.Status.Terminal() {
				continue
			}
			sibling.Status = models.OrderStatusCancelled
			cancelled = append(cancelled, id)
		}
	}
	p.mu.Unlock()

	p.notify(orderID, models.OrderStatusFilled, fillPrice)
	for _, id := range cancelled {
		p.notify(id, models.OrderStatusCancelled, 0)
	}
	return nil
}

func (p *PaperBroker) notify(orderID int64, status models.OrderStatus, fillPrice float64) {
	p.mu.RLock()
	handlers := p.statusHandlers
	p.mu.RUnlock()
	for _, h := range handlers {
		h(orderID, status, fillPrice)
	}
}
