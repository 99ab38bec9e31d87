// Package broker provides the gateway integration: connection lifecycle,
// request routing, and order operations against the trading gateway.
package broker

import (
	"context"

	"tws-trailstop/internal/market"
	"tws-trailstop/internal/models"
)

// Broker defines the operations the monitor needs from the gateway. All
// blocking calls take a context and respect its deadline.
type Broker interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect() error
	State() models.ConnectionState
	OnStateChange(handler func(from, to models.ConnectionState))

	// Market data
	Snapshot(ctx context.Context, contract models.ContractRef) (models.QuoteData, error)
	Positions(ctx context.Context) ([]models.PortfolioPosition, error)

	// Reference data
	FetchMarketRule(contract models.ContractRef) (market.PriceIncrementTable, error)
	FetchTradingHours(ctx context.Context, contract models.ContractRef) (market.HoursEntry, error)

	// Orders
	PlaceOrder(ctx context.Context, intent models.OrderIntent) (int64, error)
	ModifyOrder(ctx context.Context, orderID int64, intent models.OrderIntent) error
	CancelOrder(ctx context.Context, orderID int64) error
	CancelOCAGroup(ctx context.Context, ocaGroupID string) error
	OpenOrders(ctx context.Context) ([]models.OpenOrder, error)
	OnOrderStatus(handler func(orderID int64, status models.OrderStatus, fillPrice float64))
}
