package models

// LegAction pairs a combo leg with the action it will be submitted with.
type LegAction struct {
	ConID  int64
	Ratio  int
	Action OrderSide
}

// OrderIntent is the payload for one stop order placement or modification.
// It is ephemeral: rebuilt from group + engine state on every tick, never
// persisted. Prices are signed; negative encodes credit (cost paid),
// positive encodes debit (proceeds received).
type OrderIntent struct {
	GroupID    string
	Contract   ContractRef
	Side       OrderSide
	Type       OrderType
	Quantity   int
	AuxPrice   float64 // stop trigger price, signed
	LimitPrice float64 // only for stop-limit, signed
	LegActions []LegAction
	OCAGroupID string
	Transmit   bool
}

// OrderStatus is the venue-reported status of a working order.
type OrderStatus string

const (
	OrderStatusSubmitted    OrderStatus = "Submitted"
	OrderStatusPreSubmitted OrderStatus = "PreSubmitted"
	OrderStatusFilled       OrderStatus = "Filled"
	OrderStatusCancelled    OrderStatus = "Cancelled"
	OrderStatusInactive     OrderStatus = "Inactive"
)

// Terminal reports whether the order can no longer be modified.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusInactive
}

// OpenOrder is one working order as reported by the venue, used for
// post-reconnect reconciliation.
type OpenOrder struct {
	OrderID    int64
	ConID      int64
	Side       OrderSide
	Type       OrderType
	Quantity   int
	AuxPrice   float64
	LimitPrice float64
	Status     OrderStatus
	OCAGroupID string
}
