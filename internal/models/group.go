package models

import "time"

// Leg is one constituent contract of a group. Quantity is signed
// (positive = long). Legs are immutable once the group is created.
type Leg struct {
	Contract   ContractRef
	Quantity   float64
	Multiplier int
	FillPrice  float64
}

// IsLong reports whether the leg is a long position.
func (l Leg) IsLong() bool {
	return l.Quantity > 0
}

// GroupState is the lifecycle state of a group's stop order.
type GroupState string

const (
	GroupInactive    GroupState = "INACTIVE"
	GroupActive      GroupState = "ACTIVE"
	GroupOrderPlaced GroupState = "ORDER_PLACED"
	GroupModifying   GroupState = "MODIFYING"
	GroupTriggered   GroupState = "TRIGGERED"
	GroupFilled      GroupState = "FILLED"
	GroupCancelled   GroupState = "CANCELLED"
	// GroupUnknown marks order state pending reconnect reconciliation.
	GroupUnknown GroupState = "UNKNOWN"
)

// Terminal reports whether the state accepts no further order mutations.
func (s GroupState) Terminal() bool {
	return s == GroupTriggered || s == GroupFilled || s == GroupCancelled || s == GroupInactive
}

// Group is a logical trading unit of 1..N legs with trailing stop settings
// and runtime watermark state. Exactly one of HighWaterMark/LowWaterMark is
// meaningful, selected by IsCredit: debit groups trail a high-water mark,
// credit groups a low-water mark.
type Group struct {
	ID        string
	Name      string
	Legs      []Leg
	CreatedAt time.Time

	// Derived once from the sign of the entry cost.
	IsCredit bool

	TrailMode        TrailMode
	TrailValue       float64
	TriggerPriceType TriggerPriceType
	StopType         StopType
	LimitOffset      float64

	TimeExitEnabled bool
	TimeExitAt      string // HH:MM in the instrument's exchange zone

	// Nullable watermarks, in per-unit terms.
	HighWaterMark *float64
	LowWaterMark  *float64

	State           GroupState
	StopOrderID     int64
	TimeExitOrderID int64
	OCAGroupID      string
}

// IsActive reports whether the group is under active management: armed or
// holding a working stop order.
func (g *Group) IsActive() bool {
	switch g.State {
	case GroupActive, GroupOrderPlaced, GroupModifying:
		return true
	}
	return false
}

// Watermark returns the meaningful watermark for the group's direction,
// or nil when no valid price has been observed yet.
func (g *Group) Watermark() *float64 {
	if g.IsCredit {
		return g.LowWaterMark
	}
	return g.HighWaterMark
}

// SetWatermark stores v into the watermark slot selected by IsCredit.
func (g *Group) SetWatermark(v float64) {
	c := v
	if g.IsCredit {
		g.LowWaterMark = &c
		g.HighWaterMark = nil
	} else {
		g.HighWaterMark = &c
		g.LowWaterMark = nil
	}
}

// NumUnits returns the number of logical units in the group: the greatest
// common divisor of all leg quantities. A +6/-2 ratio spread is 2 units
// of +3/-1.
func (g *Group) NumUnits() int {
	u := 0
	for _, l := range g.Legs {
		q := int(l.Quantity)
		if q < 0 {
			q = -q
		}
		u = gcd(u, q)
	}
	if u == 0 {
		return 1
	}
	return u
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// FirstLeg returns the first leg, used for combo tick-rule delegation.
func (g *Group) FirstLeg() *Leg {
	if len(g.Legs) == 0 {
		return nil
	}
	return &g.Legs[0]
}

// Symbol returns the underlying symbol shared by the legs.
func (g *Group) Symbol() string {
	if len(g.Legs) == 0 {
		return ""
	}
	return g.Legs[0].Contract.Symbol
}
