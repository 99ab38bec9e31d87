package stops

import (
	"math"

	"tws-trailstop/internal/models"
)

// LegQuote pairs a group leg with its latest market data sample.
type LegQuote struct {
	Leg   models.Leg
	Quote models.QuoteData
}

// Metrics are the per-unit valuations for a group, the numbers the status
// surface displays and the stop engine consumes. Per-unit means the price of
// one logical unit of the spread (quantities divided by their GCD), matching
// what an option chain would show.
type Metrics struct {
	PositionType string // "LONG", "SHORT", "SPREAD", "RATIO"
	IsCredit     bool
	NumUnits     int

	// Per-unit prices, signed (short legs subtract).
	Mark         float64
	Mid          float64
	Bid          float64
	Ask          float64
	Entry        float64
	TriggerValue float64

	// Totals with quantity and multiplier applied.
	TotalCurrentValue float64
	TotalEntryCost    float64
	PnL               float64
}

// ComputeMetrics derives group metrics from leg quotes.
//
// Closing-side quoting: a long leg is sold at the bid and a short leg bought
// back at the ask, so the group bid aggregates long bids minus short asks,
// and the ask the reverse.
func ComputeMetrics(legs []LegQuote, trigger models.TriggerPriceType) Metrics {
	if len(legs) == 0 {
		return Metrics{PositionType: "EMPTY", NumUnits: 1}
	}

	m := Metrics{NumUnits: quantityGCD(legs)}
	m.PositionType = classify(legs)

	var totalCurrent, totalEntry float64
	for _, lq := range legs {
		leg := lq.Leg
		q := lq.Quote
		absQty := math.Abs(leg.Quantity)
		unitQty := absQty / float64(m.NumUnits)
		mult := float64(leg.Multiplier)

		mark := firstPositive(q.Mark, q.Mid())
		mid := firstPositive(q.Mid(), q.Mark)
		bid := firstPositive(q.Bid, mark)
		ask := firstPositive(q.Ask, mark)

		if leg.IsLong() {
			m.Mark += mark * unitQty
			m.Mid += mid * unitQty
			m.Bid += bid * unitQty
			m.Ask += ask * unitQty
			m.Entry += leg.FillPrice * unitQty
			totalCurrent += mark * absQty * mult
			totalEntry += leg.FillPrice * absQty * mult
		} else {
			m.Mark -= mark * unitQty
			m.Mid -= mid * unitQty
			m.Bid -= ask * unitQty
			m.Ask -= bid * unitQty
			m.Entry -= leg.FillPrice * unitQty
			totalCurrent -= mark * absQty * mult
			totalEntry -= leg.FillPrice * absQty * mult
		}
	}

	m.TotalCurrentValue = totalCurrent
	m.TotalEntryCost = totalEntry
	m.PnL = totalCurrent - totalEntry
	m.IsCredit = totalEntry < 0

	switch trigger {
	case models.TriggerBid:
		m.TriggerValue = m.Bid
	case models.TriggerAsk:
		m.TriggerValue = m.Ask
	case models.TriggerMid:
		m.TriggerValue = m.Mid
	default: // mark, last
		m.TriggerValue = m.Mark
	}
	return m
}

// StopPnL estimates the P&L if the stop fills at stopPrice, scaled from
// per-unit to the full position.
func (m Metrics) StopPnL(stopPrice float64) float64 {
	if stopPrice == 0 || m.Entry == 0 {
		return 0
	}
	var perUnit float64
	if m.IsCredit {
		// Profit when the close costs less than the credit received.
		perUnit = math.Abs(m.Entry) - math.Abs(stopPrice)
	} else {
		perUnit = stopPrice - m.Entry
	}
	scale := math.Abs(m.TotalEntryCost / m.Entry)
	return perUnit * scale
}

func classify(legs []LegQuote) string {
	var long, short int
	var longQty, shortQty float64
	for _, lq := range legs {
		if lq.Leg.IsLong() {
			long++
			longQty += lq.Leg.Quantity
		} else {
			short++
			shortQty += -lq.Leg.Quantity
		}
	}
	switch {
	case len(legs) == 1 && long == 1:
		return "LONG"
	case len(legs) == 1:
		return "SHORT"
	case long > 0 && short > 0 && longQty == shortQty:
		return "SPREAD"
	case long > 0 && short > 0:
		return "RATIO"
	case long > 0:
		return "LONG"
	default:
		return "SHORT"
	}
}

func quantityGCD(legs []LegQuote) int {
	u := 0
	for _, lq := range legs {
		q := int(math.Abs(lq.Leg.Quantity))
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

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
