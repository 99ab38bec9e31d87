package stops

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/models"
)

func debitGroup(trail models.TrailMode, value float64) *models.Group {
	return &models.Group{
		ID:               "g-debit",
		IsCredit:         false,
		TrailMode:        trail,
		TrailValue:       value,
		TriggerPriceType: models.TriggerMark,
		StopType:         models.StopMarket,
	}
}

func creditGroup(trail models.TrailMode, value float64) *models.Group {
	g := debitGroup(trail, value)
	g.ID = "g-credit"
	g.IsCredit = true
	return g
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestObserveDebitWatermarkAndStop(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	g := debitGroup(models.TrailPercent, 15)

	u := e.Observe(g, 5.00)
	if !u.Valid || !u.WatermarkUpdated {
		t.Fatal("first valid price must set the watermark")
	}
	if !approx(u.Watermark, 5.00) || !approx(u.StopPrice, 4.25) {
		t.Errorf("hwm=%v stop=%v, want 5.00/4.25", u.Watermark, u.StopPrice)
	}

	// Lower price: watermark holds.
	u = e.Observe(g, 4.80)
	if u.WatermarkUpdated || !approx(u.Watermark, 5.00) {
		t.Errorf("watermark regressed to %v", u.Watermark)
	}

	// New high moves the stop up.
	u = e.Observe(g, 6.00)
	if !u.WatermarkUpdated || !approx(u.Watermark, 6.00) || !approx(u.StopPrice, 5.10) {
		t.Errorf("hwm=%v stop=%v, want 6.00/5.10", u.Watermark, u.StopPrice)
	}

	// 5.05 <= 5.10 satisfies the trigger test.
	if !e.ShouldTrigger(g, 5.05, true) {
		t.Error("5.05 should trigger against stop 5.10")
	}
	if e.ShouldTrigger(g, 5.20, true) {
		t.Error("5.20 should not trigger against stop 5.10")
	}
}

func TestObserveDebitAbsoluteTrail(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	g := debitGroup(models.TrailAbsolute, 0.75)

	u := e.Observe(g, 5.00)
	if !approx(u.StopPrice, 4.25) {
		t.Errorf("stop=%v, want 4.25", u.StopPrice)
	}
}

func TestObserveCreditPositiveDenomination(t *testing.T) {
	// Single short option: premium quoted positive, decays with profit.
	e := NewEngine(zerolog.Nop())
	g := creditGroup(models.TrailPercent, 15)

	u := e.Observe(g, 10.00)
	if !approx(u.Watermark, 10.00) || !approx(u.StopPrice, 11.50) {
		t.Errorf("lwm=%v stop=%v, want 10.00/11.50", u.Watermark, u.StopPrice)
	}

	// Decay improves the watermark and tightens the stop.
	u = e.Observe(g, 8.00)
	if !u.WatermarkUpdated || !approx(u.Watermark, 8.00) || !approx(u.StopPrice, 9.20) {
		t.Errorf("lwm=%v stop=%v, want 8.00/9.20", u.Watermark, u.StopPrice)
	}

	// Premium expanding back up does not move the watermark.
	u = e.Observe(g, 9.00)
	if u.WatermarkUpdated || !approx(u.Watermark, 8.00) {
		t.Errorf("watermark regressed to %v", u.Watermark)
	}

	if !e.ShouldTrigger(g, 9.30, true) {
		t.Error("9.30 should trigger against stop 9.20")
	}
	if e.ShouldTrigger(g, 9.10, true) {
		t.Error("9.10 should not trigger against stop 9.20")
	}
}

func TestObserveCreditNegativeDenomination(t *testing.T) {
	// Credit spread: value quoted negative, cost to close is the magnitude.
	e := NewEngine(zerolog.Nop())
	g := creditGroup(models.TrailPercent, 15)

	u := e.Observe(g, -4.30)
	if !approx(u.Watermark, -4.30) || !approx(u.StopPrice, -4.945) {
		t.Errorf("lwm=%v stop=%v, want -4.30/-4.945", u.Watermark, u.StopPrice)
	}

	// Cost to close shrinking is the profitable direction.
	u = e.Observe(g, -3.30)
	if !u.WatermarkUpdated || !approx(u.Watermark, -3.30) || !approx(u.StopPrice, -3.795) {
		t.Errorf("lwm=%v stop=%v, want -3.30/-3.795", u.Watermark, u.StopPrice)
	}

	// Cost expanding does not regress the watermark.
	u = e.Observe(g, -3.60)
	if u.WatermarkUpdated || !approx(u.Watermark, -3.30) {
		t.Errorf("watermark regressed to %v", u.Watermark)
	}

	// Trigger when the cost to close expands past the stop magnitude.
	if !e.ShouldTrigger(g, -3.80, true) {
		t.Error("-3.80 should trigger against stop -3.795")
	}
	if e.ShouldTrigger(g, -3.70, true) {
		t.Error("-3.70 should not trigger against stop -3.795")
	}
}

func TestObserveCreditAbsoluteTrail(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	g := creditGroup(models.TrailAbsolute, 1.00)

	u := e.Observe(g, -4.30)
	if !approx(u.StopPrice, -5.30) {
		t.Errorf("stop=%v, want -5.30", u.StopPrice)
	}

	g2 := creditGroup(models.TrailAbsolute, 1.00)
	u = e.Observe(g2, 3.30)
	if !approx(u.StopPrice, 4.30) {
		t.Errorf("stop=%v, want 4.30", u.StopPrice)
	}
}

func TestObserveInvalidPriceIsNoOp(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	g := debitGroup(models.TrailPercent, 10)
	e.Observe(g, 5.00)

	for _, p := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0} {
		u := e.Observe(g, p)
		if u.Valid || u.WatermarkUpdated {
			t.Errorf("price %v must be rejected", p)
		}
		if !approx(*g.HighWaterMark, 5.00) {
			t.Errorf("watermark mutated by invalid price %v", p)
		}
	}
}

func TestObserveInvalidFirstPriceLeavesWatermarkUnset(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	g := debitGroup(models.TrailPercent, 10)

	u := e.Observe(g, math.NaN())
	if u.Valid || g.Watermark() != nil {
		t.Error("invalid first price must not create a watermark")
	}
	if _, ok := e.StopPrice(g); ok {
		t.Error("no stop price without a watermark")
	}
}

func TestShouldTriggerSuppressedWhenMarketClosed(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	g := debitGroup(models.TrailPercent, 15)
	e.Observe(g, 6.00) // stop at 5.10

	if e.ShouldTrigger(g, 5.05, false) {
		t.Error("closed market must suppress the trigger regardless of price")
	}
	if e.ShouldTrigger(g, 0.01, false) {
		t.Error("closed market must suppress even deep breaches")
	}
}

func TestStopLimitOffsets(t *testing.T) {
	e := NewEngine(zerolog.Nop())

	// Debit close is a sell: limit sits below the stop.
	g := debitGroup(models.TrailPercent, 15)
	g.StopType = models.StopLimit
	g.LimitOffset = 0.10
	u := e.Observe(g, 5.00)
	if !approx(u.StopPrice, 4.25) || !approx(u.LimitPrice, 4.15) {
		t.Errorf("stop=%v limit=%v, want 4.25/4.15", u.StopPrice, u.LimitPrice)
	}

	// Credit close is a buy: limit magnitude sits above the stop magnitude.
	c := creditGroup(models.TrailPercent, 15)
	c.StopType = models.StopLimit
	c.LimitOffset = 0.10
	u = e.Observe(c, -4.00)
	if !approx(u.StopPrice, -4.60) || !approx(u.LimitPrice, -4.70) {
		t.Errorf("stop=%v limit=%v, want -4.60/-4.70", u.StopPrice, u.LimitPrice)
	}
}
