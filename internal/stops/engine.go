// Package stops implements the trailing stop state machine: watermark
// tracking, stop price computation and trigger evaluation.
package stops

import (
	"math"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/logging"
	"tws-trailstop/internal/models"
)

// StopUpdate is the result of observing one price sample for a group.
type StopUpdate struct {
	GroupID          string
	Price            float64
	Watermark        float64
	WatermarkUpdated bool
	StopPrice        float64
	LimitPrice       float64 // only for stop-limit groups
	Valid            bool
}

// Engine maintains watermarks and computes theoretical (unrounded) stop
// prices. It owns no goroutines; callers drive it with price samples.
//
// Sign conventions: prices are signed, negative encoding credit. Debit
// groups trail the highest price seen. Credit groups trail the price whose
// magnitude is smallest: the cost to close shrinking is the profitable
// direction, whether the group's quotes come in positive (single short) or
// negative (credit spread) denomination. Comparisons on the credit side are
// therefore on magnitude, with the observed sign preserved throughout.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine creates a stop engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger}
}

// validPrice rejects NaN, infinity and zero.
func validPrice(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p != 0
}

// Observe feeds one price sample for a group: updates the watermark when the
// sample is a new best, and returns the current stop price. An invalid
// sample (NaN, infinity, zero) is a no-op that leaves the watermark
// untouched; no error escapes tick processing.
func (e *Engine) Observe(g *models.Group, price float64) StopUpdate {
	update := StopUpdate{GroupID: g.ID, Price: price}

	if !validPrice(price) {
		e.logger.Debug().
			Str("group_id", g.ID).
			Float64("price", price).
			Msg("Rejected invalid price sample")
		if wm := g.Watermark(); wm != nil {
			update.Watermark = *wm
			update.StopPrice, update.LimitPrice = e.stopPrices(g, *wm)
		}
		return update
	}
	update.Valid = true

	wm := g.Watermark()
	if wm == nil || isNewBest(g.IsCredit, price, *wm) {
		g.SetWatermark(price)
		update.WatermarkUpdated = true
	}
	current := *g.Watermark()
	update.Watermark = current
	update.StopPrice, update.LimitPrice = e.stopPrices(g, current)
	if update.WatermarkUpdated {
		logging.LogStopUpdate(e.logger, g.ID, current, update.StopPrice, g.IsCredit)
	}
	return update
}

// isNewBest reports whether price improves on the watermark. The watermark
// is monotonic in the profitable direction and never regresses.
func isNewBest(credit bool, price, watermark float64) bool {
	if credit {
		return math.Abs(price) < math.Abs(watermark)
	}
	return price > watermark
}

// StopPrice returns the theoretical stop for the group's current watermark,
// or false when no valid price has been observed yet.
func (e *Engine) StopPrice(g *models.Group) (float64, bool) {
	wm := g.Watermark()
	if wm == nil {
		return 0, false
	}
	stop, _ := e.stopPrices(g, *wm)
	return stop, true
}

// stopPrices computes the stop and, for stop-limit groups, the limit price
// from a watermark.
//
// Debit: the stop sits below the high-water mark by the trail amount.
// Credit: the stop magnitude sits above the low-water magnitude by the
// trail amount, sign preserved, so the order triggers when the cost to
// close has expanded past the trail.
func (e *Engine) stopPrices(g *models.Group, watermark float64) (stop, limit float64) {
	mag := math.Abs(watermark)
	sign := 1.0
	if watermark < 0 {
		sign = -1.0
	}

	if g.IsCredit {
		switch g.TrailMode {
		case models.TrailAbsolute:
			stop = sign * (mag + g.TrailValue)
		default: // percent
			stop = sign * mag * (1 + g.TrailValue/100)
		}
	} else {
		switch g.TrailMode {
		case models.TrailAbsolute:
			stop = watermark - g.TrailValue
		default: // percent
			stop = watermark * (1 - g.TrailValue/100)
		}
	}

	if g.StopType == models.StopLimit {
		// The offset makes the limit marginally more permissive on the
		// order's directional side: credit closes are buys and may pay
		// more, debit closes are sells and may accept less.
		if g.IsCredit {
			limit = sign * (math.Abs(stop) + g.LimitOffset)
		} else {
			limit = stop - g.LimitOffset
		}
	}
	return stop, limit
}

// ShouldTrigger reports whether the current price satisfies the stop.
// Trigger evaluation is suppressed entirely while the market is closed:
// a closed or unknown session never fires a stop.
func (e *Engine) ShouldTrigger(g *models.Group, price float64, marketOpen bool) bool {
	if !marketOpen || !validPrice(price) {
		return false
	}
	stop, ok := e.StopPrice(g)
	if !ok {
		return false
	}
	if g.IsCredit {
		return math.Abs(price) >= math.Abs(stop)
	}
	return price <= stop
}
