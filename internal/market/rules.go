// Package market provides the market rule and trading hours caches that back
// tick-size resolution and stop-trigger gating.
package market

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/errors"
	"tws-trailstop/internal/logging"
	"tws-trailstop/internal/models"
)

// PriceIncrement is one row of a price-dependent tick ladder: the increment
// applies to prices at or above LowEdge.
type PriceIncrement struct {
	LowEdge   float64
	Increment float64
}

// PriceIncrementTable is an instrument's tick-size ladder, sorted ascending
// by LowEdge. Effectively immutable for the session.
type PriceIncrementTable []PriceIncrement

// NewPriceIncrementTable returns a table sorted ascending by LowEdge.
func NewPriceIncrementTable(rows []PriceIncrement) PriceIncrementTable {
	t := make(PriceIncrementTable, len(rows))
	copy(t, rows)
	sort.Slice(t, func(i, j int) bool { return t[i].LowEdge < t[j].LowEdge })
	return t
}

// FallbackTable returns a single-row table applying minTick at all prices.
func FallbackTable(minTick float64) PriceIncrementTable {
	return PriceIncrementTable{{LowEdge: 0, Increment: minTick}}
}

// IncrementFor returns the increment applying to price: that of the greatest
// LowEdge at or below |price|. Increments are defined on the non-negative
// price axis, so the magnitude selects the bracket (credit prices are
// negative but tick the same as their debit mirror).
func (t PriceIncrementTable) IncrementFor(price float64) (float64, error) {
	if len(t) == 0 {
		return 0, errors.ErrRuleNotCached
	}
	abs := math.Abs(price)
	inc := t[0].Increment
	for _, row := range t {
		if row.LowEdge <= abs {
			inc = row.Increment
		} else {
			break
		}
	}
	if inc <= 0 {
		return 0, fmt.Errorf("non-positive increment %v in table", inc)
	}
	return inc, nil
}

// RoundToTick rounds price to the nearest multiple of increment. Sign is
// preserved; the magnitude is rounded. The computation goes through an
// integer tick count so repeated rounding cannot drift: the result is always
// an exact multiple of the increment at micro-price resolution.
func RoundToTick(price, increment float64) float64 {
	if increment <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return price
	}
	sign := 1.0
	if price < 0 {
		sign = -1.0
	}
	// Work in integer micro-price units to avoid float accumulation.
	inc := int64(math.Round(increment * 1e6))
	if inc <= 0 {
		return price
	}
	p := int64(math.Round(math.Abs(price) * 1e6))
	ticks := (p + inc/2) / inc
	return sign * float64(ticks*inc) / 1e6
}

// ruleKey keys the cache by contract and exchange: the same conId can carry
// different ladders on different exchanges.
type ruleKey struct {
	conID    int64
	exchange string
}

// RuleCache caches one PriceIncrementTable per (conId, exchange). It is
// read-mostly: written only during connect and new-position discovery, and
// each write swaps the whole entry so readers never observe a partial table.
type RuleCache struct {
	mu     sync.RWMutex
	tables map[ruleKey]PriceIncrementTable
	logger zerolog.Logger
}

// NewRuleCache creates an empty rule cache.
func NewRuleCache(logger zerolog.Logger) *RuleCache {
	return &RuleCache{
		tables: make(map[ruleKey]PriceIncrementTable),
		logger: logger,
	}
}

// Clear empties the cache.
func (c *RuleCache) Clear() {
	c.mu.Lock()
	c.tables = make(map[ruleKey]PriceIncrementTable)
	c.mu.Unlock()
	logging.LogCacheClear(c.logger, "market_rules")
}

// Put stores a table for a contract, replacing any previous entry wholesale.
func (c *RuleCache) Put(conID int64, exchange string, table PriceIncrementTable) {
	c.mu.Lock()
	c.tables[ruleKey{conID, exchange}] = table
	c.mu.Unlock()
}

// Len returns the number of cached tables.
func (c *RuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}

// Table returns the cached table for a contract, if present.
func (c *RuleCache) Table(conID int64, exchange string) (PriceIncrementTable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[ruleKey{conID, exchange}]
	return t, ok
}

// ResolveIncrement maps (contract, price) to the smallest legal increment.
//
// Combo (BAG) contracts have no ladder of their own at the venue: resolution
// recurses using the first leg's contract reference but keeps the combo's
// own price, because the net package price level selects the bracket, not
// the leg price. A combo whose first leg has no cached ladder falls back to
// the per-symbol combo override ladder; only when that also misses does the
// caller get a rule-not-cached error rather than a guess.
func (c *RuleCache) ResolveIncrement(contract models.ContractRef, price float64) (float64, error) {
	if contract.IsCombo() {
		if len(contract.ComboLegs) == 0 {
			return 0, errors.NewRuleError(contract.ConID, contract.Symbol, contract.Exchange, "combo has no legs")
		}
		leg := contract.ComboLegs[0]
		if table, ok := c.Table(leg.ConID, leg.Exchange); ok {
			inc, err := table.IncrementFor(price)
			if err != nil {
				return 0, errors.NewRuleError(leg.ConID, contract.Symbol, leg.Exchange, err.Error())
			}
			logging.LogTickResolution(c.logger, contract.Symbol, contract.ConID, price, inc)
			return inc, nil
		}
		if inc, ok := ComboTickOverride(contract.Symbol); ok {
			logging.LogTickResolution(c.logger, contract.Symbol, contract.ConID, price, inc)
			return inc, nil
		}
		return 0, errors.NewRuleError(leg.ConID, contract.Symbol, leg.Exchange, "no rule for combo first leg")
	}

	table, ok := c.Table(contract.ConID, contract.Exchange)
	if !ok {
		return 0, errors.NewRuleError(contract.ConID, contract.Symbol, contract.Exchange, "no cached rule")
	}
	inc, err := table.IncrementFor(price)
	if err != nil {
		return 0, errors.NewRuleError(contract.ConID, contract.Symbol, contract.Exchange, err.Error())
	}
	logging.LogTickResolution(c.logger, contract.Symbol, contract.ConID, price, inc)
	return inc, nil
}

// RuleFetcher queries the venue for a contract's tick ladder. Implemented by
// the broker session; only callable from the connection goroutine.
type RuleFetcher interface {
	FetchMarketRule(contract models.ContractRef) (PriceIncrementTable, error)
}

// Preload populates one table per distinct (conId, exchange) among the given
// contracts. It must run in the connection goroutine at connect time, never
// from a tick callback: the underlying query cannot be issued concurrently
// with live event processing. A contract whose ladder cannot be fetched
// falls back to a single-row minTick table.
func (c *RuleCache) Preload(fetcher RuleFetcher, contracts []models.ContractRef) {
	seen := make(map[ruleKey]bool)
	count := 0
	for _, contract := range contracts {
		if contract.IsCombo() {
			continue // combos delegate to their legs
		}
		key := ruleKey{contract.ConID, contract.Exchange}
		if seen[key] {
			continue
		}
		seen[key] = true

		table, err := fetcher.FetchMarketRule(contract)
		if err != nil || len(table) == 0 {
			c.logger.Warn().
				Str("symbol", contract.Symbol).
				Int64("con_id", contract.ConID).
				Float64("min_tick", contract.MinTick).
				Err(err).
				Msg("Market rule unavailable, falling back to minTick")
			table = FallbackTable(contract.MinTick)
		}
		c.Put(contract.ConID, contract.Exchange, table)
		count++
	}
	logging.LogCachePopulate(c.logger, "market_rules", count)
}
