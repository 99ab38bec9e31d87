package market

import (
	"math"
	"testing"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/errors"
	"tws-trailstop/internal/models"
)

func spxTable() PriceIncrementTable {
	// CBOE SPX ladder: 0.05 below $3, 0.10 at/above $3.
	return NewPriceIncrementTable([]PriceIncrement{
		{LowEdge: 0, Increment: 0.05},
		{LowEdge: 3.0, Increment: 0.10},
	})
}

func TestIncrementForBrackets(t *testing.T) {
	table := NewPriceIncrementTable([]PriceIncrement{
		{LowEdge: 0, Increment: 0.01},
		{LowEdge: 3.0, Increment: 0.05},
	})

	tests := []struct {
		price float64
		want  float64
	}{
		{0.01, 0.01},
		{2.50, 0.01},
		{2.99, 0.01},
		{3.00, 0.05}, // edge price belongs to the upper bracket
		{4.60, 0.05},
		{100.0, 0.05},
	}
	for _, tt := range tests {
		got, err := table.IncrementFor(tt.price)
		if err != nil {
			t.Fatalf("IncrementFor(%v): %v", tt.price, err)
		}
		if got != tt.want {
			t.Errorf("IncrementFor(%v) = %v, want %v", tt.price, got, tt.want)
		}
	}
}

func TestIncrementForNegativePrice(t *testing.T) {
	// Credit spread prices are negative; the magnitude selects the bracket.
	got, err := spxTable().IncrementFor(-4.60)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.10 {
		t.Errorf("IncrementFor(-4.60) = %v, want 0.10", got)
	}
}

func TestIncrementForEmptyTable(t *testing.T) {
	var table PriceIncrementTable
	if _, err := table.IncrementFor(1.0); !errors.Is(err, errors.ErrRuleNotCached) {
		t.Errorf("expected ErrRuleNotCached, got %v", err)
	}
}

func TestFallbackTableAppliesAtAllPrices(t *testing.T) {
	table := FallbackTable(0.05)
	for _, price := range []float64{0.01, 1.00, 3.00, 10.00, 100.00} {
		got, err := table.IncrementFor(price)
		if err != nil {
			t.Fatal(err)
		}
		if got != 0.05 {
			t.Errorf("fallback IncrementFor(%v) = %v, want 0.05", price, got)
		}
	}
}

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		price, inc, want float64
	}{
		{4.63, 0.05, 4.65},
		{4.62, 0.05, 4.60},
		{4.60, 0.05, 4.60},
		{2.504, 0.01, 2.50},
		{5.51, 0.25, 5.50},
		{-4.63, 0.05, -4.65}, // sign preserved, magnitude rounded
		{-2.504, 0.01, -2.50},
		{0, 0.05, 0},
	}
	for _, tt := range tests {
		got := RoundToTick(tt.price, tt.inc)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.price, tt.inc, got, tt.want)
		}
	}
}

func TestRoundToTickInvalidInputs(t *testing.T) {
	if got := RoundToTick(4.63, 0); got != 4.63 {
		t.Errorf("zero increment should pass price through, got %v", got)
	}
	if got := RoundToTick(math.NaN(), 0.05); !math.IsNaN(got) {
		t.Errorf("NaN price should pass through, got %v", got)
	}
}

func optContract(conID int64) models.ContractRef {
	return models.ContractRef{
		ConID:    conID,
		Symbol:   "SPX",
		SecType:  models.SecTypeOption,
		Exchange: "SMART",
		MinTick:  0.05,
	}
}

func TestResolveIncrementSingleLeg(t *testing.T) {
	cache := NewRuleCache(zerolog.Nop())
	cache.Put(1001, "SMART", spxTable())

	got, err := cache.ResolveIncrement(optContract(1001), 2.50)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.05 {
		t.Errorf("ResolveIncrement(2.50) = %v, want 0.05", got)
	}

	got, err = cache.ResolveIncrement(optContract(1001), 4.60)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.10 {
		t.Errorf("ResolveIncrement(4.60) = %v, want 0.10", got)
	}
}

func TestResolveIncrementUnseenContract(t *testing.T) {
	cache := NewRuleCache(zerolog.Nop())
	_, err := cache.ResolveIncrement(optContract(9999), 1.0)
	if !errors.Is(err, errors.ErrRuleNotCached) {
		t.Errorf("expected ErrRuleNotCached, got %v", err)
	}
}

func TestResolveIncrementComboDelegation(t *testing.T) {
	cache := NewRuleCache(zerolog.Nop())
	// First leg's ladder: 0.05 below $5, 0.25 at/above $5.
	cache.Put(2001, "SMART", NewPriceIncrementTable([]PriceIncrement{
		{LowEdge: 0, Increment: 0.05},
		{LowEdge: 5.0, Increment: 0.25},
	}))

	combo := models.ContractRef{
		ConID:    3001,
		Symbol:   "XYZ",
		SecType:  models.SecTypeCombo,
		Exchange: "SMART",
		ComboLegs: []models.ComboLeg{
			{ConID: 2001, Ratio: 1, Action: models.OrderSideBuy, Exchange: "SMART"},
			{ConID: 2002, Ratio: 1, Action: models.OrderSideSell, Exchange: "SMART"},
		},
	}

	// The combo's own price of 5.51 selects the leg table's upper bracket,
	// even though each leg individually trades below $5.
	got, err := cache.ResolveIncrement(combo, 5.51)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.25 {
		t.Errorf("combo ResolveIncrement(5.51) = %v, want 0.25", got)
	}
}

func TestResolveIncrementComboOverrideFallback(t *testing.T) {
	cache := NewRuleCache(zerolog.Nop())
	combo := models.ContractRef{
		ConID:    3002,
		Symbol:   "SPX",
		SecType:  models.SecTypeCombo,
		Exchange: "SMART",
		ComboLegs: []models.ComboLeg{
			{ConID: 7001, Ratio: 1, Action: models.OrderSideBuy, Exchange: "SMART"},
		},
	}

	// No leg ladder cached, but SPX combos have a published 0.05 net tick.
	got, err := cache.ResolveIncrement(combo, 12.30)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.05 {
		t.Errorf("combo override = %v, want 0.05", got)
	}
}

func TestResolveIncrementComboNoLegNoOverride(t *testing.T) {
	cache := NewRuleCache(zerolog.Nop())
	combo := models.ContractRef{
		ConID:    3003,
		Symbol:   "OBSCURE",
		SecType:  models.SecTypeCombo,
		Exchange: "SMART",
		ComboLegs: []models.ComboLeg{
			{ConID: 7002, Ratio: 1, Action: models.OrderSideBuy, Exchange: "SMART"},
		},
	}
	if _, err := cache.ResolveIncrement(combo, 1.0); !errors.Is(err, errors.ErrRuleNotCached) {
		t.Errorf("expected ErrRuleNotCached, got %v", err)
	}
}

type fakeRuleFetcher struct {
	tables map[int64]PriceIncrementTable
	errs   map[int64]error
}

func (f *fakeRuleFetcher) FetchMarketRule(c models.ContractRef) (PriceIncrementTable, error) {
	if err, ok := f.errs[c.ConID]; ok {
		return nil, err
	}
	return f.tables[c.ConID], nil
}

func TestPreloadWithFallback(t *testing.T) {
	cache := NewRuleCache(zerolog.Nop())
	fetcher := &fakeRuleFetcher{
		tables: map[int64]PriceIncrementTable{1001: spxTable()},
		errs:   map[int64]error{1002: errors.ErrTimeout},
	}

	failing := optContract(1002)
	failing.MinTick = 0.25
	bag := models.ContractRef{ConID: 1003, Symbol: "SPX", SecType: models.SecTypeCombo}

	cache.Preload(fetcher, []models.ContractRef{optContract(1001), failing, bag})

	if cache.Len() != 2 {
		t.Fatalf("expected 2 cached tables (combo skipped), got %d", cache.Len())
	}
	// Failed fetch falls back to a single-row minTick table.
	got, err := cache.ResolveIncrement(failing, 100.0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0.25 {
		t.Errorf("fallback increment = %v, want minTick 0.25", got)
	}
}

func TestComboTickOverride(t *testing.T) {
	if tick, ok := ComboTickOverride("spxw"); !ok || tick != 0.05 {
		t.Errorf("SPXW override = %v,%v, want 0.05,true", tick, ok)
	}
	if tick, ok := ComboTickOverride("TSLA"); !ok || tick != 0.01 {
		t.Errorf("penny pilot override = %v,%v, want 0.01,true", tick, ok)
	}
	if _, ok := ComboTickOverride("OBSCURE"); ok {
		t.Error("unknown symbol should have no override")
	}
}
