package market

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const nyZone = "America/New_York"

// fixedClock pins the cache's notion of "today".
func fixedClock(c *HoursCache, t time.Time) {
	c.now = func() time.Time { return t }
}

func nyTime(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(nyZone)
	if err != nil {
		t.Fatal(err)
	}
	ts, err := time.ParseInLocation("20060102:1504", value, loc)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestIsMarketOpenRegularSession(t *testing.T) {
	cache := NewHoursCache(zerolog.Nop())
	fixedClock(cache, nyTime(t, "20241209:1200"))

	cache.Put("SPX_OPT", HoursEntry{
		CalendarDate: "20241209",
		TradingHours: "20241209:0930-20241209:1615;20241210:0930-20241210:1615",
		TimeZoneID:   nyZone,
	})

	tests := []struct {
		now  string
		want bool
	}{
		{"20241209:0929", false},
		{"20241209:0930", true},
		{"20241209:1200", true},
		{"20241209:1614", true},
		{"20241209:1615", false}, // end is exclusive
		{"20241209:2000", false},
	}
	for _, tt := range tests {
		if got := cache.IsMarketOpen("SPX_OPT", nyTime(t, tt.now)); got != tt.want {
			t.Errorf("IsMarketOpen at %s = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestIsMarketOpenClosedDay(t *testing.T) {
	cache := NewHoursCache(zerolog.Nop())
	fixedClock(cache, nyTime(t, "20241208:1200"))

	cache.Put("SPX_OPT", HoursEntry{
		CalendarDate: "20241208",
		TradingHours: "20241208:CLOSED;20241209:0930-20241209:1615",
		TimeZoneID:   nyZone,
	})

	if cache.IsMarketOpen("SPX_OPT", nyTime(t, "20241208:1200")) {
		t.Error("CLOSED day should report market closed")
	}
}

func TestIsMarketOpenPrefersLiquidHours(t *testing.T) {
	cache := NewHoursCache(zerolog.Nop())
	fixedClock(cache, nyTime(t, "20241209:0800"))

	// Extended trading hours start earlier than liquid hours; the open
	// check gates stop triggers on the liquid session.
	cache.Put("ES_FOP", HoursEntry{
		CalendarDate: "20241209",
		TradingHours: "20241209:0400-20241209:2000",
		LiquidHours:  "20241209:0930-20241209:1615",
		TimeZoneID:   nyZone,
	})

	if cache.IsMarketOpen("ES_FOP", nyTime(t, "20241209:0800")) {
		t.Error("pre-market should be closed when liquid hours are cached")
	}
	if !cache.IsMarketOpen("ES_FOP", nyTime(t, "20241209:1000")) {
		t.Error("liquid session should be open")
	}
}

func TestIsMarketOpenFailClosed(t *testing.T) {
	cache := NewHoursCache(zerolog.Nop())
	fixedClock(cache, nyTime(t, "20241209:1200"))

	// Unknown instrument
	if cache.IsMarketOpen("MISSING_OPT", nyTime(t, "20241209:1200")) {
		t.Error("missing entry must report closed")
	}

	// Garbage schedule
	cache.Put("BAD_OPT", HoursEntry{
		CalendarDate: "20241209",
		TradingHours: "not-a-schedule",
		TimeZoneID:   nyZone,
	})
	if cache.IsMarketOpen("BAD_OPT", nyTime(t, "20241209:1200")) {
		t.Error("unparseable schedule must report closed")
	}

	// Bad zone
	cache.Put("ZONE_OPT", HoursEntry{
		CalendarDate: "20241209",
		TradingHours: "20241209:0930-20241209:1615",
		TimeZoneID:   "Not/AZone",
	})
	if cache.IsMarketOpen("ZONE_OPT", nyTime(t, "20241209:1200")) {
		t.Error("unknown zone must report closed")
	}
}

func TestStaleEntryIsAMiss(t *testing.T) {
	cache := NewHoursCache(zerolog.Nop())
	fixedClock(cache, nyTime(t, "20241210:1200"))

	cache.Put("SPX_OPT", HoursEntry{
		CalendarDate: "20241209", // yesterday
		TradingHours: "20241209:0930-20241209:1615;20241210:0930-20241210:1615",
		TimeZoneID:   nyZone,
	})

	if _, ok := cache.Entry("SPX_OPT"); ok {
		t.Error("stale calendar date must be treated as absent")
	}
	if cache.IsMarketOpen("SPX_OPT", nyTime(t, "20241210:1200")) {
		t.Error("stale entry must report closed even inside listed hours")
	}
	// The miss flags a background refresh.
	keys := cache.RefreshNeeded()
	if len(keys) != 1 || keys[0] != "SPX_OPT" {
		t.Errorf("expected refresh flagged for SPX_OPT, got %v", keys)
	}
}

func TestEnsureFetchesWhenPermitted(t *testing.T) {
	cache := NewHoursCache(zerolog.Nop())
	fixedClock(cache, nyTime(t, "20241209:1200"))

	fetched := 0
	entry, ok := cache.Ensure("SPX_OPT", func() (HoursEntry, error) {
		fetched++
		return HoursEntry{
			TradingHours: "20241209:0930-20241209:1615",
			TimeZoneID:   nyZone,
		}, nil
	})
	if !ok || fetched != 1 {
		t.Fatalf("expected one fetch, got ok=%v fetched=%d", ok, fetched)
	}
	if entry.CalendarDate != "20241209" {
		t.Errorf("fetch should stamp today's date, got %q", entry.CalendarDate)
	}

	// Second call is served from cache.
	_, ok = cache.Ensure("SPX_OPT", func() (HoursEntry, error) {
		fetched++
		return HoursEntry{}, nil
	})
	if !ok || fetched != 1 {
		t.Errorf("expected cached entry, fetched=%d", fetched)
	}
}

func TestEnsureOutsideConnectionContext(t *testing.T) {
	cache := NewHoursCache(zerolog.Nop())
	fixedClock(cache, nyTime(t, "20241209:1200"))

	// nil fetch means the caller may not block on the venue.
	_, ok := cache.Ensure("SPX_OPT", nil)
	if ok {
		t.Error("missing entry without a fetcher must not report valid")
	}
	keys := cache.RefreshNeeded()
	if len(keys) != 1 || keys[0] != "SPX_OPT" {
		t.Errorf("expected refresh flagged, got %v", keys)
	}
}

func TestRolloverClearsOncePerDay(t *testing.T) {
	cache := NewHoursCache(zerolog.Nop())
	day1 := nyTime(t, "20241209:1200")
	fixedClock(cache, day1)

	cache.Put("SPX_OPT", HoursEntry{CalendarDate: "20241209", TradingHours: "20241209:0930-20241209:1615", TimeZoneID: nyZone})

	// First observation of a date never clears (startup).
	if cache.RolloverIfNeeded(day1) {
		t.Error("first rollover check should not clear")
	}
	if cache.RolloverIfNeeded(day1.Add(time.Hour)) {
		t.Error("same-day check should not clear")
	}

	day2 := nyTime(t, "20241210:0001")
	if !cache.RolloverIfNeeded(day2) {
		t.Error("date change should clear")
	}
	if cache.Len() != 0 {
		t.Error("rollover should empty the cache")
	}
	if cache.RolloverIfNeeded(day2.Add(time.Minute)) {
		t.Error("rollover must clear exactly once per day")
	}
}
