package market

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tws-trailstop/internal/logging"
)

// HoursEntry is one cached trading-hours record for an instrument, keyed by
// "SYMBOL_SECTYPE". Valid only for the calendar date it was fetched on; a
// read on any other date is a cache miss.
type HoursEntry struct {
	CalendarDate string // YYYYMMDD in the local zone at fetch time
	TradingHours string // raw venue schedule, e.g. "20241209:0930-20241209:1615;20241210:CLOSED"
	LiquidHours  string
	TimeZoneID   string // e.g. "US/Eastern"
}

// HoursFetchFunc fetches trading hours for an instrument key. Only supplied
// when the caller runs in the connection goroutine; tick-path callers pass
// nil and get stale-tolerant behavior instead of a blocking venue query.
type HoursFetchFunc func() (HoursEntry, error)

// HoursCache answers "is the market open right now" without per-call venue
// round trips. Entries are swapped whole on write and invalidated at
// local-midnight rollover.
type HoursCache struct {
	mu           sync.RWMutex
	entries      map[string]HoursEntry
	refreshNeed  map[string]bool
	rolloverDate string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewHoursCache creates an empty trading hours cache.
func NewHoursCache(logger zerolog.Logger) *HoursCache {
	return &HoursCache{
		entries:     make(map[string]HoursEntry),
		refreshNeed: make(map[string]bool),
		logger:      logger,
		now:         time.Now,
	}
}

// Clear empties the cache; called at connect and at midnight rollover.
func (c *HoursCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]HoursEntry)
	c.refreshNeed = make(map[string]bool)
	c.mu.Unlock()
	logging.LogCacheClear(c.logger, "trading_hours")
}

// Put stores an entry, replacing any previous one wholesale.
func (c *HoursCache) Put(key string, entry HoursEntry) {
	c.mu.Lock()
	c.entries[key] = entry
	delete(c.refreshNeed, key)
	c.mu.Unlock()
}

// Len returns the number of cached entries.
func (c *HoursCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entry returns the cached entry if present and valid for today.
func (c *HoursCache) Entry(key string) (HoursEntry, bool) {
	today := c.now().Format("20060102")
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || entry.CalendarDate != today {
		return HoursEntry{}, false
	}
	return entry, true
}

// Ensure returns a valid entry for key, fetching when missing or stale.
// With a nil fetch (caller not in the connection goroutine) the previous
// entry is returned as-is and a background refresh need is flagged rather
// than blocking the caller.
func (c *HoursCache) Ensure(key string, fetch HoursFetchFunc) (HoursEntry, bool) {
	if entry, ok := c.Entry(key); ok {
		return entry, true
	}
	if fetch == nil {
		c.mu.Lock()
		c.refreshNeed[key] = true
		stale := c.entries[key]
		c.mu.Unlock()
		return stale, false
	}
	entry, err := fetch()
	if err != nil {
		c.logger.Warn().Str("key", key).Err(err).Msg("Trading hours fetch failed")
		return HoursEntry{}, false
	}
	if entry.CalendarDate == "" {
		entry.CalendarDate = c.now().Format("20060102")
	}
	c.Put(key, entry)
	return entry, true
}

// RefreshNeeded returns the keys flagged for background refresh and clears
// the flags.
func (c *HoursCache) RefreshNeeded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.refreshNeed))
	for k := range c.refreshNeed {
		keys = append(keys, k)
	}
	c.refreshNeed = make(map[string]bool)
	return keys
}

// IsMarketOpen reports whether the instrument's market is open at now.
// Stale or missing entries and any parse failure report closed: no stop is
// evaluated while open/closed status is unknown.
func (c *HoursCache) IsMarketOpen(key string, now time.Time) bool {
	entry, ok := c.Entry(key)
	if !ok {
		c.mu.Lock()
		c.refreshNeed[key] = true
		c.mu.Unlock()
		return false
	}
	hours := entry.LiquidHours
	if hours == "" {
		hours = entry.TradingHours
	}
	open, err := scheduleContains(hours, entry.TimeZoneID, now)
	if err != nil {
		c.logger.Warn().Str("key", key).Err(err).Msg("Trading hours parse failed, treating as closed")
		return false
	}
	return open
}

// RolloverIfNeeded clears the cache when the local calendar date has rolled
// over since the last check. Driven by the monitor's periodic housekeeping
// tick; clears exactly once per day.
func (c *HoursCache) RolloverIfNeeded(now time.Time) bool {
	today := now.Format("20060102")
	c.mu.Lock()
	if c.rolloverDate == today {
		c.mu.Unlock()
		return false
	}
	first := c.rolloverDate == ""
	c.rolloverDate = today
	c.mu.Unlock()
	if first {
		return false
	}
	c.logger.Info().Str("date", today).Msg("Calendar date rolled over, clearing trading hours")
	c.Clear()
	return true
}

// scheduleContains parses a venue hours string against now in the given
// zone. Segments are separated by ';'; each is either "YYYYMMDD:CLOSED" or
// one or more "YYYYMMDD:HHMM-YYYYMMDD:HHMM" ranges.
func scheduleContains(schedule, zoneID string, now time.Time) (bool, error) {
	if schedule == "" {
		return false, errEmptySchedule
	}
	loc, err := time.LoadLocation(zoneID)
	if err != nil {
		return false, err
	}
	local := now.In(loc)

	for _, segment := range strings.Split(schedule, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" || strings.HasSuffix(segment, ":CLOSED") {
			continue
		}
		start, end, err := parseRange(segment, loc)
		if err != nil {
			return false, err
		}
		if !local.Before(start) && local.Before(end) {
			return true, nil
		}
	}
	return false, nil
}

func parseRange(segment string, loc *time.Location) (time.Time, time.Time, error) {
	parts := strings.SplitN(segment, "-", 2)
	if len(parts) != 2 {
		return time.Time{}, time.Time{}, errBadSegment
	}
	start, err := time.ParseInLocation("20060102:1504", parts[0], loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.ParseInLocation("20060102:1504", parts[1], loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

var (
	errEmptySchedule = &scheduleError{"empty schedule"}
	errBadSegment    = &scheduleError{"malformed schedule segment"}
)

type scheduleError struct{ msg string }

func (e *scheduleError) Error() string { return e.msg }
