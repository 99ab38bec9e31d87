// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "tws-trailstop", "logs", "trailstop.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	if len(writers) == 0 {
		writer = os.Stdout
	} else if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(writer).With().Timestamp().Caller().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithGroupID adds a group ID to the logger context.
func WithGroupID(logger zerolog.Logger, groupID string) zerolog.Logger {
	return logger.With().Str("group_id", groupID).Logger()
}

// WithConID adds a contract ID to the logger context.
func WithConID(logger zerolog.Logger, conID int64) zerolog.Logger {
	return logger.With().Int64("con_id", conID).Logger()
}

// WithOperation adds an operation name to the logger context.
func WithOperation(logger zerolog.Logger, operation string) zerolog.Logger {
	return logger.With().Str("operation", operation).Logger()
}

// LogConnectionState logs a connection state transition. These lines are the
// externally observable audit trail for the session state machine.
func LogConnectionState(logger zerolog.Logger, from, to string) {
	logger.Info().
		Str("event", "connection_state").
		Str("from", from).
		Str("to", to).
		Msg("Connection state changed")
}

// LogCacheClear logs a cache clear.
func LogCacheClear(logger zerolog.Logger, cache string) {
	logger.Info().
		Str("event", "cache_clear").
		Str("cache", cache).
		Msg("Cache cleared")
}

// LogCachePopulate logs a cache population.
func LogCachePopulate(logger zerolog.Logger, cache string, entries int) {
	logger.Info().
		Str("event", "cache_populate").
		Str("cache", cache).
		Int("entries", entries).
		Msg("Cache populated")
}

// LogTickResolution logs the tick-size resolution used for an order.
func LogTickResolution(logger zerolog.Logger, symbol string, conID int64, price, increment float64) {
	logger.Info().
		Str("event", "tick_resolution").
		Str("symbol", symbol).
		Int64("con_id", conID).
		Float64("price", price).
		Float64("increment", increment).
		Msg("Tick size resolved")
}

// LogPriceRounding logs a price rounding before/after pair.
func LogPriceRounding(logger zerolog.Logger, groupID string, raw, rounded, increment float64) {
	logger.Info().
		Str("event", "price_rounding").
		Str("group_id", groupID).
		Float64("raw", raw).
		Float64("rounded", rounded).
		Float64("increment", increment).
		Msg("Price rounded to tick")
}

// LogStopUpdate logs a watermark/stop price update for a group.
func LogStopUpdate(logger zerolog.Logger, groupID string, watermark, stopPrice float64, credit bool) {
	logger.Info().
		Str("event", "stop_update").
		Str("group_id", groupID).
		Float64("watermark", watermark).
		Float64("stop_price", stopPrice).
		Bool("is_credit", credit).
		Msg("Trailing stop updated")
}

// LogOrder logs an order event.
func LogOrder(logger zerolog.Logger, orderID int64, groupID, action, status string) {
	logger.Info().
		Str("event", "order").
		Int64("order_id", orderID).
		Str("group_id", groupID).
		Str("action", action).
		Str("status", status).
		Msg("Order update")
}
