// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tws-trailstop/internal/models"
)

// SQLiteStore persists groups and the stop event journal.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Groups table: one row per trailing stop group. Legs are stored as
	-- JSON; they are immutable after creation and never queried by field.
	CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT,
		legs TEXT NOT NULL,
		is_credit INTEGER NOT NULL,
		trail_mode TEXT NOT NULL,
		trail_value REAL NOT NULL,
		trigger_price_type TEXT NOT NULL,
		stop_type TEXT NOT NULL,
		limit_offset REAL,
		time_exit_enabled INTEGER DEFAULT 0,
		time_exit_at TEXT,
		high_water_mark REAL,
		low_water_mark REAL,
		state TEXT NOT NULL,
		stop_order_id INTEGER DEFAULT 0,
		time_exit_order_id INTEGER DEFAULT 0,
		oca_group_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Stop event journal, append only.
	CREATE TABLE IF NOT EXISTS stop_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		price REAL,
		watermark REAL,
		stop_price REAL,
		order_id INTEGER,
		note TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_stop_events_group ON stop_events(group_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveGroup inserts or replaces a group row.
func (s *SQLiteStore) SaveGroup(ctx context.Context, g *models.Group) error {
	legs, err := json.Marshal(g.Legs)
	if err != nil {
		return fmt.Errorf("failed to encode legs: %w", err)
	}

	var hwm, lwm sql.NullFloat64
	if g.HighWaterMark != nil {
		hwm = sql.NullFloat64{Float64: *g.HighWaterMark, Valid: true}
	}
	if g.LowWaterMark != nil {
		lwm = sql.NullFloat64{Float64: *g.LowWaterMark, Valid: true}
	}

	createdAt := g.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO groups (
			id, name, legs, is_credit, trail_mode, trail_value,
			trigger_price_type, stop_type, limit_offset,
			time_exit_enabled, time_exit_at,
			high_water_mark, low_water_mark, state,
			stop_order_id, time_exit_order_id, oca_group_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, g.ID, g.Name, string(legs), boolToInt(g.IsCredit), string(g.TrailMode), g.TrailValue,
		string(g.TriggerPriceType), string(g.StopType), g.LimitOffset,
		boolToInt(g.TimeExitEnabled), g.TimeExitAt,
		hwm, lwm, string(g.State),
		g.StopOrderID, g.TimeExitOrderID, g.OCAGroupID,
		createdAt)
	if err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

// GetGroup loads one group by ID.
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, legs, is_credit, trail_mode, trail_value,
			trigger_price_type, stop_type, limit_offset,
			time_exit_enabled, time_exit_at,
			high_water_mark, low_water_mark, state,
			stop_order_id, time_exit_order_id, oca_group_id, created_at
		FROM groups WHERE id = ?
	`, id)
	return scanGroup(row)
}

// ListGroups loads every stored group.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]*models.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, legs, is_credit, trail_mode, trail_value,
			trigger_price_type, stop_type, limit_offset,
			time_exit_enabled, time_exit_at,
			high_water_mark, low_water_mark, state,
			stop_order_id, time_exit_order_id, oca_group_id, created_at
		FROM groups ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// DeleteGroup removes a group and its journal.
func (s *SQLiteStore) DeleteGroup(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stop_events WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete group events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return nil
}

// RecordEvent appends one journal record.
func (s *SQLiteStore) RecordEvent(ctx context.Context, ev models.StopEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stop_events (group_id, kind, timestamp, price, watermark, stop_price, order_id, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.GroupID, string(ev.Kind), ts, ev.Price, ev.Watermark, ev.StopPrice, ev.OrderID, ev.Note)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetEvents returns up to limit most recent journal records for a group.
func (s *SQLiteStore) GetEvents(ctx context.Context, groupID string, limit int) ([]models.StopEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, kind, timestamp, price, watermark, stop_price, order_id, note
		FROM stop_events WHERE group_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.StopEvent
	for rows.Next() {
		var ev models.StopEvent
		var kind string
		if err := rows.Scan(&ev.ID, &ev.GroupID, &kind, &ev.Timestamp, &ev.Price, &ev.Watermark, &ev.StopPrice, &ev.OrderID, &ev.Note); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row rowScanner) (*models.Group, error) {
	var g models.Group
	var legs string
	var isCredit, timeExitEnabled int
	var trailMode, trigger, stopType, state string
	var hwm, lwm sql.NullFloat64
	var name, timeExitAt, ocaGroup sql.NullString

	err := row.Scan(&g.ID, &name, &legs, &isCredit, &trailMode, &g.TrailValue,
		&trigger, &stopType, &g.LimitOffset,
		&timeExitEnabled, &timeExitAt,
		&hwm, &lwm, &state,
		&g.StopOrderID, &g.TimeExitOrderID, &ocaGroup, &g.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(legs), &g.Legs); err != nil {
		return nil, fmt.Errorf("failed to decode legs: %w", err)
	}
	g.Name = name.String
	g.IsCredit = isCredit != 0
	g.TrailMode = models.TrailMode(trailMode)
	g.TriggerPriceType = models.TriggerPriceType(trigger)
	g.StopType = models.StopType(stopType)
	g.TimeExitEnabled = timeExitEnabled != 0
	g.TimeExitAt = timeExitAt.String
	g.OCAGroupID = ocaGroup.String
	g.State = models.GroupState(state)
	if hwm.Valid {
		v := hwm.Float64
		g.HighWaterMark = &v
	}
	if lwm.Valid {
		v := lwm.Float64
		g.LowWaterMark = &v
	}
	return &g, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
