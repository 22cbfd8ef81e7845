// Package history keeps a local record of chamber readings and target
// commands in SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-pandabreath/internal/infrastructure/database"
)

const (
	// DefaultLimit is used when Readings is asked for zero or fewer rows.
	DefaultLimit = 100

	// MaxLimit caps a single Readings query.
	MaxLimit = 1000
)

// ErrInvalidDevice is returned when a device id is empty.
var ErrInvalidDevice = errors.New("history: device id is required")

// Reading is one stored temperature sample.
type Reading struct {
	DeviceID   string    `json:"device_id"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Command is one stored target change.
type Command struct {
	DeviceID string    `json:"device_id"`
	Target   float64   `json:"target"`
	Source   string    `json:"source"`
	IssuedAt time.Time `json:"issued_at"`
}

// Repository stores readings and commands. Times are kept as unix
// milliseconds.
type Repository struct {
	db *database.DB
}

// NewRepository creates a repository over a migrated database.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// RecordReading stores a temperature sample.
func (r *Repository) RecordReading(ctx context.Context, deviceID string, value float64, at time.Time) error {
	if deviceID == "" {
		return ErrInvalidDevice
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO readings (device_id, value, recorded_at) VALUES (?, ?, ?)",
		deviceID, value, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: recording reading: %w", err)
	}
	return nil
}

// RecordCommand stores a target change and where it came from
// (e.g. "mqtt", "api").
func (r *Repository) RecordCommand(ctx context.Context, deviceID string, target float64, source string, at time.Time) error {
	if deviceID == "" {
		return ErrInvalidDevice
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO commands (device_id, target, source, issued_at) VALUES (?, ?, ?, ?)",
		deviceID, target, source, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: recording command: %w", err)
	}
	return nil
}

// Readings returns up to limit readings for deviceID, newest first.
// limit <= 0 means DefaultLimit; anything above MaxLimit is capped.
func (r *Repository) Readings(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT device_id, value, recorded_at FROM readings
		 WHERE device_id = ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: querying readings: %w", err)
	}
	defer rows.Close()

	out := make([]Reading, 0, limit)
	for rows.Next() {
		var (
			rd Reading
			ms int64
		)
		if err := rows.Scan(&rd.DeviceID, &rd.Value, &ms); err != nil {
			return nil, fmt.Errorf("history: scanning reading: %w", err)
		}
		rd.RecordedAt = time.UnixMilli(ms).UTC()
		out = append(out, rd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating readings: %w", err)
	}
	return out, nil
}

// Commands returns up to limit commands for deviceID, newest first.
func (r *Repository) Commands(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT device_id, target, source, issued_at FROM commands
		 WHERE device_id = ? ORDER BY issued_at DESC, id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: querying commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var (
			c  Command
			ms int64
		)
		if err := rows.Scan(&c.DeviceID, &c.Target, &c.Source, &ms); err != nil {
			return nil, fmt.Errorf("history: scanning command: %w", err)
		}
		c.IssuedAt = time.UnixMilli(ms).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating commands: %w", err)
	}
	return out, nil
}

// Prune deletes readings and commands older than cutoff and returns how
// many rows went.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var total int64
	for _, q := range []string{
		"DELETE FROM readings WHERE recorded_at < ?",
		"DELETE FROM commands WHERE issued_at < ?",
	} {
		res, err := tx.ExecContext(ctx, q, cutoff.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("history: pruning: %w", err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports it
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: committing prune: %w", err)
	}
	return total, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
