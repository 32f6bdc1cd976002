package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Journal is a SQLite-backed append-only log of machine events. Unlike the
// orchestrator's in-memory log it is not bounded.
type Journal struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; the listener and API readers share it
	db.SetMaxOpenConns(1)
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := j.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (j *Journal) Ping(ctx context.Context) error {
	if j.db == nil {
		return errors.New("db not initialized")
	}
	return j.db.PingContext(ctx)
}

// Record appends e. Recording the same event id twice is a no-op.
func (j *Journal) Record(ctx context.Context, e sim.MachineEvent) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO machine_events (id, machine_id, type, message, at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.MachineID, string(e.Type), e.Message, e.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.ID, err)
	}
	return nil
}

// Listener records every event it receives. Failures are logged, not returned.
func (j *Journal) Listener() sim.Listener {
	return func(e sim.MachineEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.Record(ctx, e); err != nil {
			log.Warn().Err(err).Str("machine", e.MachineID).Msg("Failed to journal event")
		}
	}
}

// Recent returns up to limit of the newest events, oldest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]sim.MachineEvent, error) {
	if limit <= 0 {
		limit = sim.DefaultEventLogSize
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, machine_id, type, message, at FROM machine_events ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	evs, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(evs)-1; i < k; i, k = i+1, k-1 {
		evs[i], evs[k] = evs[k], evs[i]
	}
	return evs, nil
}

// ForMachine returns every journaled event of one machine, oldest first.
func (j *Journal) ForMachine(ctx context.Context, machineID string) ([]sim.MachineEvent, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, machine_id, type, message, at FROM machine_events WHERE machine_id = ? ORDER BY seq`, machineID)
	if err != nil {
		return nil, fmt.Errorf("query machine events: %w", err)
	}
	return scanEvents(rows)
}

func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM machine_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func scanEvents(rows *sql.Rows) ([]sim.MachineEvent, error) {
	defer rows.Close()
	var out []sim.MachineEvent
	for rows.Next() {
		var (
			e  sim.MachineEvent
			t  string
			at int64
		)
		if err := rows.Scan(&e.ID, &e.MachineID, &t, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = sim.EventType(t)
		e.Timestamp = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
