// Package store provides the SQLite-backed event store used as the analysis
// data source.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/setevik/fleetrisk/internal/event"
	"github.com/setevik/fleetrisk/internal/source"
)

// tsLayout is fixed width so that timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps an SQLite connection for violation and event storage.
type DB struct {
	db *sql.DB
}

var _ source.Store = (*DB)(nil)

// Open opens or creates an SQLite database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SQL exposes the underlying handle for stats collection.
func (d *DB) SQL() *sql.DB {
	return d.db
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	if t, err := time.Parse(tsLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// InsertViolation stores a single violation.
func (d *DB) InsertViolation(ctx context.Context, v *event.Violation) error {
	return insertViolation(ctx, d.db, v)
}

// InsertEvent stores a single raw vehicle event.
func (d *DB) InsertEvent(ctx context.Context, ev *event.RawEvent) error {
	return insertEvent(ctx, d.db, ev)
}

// InsertBatch stores violations and events in one transaction.
func (d *DB) InsertBatch(ctx context.Context, violations []*event.Violation, events []*event.RawEvent) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, v := range violations {
		if err := insertViolation(ctx, tx, v); err != nil {
			return err
		}
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertViolation(ctx context.Context, x execer, v *event.Violation) error {
	telemetry, err := json.Marshal(v.Telemetry)
	if err != nil {
		telemetry = []byte("{}")
	}

	var speed sql.NullFloat64
	if s, ok := v.Speed(); ok {
		speed = sql.NullFloat64{Float64: s, Valid: true}
	}

	_, err = x.ExecContext(ctx, `
		INSERT OR IGNORE INTO violations (id, entity_id, entity_name, violation_type, severity, occurred_at, speed, telemetry_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID,
		v.EntityID,
		v.EntityName,
		v.Type,
		string(v.Severity),
		formatTS(v.OccurredAt),
		speed,
		string(telemetry),
	)
	if err != nil {
		return fmt.Errorf("inserting violation: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, x execer, ev *event.RawEvent) error {
	fields, err := json.Marshal(ev.Fields)
	if err != nil {
		fields = []byte("{}")
	}

	_, err = x.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, entity_id, event_type, occurred_at, fields_json)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID,
		ev.EntityID,
		ev.Type,
		formatTS(ev.OccurredAt),
		string(fields),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// where builds the shared WHERE clause for a filter against the given
// timestamp column.
func where(f source.Filter, tsCol string) (string, []any) {
	clause := " WHERE 1=1"
	var args []any

	if !f.Range.Start.IsZero() {
		clause += " AND " + tsCol + " >= ?"
		args = append(args, formatTS(f.Range.Start))
	}
	if !f.Range.End.IsZero() {
		clause += " AND " + tsCol + " <= ?"
		args = append(args, formatTS(f.Range.End))
	}
	if f.EntityID != "" {
		clause += " AND entity_id = ?"
		args = append(args, f.EntityID)
	}
	return clause, args
}

// FetchViolations returns violations matching the filter in chronological
// order. With a limit set, the newest records are kept.
func (d *DB) FetchViolations(ctx context.Context, f source.Filter) ([]event.Violation, error) {
	clause, args := where(f, "occurred_at")
	if len(f.Types) > 0 {
		clause += " AND violation_type IN (?" + strings.Repeat(", ?", len(f.Types)-1) + ")"
		for _, t := range f.Types {
			args = append(args, t)
		}
	}

	query := `SELECT id, entity_id, entity_name, violation_type, severity, occurred_at, telemetry_json
		FROM violations` + clause
	query, args = orderAndLimit(query, args, f.Limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying violations: %w", err)
	}
	defer rows.Close()

	var out []event.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

// FetchEvents returns raw vehicle events matching the filter in
// chronological order. With a limit set, the newest records are kept.
func (d *DB) FetchEvents(ctx context.Context, f source.Filter) ([]event.RawEvent, error) {
	clause, args := where(f, "occurred_at")
	query, args := orderAndLimit(
		`SELECT id, entity_id, event_type, occurred_at, fields_json FROM events`+clause, args, f.Limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []event.RawEvent
	for rows.Next() {
		var ev event.RawEvent
		var tsStr string
		var fields sql.NullString
		if err := rows.Scan(&ev.ID, &ev.EntityID, &ev.Type, &tsStr, &fields); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev.OccurredAt, _ = parseTS(tsStr)
		ev.Fields = make(map[string]string)
		if fields.String != "" {
			_ = json.Unmarshal([]byte(fields.String), &ev.Fields)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if f.Limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

// orderAndLimit appends the ordering clause. A limited query walks newest
// first so LIMIT drops the oldest rows; the caller reverses the result.
func orderAndLimit(query string, args []any, limit int) (string, []any) {
	if limit <= 0 {
		return query + " ORDER BY occurred_at ASC, rowid ASC", args
	}
	return query + " ORDER BY occurred_at DESC, rowid DESC LIMIT ?", append(args, limit)
}

// FetchEntityAggregates groups violations by entity inside the filter range.
// Entities are ordered by violation count descending.
func (d *DB) FetchEntityAggregates(ctx context.Context, f source.Filter) ([]event.EntityAggregate, error) {
	clause, args := where(f, "occurred_at")

	rows, err := d.db.QueryContext(ctx, `
		SELECT entity_id,
			COALESCE(MAX(entity_name), ''),
			COUNT(*),
			AVG(CASE severity WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END),
			COALESCE(MAX(occurred_at), ''),
			COALESCE(MAX(speed), 0)
		FROM violations`+clause+`
		GROUP BY entity_id
		ORDER BY COUNT(*) DESC, entity_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entity aggregates: %w", err)
	}

	var aggs []event.EntityAggregate
	index := make(map[string]int)
	for rows.Next() {
		var a event.EntityAggregate
		var last string
		if err := rows.Scan(&a.EntityID, &a.Name, &a.ViolationCount, &a.AvgSeverity, &last, &a.MaxSpeed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning entity aggregate: %w", err)
		}
		a.LastViolation = last
		if t, err := parseTS(last); err == nil {
			a.LastViolation = t.Format(time.RFC3339Nano)
		}
		index[a.EntityID] = len(aggs)
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	typeRows, err := d.db.QueryContext(ctx, `
		SELECT entity_id, violation_type, COUNT(*)
		FROM violations`+clause+`
		GROUP BY entity_id, violation_type
		ORDER BY entity_id ASC, COUNT(*) DESC, violation_type ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying violation type counts: %w", err)
	}
	defer typeRows.Close()

	for typeRows.Next() {
		var entityID string
		var tc event.TypeCount
		if err := typeRows.Scan(&entityID, &tc.Type, &tc.Count); err != nil {
			return nil, fmt.Errorf("scanning type count: %w", err)
		}
		if i, ok := index[entityID]; ok {
			aggs[i].TypeCounts = append(aggs[i].TypeCounts, tc)
		}
	}
	return aggs, typeRows.Err()
}

// Counts holds row totals for the status command.
type Counts struct {
	Violations int64
	Events     int64
}

// Count returns the number of stored violations and events.
func (d *DB) Count(ctx context.Context) (Counts, error) {
	var c Counts
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM violations`).Scan(&c.Violations); err != nil {
		return c, fmt.Errorf("counting violations: %w", err)
	}
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&c.Events); err != nil {
		return c, fmt.Errorf("counting events: %w", err)
	}
	return c, nil
}

// LastViolation returns the most recent stored violation, or nil when the
// store is empty.
func (d *DB) LastViolation(ctx context.Context) (*event.Violation, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, entity_id, entity_name, violation_type, severity, occurred_at, telemetry_json
		FROM violations ORDER BY occurred_at DESC, rowid DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("querying last violation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	v, err := scanViolation(rows)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Purge deletes records older than the given retention duration and returns
// the number of rows removed.
func (d *DB) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := formatTS(time.Now().Add(-retention))

	var total int64
	for _, q := range []string{
		`DELETE FROM violations WHERE occurred_at < ?`,
		`DELETE FROM events WHERE occurred_at < ?`,
		`DELETE FROM alerts WHERE sent_at < ?`,
	} {
		result, err := d.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("purging old records: %w", err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

func scanViolation(rows *sql.Rows) (event.Violation, error) {
	var v event.Violation
	var tsStr, sev string
	var name, telemetry sql.NullString

	err := rows.Scan(
		&v.ID,
		&v.EntityID,
		&name,
		&v.Type,
		&sev,
		&tsStr,
		&telemetry,
	)
	if err != nil {
		return v, fmt.Errorf("scanning violation row: %w", err)
	}

	v.EntityName = name.String
	v.Severity = event.ParseSeverity(sev)
	v.OccurredAt, _ = parseTS(tsStr)
	v.Telemetry = make(map[string]float64)
	if telemetry.String != "" {
		_ = json.Unmarshal([]byte(telemetry.String), &v.Telemetry)
	}
	return v, nil
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS violations (
			id             TEXT PRIMARY KEY,
			entity_id      TEXT NOT NULL,
			entity_name    TEXT,
			violation_type TEXT NOT NULL,
			severity       TEXT NOT NULL,
			occurred_at    TEXT NOT NULL,
			speed          REAL,
			telemetry_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id          TEXT PRIMARY KEY,
			entity_id   TEXT NOT NULL,
			event_type  TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			fields_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			entity_id TEXT NOT NULL,
			score     REAL NOT NULL,
			sent_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_ts ON violations(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_entity_ts ON violations(entity_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity_ts ON events(entity_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_entity ON alerts(entity_id, sent_at)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	slog.Debug("database schema up to date")
	return nil
}
