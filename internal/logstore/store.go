// Package logstore is the Postgres-backed central store: the append-only log
// table every managed service writes into, plus the per-service status
// snapshots and resource metric history maintained by the monitor.
package logstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"helm/pkg/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrMalformedBatch rejects an ingest batch. One bad entry fails the whole
// batch; nothing from it is persisted.
var ErrMalformedBatch = errors.New("malformed log batch")

// ErrInvalidFilter rejects a log query with out-of-range parameters.
var ErrInvalidFilter = errors.New("invalid log query filter")

// ErrNotFound is returned for a missing log entry id.
var ErrNotFound = errors.New("log entry not found")

var slugRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Store wraps the orchestrator's own database.
type Store struct {
	db       *sqlx.DB
	validate *validator.Validate
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening log database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging log database: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing connection. Used directly by tests.
func NewStore(db *sqlx.DB) *Store {
	v := validator.New()
	_ = v.RegisterValidation("service_slug", func(fl validator.FieldLevel) bool {
		return slugRe.MatchString(fl.Field().String())
	})
	return &Store{db: db, validate: v}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("migrating log database: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database reachability for the orchestrator's own health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IngestBatch validates and persists one batch inside a single transaction.
// Entries get strictly increasing ids in submission order. Returns the number
// of entries written.
func (s *Store) IngestBatch(ctx context.Context, batch Batch) (int, error) {
	if err := s.validate.Struct(batch); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	defer tx.Rollback()

	const insert = `INSERT INTO log_entries
		(timestamp, service_name, level, message, context, trace_id, user_id, hostname, process_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	now := time.Now().UTC()
	for _, e := range batch.Logs {
		ts := now
		if e.Timestamp != nil {
			ts = e.Timestamp.UTC()
		}
		_, err := tx.ExecContext(ctx, insert,
			ts, batch.ServiceName, e.Level, e.Message,
			JSONMap(e.Context), nullString(e.TraceID), nullString(e.UserID),
			nullString(e.Hostname), e.ProcessID)
		if err != nil {
			return 0, fmt.Errorf("inserting log entry for %s: %w", batch.ServiceName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing ingest transaction: %w", err)
	}
	return len(batch.Logs), nil
}

// Query returns one page of entries newest first, plus the total match count.
func (s *Store) Query(ctx context.Context, f Filter) ([]Entry, int64, error) {
	if f.Limit < 0 || f.Limit > MaxQueryLimit || f.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: limit must be 0..%d, offset non-negative", ErrInvalidFilter, MaxQueryLimit)
	}
	if f.Limit == 0 {
		f.Limit = 100
	}
	if f.MinLevel != "" && !f.MinLevel.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown level %q", ErrInvalidFilter, f.MinLevel)
	}

	where, args := buildWhere(f)

	var total int64
	countSQL := "SELECT COUNT(*) FROM log_entries" + where
	if err := s.db.GetContext(ctx, &total, countSQL, args...); err != nil {
		return nil, 0, fmt.Errorf("counting log entries: %w", err)
	}

	pageSQL := fmt.Sprintf(
		"SELECT * FROM log_entries%s ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d",
		where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	entries := []Entry{}
	if err := s.db.SelectContext(ctx, &entries, pageSQL, args...); err != nil {
		return nil, 0, fmt.Errorf("querying log entries: %w", err)
	}
	return entries, total, nil
}

func buildWhere(f Filter) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}
	add := func(format string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(format, len(args)))
	}

	if f.ServiceName != "" {
		add("service_name = $%d", f.ServiceName)
	}
	if f.MinLevel != "" {
		levels := f.MinLevel.AtLeast()
		ph := make([]string, len(levels))
		for i, lvl := range levels {
			args = append(args, lvl)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, "level IN ("+strings.Join(ph, ", ")+")")
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}
	if f.TraceID != "" {
		add("trace_id = $%d", f.TraceID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// GetEntry fetches one entry by id.
func (s *Store) GetEntry(ctx context.Context, id int64) (Entry, error) {
	var e Entry
	err := s.db.GetContext(ctx, &e, "SELECT * FROM log_entries WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("fetching log entry %d: %w", id, err)
	}
	return e, nil
}

// UpsertStatus overwrites the status snapshot for one service.
func (s *Store) UpsertStatus(ctx context.Context, row StatusRow) error {
	const stmt = `INSERT INTO service_status
		(service_name, status, pid, port, started_at, last_checked, health, health_message, cpu_percent, memory_mb)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (service_name) DO UPDATE SET
		status = EXCLUDED.status, pid = EXCLUDED.pid, port = EXCLUDED.port,
		started_at = EXCLUDED.started_at, last_checked = EXCLUDED.last_checked,
		health = EXCLUDED.health, health_message = EXCLUDED.health_message,
		cpu_percent = EXCLUDED.cpu_percent, memory_mb = EXCLUDED.memory_mb`
	_, err := s.db.ExecContext(ctx, stmt,
		row.ServiceName, row.Status, row.PID, row.Port, row.StartedAt,
		row.LastChecked, row.Health, nullString(row.HealthMessage),
		row.CPUPercent, row.MemoryMB)
	if err != nil {
		return fmt.Errorf("upserting status for %s: %w", row.ServiceName, err)
	}
	return nil
}

// InsertMetrics appends resource samples, all in one transaction.
func (s *Store) InsertMetrics(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning metrics transaction: %w", err)
	}
	defer tx.Rollback()

	const insert = `INSERT INTO service_metrics (service_name, timestamp, metric_name, value, tags)
		VALUES ($1, $2, $3, $4, $5)`
	for _, m := range samples {
		if _, err := tx.ExecContext(ctx, insert, m.ServiceName, m.Timestamp, m.MetricName, m.Value, m.Tags); err != nil {
			return fmt.Errorf("inserting metric %s for %s: %w", m.MetricName, m.ServiceName, err)
		}
	}
	return tx.Commit()
}

// MetricsSince returns the samples for one service newer than since, oldest
// first.
func (s *Store) MetricsSince(ctx context.Context, service string, since time.Time) ([]MetricSample, error) {
	samples := []MetricSample{}
	const q = `SELECT service_name, timestamp, metric_name, value, tags FROM service_metrics
		WHERE service_name = $1 AND timestamp >= $2 ORDER BY timestamp ASC`
	if err := s.db.SelectContext(ctx, &samples, q, service, since); err != nil {
		return nil, fmt.Errorf("querying metrics for %s: %w", service, err)
	}
	return samples, nil
}

// LevelCountsSince aggregates per-service log volume by level for the
// dashboard's recent-activity panel.
func (s *Store) LevelCountsSince(ctx context.Context, since time.Time) ([]LevelCount, error) {
	counts := []LevelCount{}
	const q = `SELECT service_name, level, COUNT(*) AS count FROM log_entries
		WHERE timestamp >= $1 GROUP BY service_name, level`
	if err := s.db.SelectContext(ctx, &counts, q, since); err != nil {
		return nil, fmt.Errorf("aggregating log counts: %w", err)
	}
	return counts, nil
}

// DeleteOlderThan enforces retention: it removes log entries and metric
// samples older than the cutoff. Deletion is the only mutation the log table
// ever sees.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM log_entries WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired log entries: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM service_metrics WHERE timestamp < $1", cutoff); err != nil {
		return deleted, fmt.Errorf("deleting expired metrics: %w", err)
	}
	return deleted, nil
}

// RunRetention deletes expired rows once per period until the context ends.
func (s *Store) RunRetention(ctx context.Context, period, horizon time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.DeleteOlderThan(ctx, time.Now().Add(-horizon))
			if err != nil {
				logging.Error("LogStore", err, "Retention sweep failed")
				continue
			}
			if deleted > 0 {
				logging.Info("LogStore", "Retention removed %d expired log entries", deleted)
			}
		}
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
