package engine

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// defaultMetricsLimit caps unbounded metric listings.
const defaultMetricsLimit = 1000

// SyncRecord is one completed sync action.
type SyncRecord struct {
	ID          string        `json:"id"`
	Path        string        `json:"path"`
	Strategy    string        `json:"strategy"`
	Priority    int           `json:"priority"`
	BytesCopied int64         `json:"bytes_copied"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// RecoveryRecord is one executed recovery plan outcome.
type RecoveryRecord struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	ErrorID     string    `json:"error_id"`
	PhasesRun   string    `json:"phases_run"` // comma-joined phase ids
	Succeeded   bool      `json:"succeeded"`
	CompletedAt time.Time `json:"completed_at"`
}

// Metrics is the observability view returned by Engine.GetMetrics.
type Metrics struct {
	Syncs      []SyncRecord     `json:"syncs"`
	Recoveries []RecoveryRecord `json:"recoveries"`
	Counters   map[string]int64 `json:"counters"`
}

// Ledger persists sync and recovery outcomes in an embedded SQLite
// database (WAL mode) and doubles as the delta tracker's counter sink.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger

	insertSync     *sql.Stmt
	insertRecovery *sql.Stmt
	bumpCounter    *sql.Stmt
}

// NewLedger opens (or creates) the metrics database at dbPath and runs
// migrations. Use ":memory:" for tests.
func NewLedger(dbPath string, logger *slog.Logger) (*Ledger, error) {
	logger.Info("opening metrics ledger", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("engine: opening ledger: %w", err)
	}

	// An in-memory database exists per connection, so the pool must not
	// grow past one.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: enabling WAL: %w", err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	l := &Ledger{db: db, logger: logger}
	if err := l.prepare(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return l, nil
}

// runMigrations applies pending schema migrations via the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("engine: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("engine: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("engine: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (l *Ledger) prepare(ctx context.Context) error {
	var err error

	l.insertSync, err = l.db.PrepareContext(ctx,
		`INSERT INTO syncs (id, path, strategy, priority, bytes_copied, duration_ms, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("engine: preparing sync insert: %w", err)
	}

	l.insertRecovery, err = l.db.PrepareContext(ctx,
		`INSERT INTO recoveries (id, path, error_id, phases_run, succeeded, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("engine: preparing recovery insert: %w", err)
	}

	l.bumpCounter, err = l.db.PrepareContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1`)
	if err != nil {
		return fmt.Errorf("engine: preparing counter upsert: %w", err)
	}

	return nil
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordSync appends one sync outcome.
func (l *Ledger) RecordSync(ctx context.Context, rec *SyncRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	_, err := l.insertSync.ExecContext(ctx,
		rec.ID, rec.Path, rec.Strategy, rec.Priority,
		rec.BytesCopied, rec.Duration.Milliseconds(), rec.CompletedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("engine: recording sync for %s: %w", rec.Path, err)
	}

	return nil
}

// RecordRecovery appends one recovery outcome.
func (l *Ledger) RecordRecovery(ctx context.Context, rec *RecoveryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	succeeded := 0
	if rec.Succeeded {
		succeeded = 1
	}

	_, err := l.insertRecovery.ExecContext(ctx,
		rec.ID, rec.Path, rec.ErrorID, rec.PhasesRun, succeeded, rec.CompletedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("engine: recording recovery for %s: %w", rec.Path, err)
	}

	return nil
}

// Observe implements delta.Sink by bumping a named counter. Errors are
// logged, not returned; a metrics write must never fail a sync.
func (l *Ledger) Observe(metric string) {
	if _, err := l.bumpCounter.Exec(metric); err != nil {
		l.logger.Warn("counter update failed",
			slog.String("metric", metric),
			slog.String("error", err.Error()),
		)
	}
}

// ListSyncs returns the most recent sync records, newest first.
func (l *Ledger) ListSyncs(ctx context.Context, limit int) ([]SyncRecord, error) {
	if limit <= 0 {
		limit = defaultMetricsLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, path, strategy, priority, bytes_copied, duration_ms, completed_at
		 FROM syncs ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: listing syncs: %w", err)
	}
	defer rows.Close()

	var out []SyncRecord

	for rows.Next() {
		var (
			rec        SyncRecord
			durationMs int64
			completed  int64
		)

		if err := rows.Scan(&rec.ID, &rec.Path, &rec.Strategy, &rec.Priority,
			&rec.BytesCopied, &durationMs, &completed); err != nil {
			return nil, fmt.Errorf("engine: scanning sync row: %w", err)
		}

		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.CompletedAt = time.Unix(0, completed).UTC()
		out = append(out, rec)
	}

	return out, rows.Err()
}

// ListRecoveries returns the most recent recovery records, newest first.
func (l *Ledger) ListRecoveries(ctx context.Context, limit int) ([]RecoveryRecord, error) {
	if limit <= 0 {
		limit = defaultMetricsLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, path, error_id, phases_run, succeeded, completed_at
		 FROM recoveries ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: listing recoveries: %w", err)
	}
	defer rows.Close()

	var out []RecoveryRecord

	for rows.Next() {
		var (
			rec       RecoveryRecord
			succeeded int
			completed int64
		)

		if err := rows.Scan(&rec.ID, &rec.Path, &rec.ErrorID, &rec.PhasesRun,
			&succeeded, &completed); err != nil {
			return nil, fmt.Errorf("engine: scanning recovery row: %w", err)
		}

		rec.Succeeded = succeeded != 0
		rec.CompletedAt = time.Unix(0, completed).UTC()
		out = append(out, rec)
	}

	return out, rows.Err()
}

// Counters returns all counter values.
func (l *Ledger) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("engine: listing counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)

	for rows.Next() {
		var (
			name  string
			value int64
		)

		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("engine: scanning counter row: %w", err)
		}

		out[name] = value
	}

	return out, rows.Err()
}
