// Package report persists run reports to sqlite so operators can compare
// harvests over time. Persistence is optional; the pipeline itself never
// reads this store (each run starts cold).
package report

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/geoharvest/stacharvest/pkg/pipeline"
)

type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the report database at path.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  id          INTEGER PRIMARY KEY,
  provider    TEXT NOT NULL,
  started_at  DATETIME NOT NULL,
  elapsed_ms  INTEGER NOT NULL,
  discovered  INTEGER NOT NULL,
  fetched     INTEGER NOT NULL,
  harmonized  INTEGER NOT NULL,
  fatal       TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_provider ON runs(provider, started_at);
CREATE TABLE IF NOT EXISTS run_failures (
  id      INTEGER PRIMARY KEY,
  run_id  INTEGER NOT NULL REFERENCES runs(id),
  item    TEXT NOT NULL,
  reason  TEXT NOT NULL,
  detail  TEXT
);
CREATE INDEX IF NOT EXISTS idx_failures_run ON run_failures(run_id);
	`); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// SaveRun stores one provider report and its enumerated failures.
func (d *DB) SaveRun(ctx context.Context, r *pipeline.Report) (err error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var fatal sql.NullString
	if r.Err != nil {
		fatal = sql.NullString{String: r.Err.Error(), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs(provider, started_at, elapsed_ms, discovered, fetched, harmonized, fatal) VALUES(?,?,?,?,?,?,?)`,
		r.Provider, r.StartedAt, r.Elapsed.Milliseconds(), r.Discovered, r.Fetched, r.Harmonized, fatal)
	if err != nil {
		return err
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, f := range r.Failures {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO run_failures(run_id, item, reason, detail) VALUES(?,?,?,?)`,
			runID, f.Item, string(f.Reason), f.Detail); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunSummary is one persisted run row.
type RunSummary struct {
	ID         int64
	Provider   string
	StartedAt  time.Time
	Discovered int
	Fetched    int
	Harmonized int
	Fatal      string
}

// RecentRuns lists the latest runs for a provider, newest first.
func (d *DB) RecentRuns(ctx context.Context, provider string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id, provider, started_at, discovered, fetched, harmonized, COALESCE(fatal, '')
		 FROM runs WHERE provider = ? ORDER BY started_at DESC LIMIT ?`, provider, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.ID, &s.Provider, &s.StartedAt, &s.Discovered, &s.Fetched, &s.Harmonized, &s.Fatal); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FailureCount returns how many failures a stored run recorded.
func (d *DB) FailureCount(ctx context.Context, runID int64) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_failures WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
