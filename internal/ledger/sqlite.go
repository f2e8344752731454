package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/celljobs/pkg/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	name             TEXT    NOT NULL DEFAULT '',
	kind             TEXT    NOT NULL,
	status           TEXT    NOT NULL DEFAULT 'pending',
	progress_percent INTEGER NOT NULL DEFAULT 0,
	current_step     TEXT    NOT NULL DEFAULT '',
	input_path       TEXT    NOT NULL,
	output_location  TEXT    NOT NULL DEFAULT '',
	parameters       TEXT    NOT NULL DEFAULT '{}',
	result_summary   TEXT,
	error_kind       TEXT    NOT NULL DEFAULT '',
	error_detail     TEXT    NOT NULL DEFAULT '',
	artifact_uri     TEXT    NOT NULL DEFAULT '',
	elapsed_seconds  REAL    NOT NULL DEFAULT 0,
	cpu_seconds      REAL    NOT NULL DEFAULT 0,
	peak_memory_mb   REAL    NOT NULL DEFAULT 0,
	submitted_at     TEXT    NOT NULL,
	started_at       TEXT,
	completed_at     TEXT,
	updated_at       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs (status);
`

// SQLiteLedger implements Ledger on a single SQLite file for single-node
// deployments. One connection is kept open, which serializes every commit.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
// path may be a plain file path, a file: URI, or ":memory:".
func OpenSQLite(ctx context.Context, path string) (*SQLiteLedger, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}
	if path != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

const sqliteColumns = `id, name, kind, status, progress_percent, current_step, input_path, output_location,
	parameters, result_summary, error_kind, error_detail, artifact_uri,
	elapsed_seconds, cpu_seconds, peak_memory_mb,
	submitted_at, started_at, completed_at, updated_at`

func (l *SQLiteLedger) Insert(ctx context.Context, job *models.Job) (*models.Job, error) {
	if err := validateNew(job); err != nil {
		return nil, err
	}
	params := string(job.Parameters)
	if params == "" {
		params = "{}"
	}
	submitted := job.SubmittedAt
	if submitted.IsZero() {
		submitted = l.now()
	}
	ts := formatTime(submitted)

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO analysis_jobs (name, kind, status, input_path, parameters, submitted_at, updated_at)
		 VALUES (?, ?, 'pending', ?, ?, ?, ?)`,
		job.Name, job.Kind, job.InputPath, params, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return l.Load(ctx, id)
}

func (l *SQLiteLedger) Load(ctx context.Context, id int64) (*models.Job, error) {
	return loadSQLite(ctx, l.db, id)
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSQLite(ctx context.Context, q sqlQueryer, id int64) (*models.Job, error) {
	job, err := scanSQLiteJob(q.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM analysis_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

func (l *SQLiteLedger) Commit(ctx context.Context, id int64, d Delta) (*models.Job, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	current, err := loadSQLite(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	next, err := d.Apply(current, l.now())
	if err != nil {
		return nil, fmt.Errorf("commit job %d: %w", id, err)
	}

	summary, err := marshalSummary(next.ResultSummary)
	if err != nil {
		return nil, err
	}
	var summaryArg any
	if summary != nil {
		summaryArg = string(summary)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE analysis_jobs SET
		   status = ?, progress_percent = ?, current_step = ?, output_location = ?,
		   result_summary = ?, error_kind = ?, error_detail = ?, artifact_uri = ?,
		   elapsed_seconds = ?, cpu_seconds = ?, peak_memory_mb = ?,
		   started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ?`,
		next.Status, next.ProgressPercent, next.CurrentStep, next.OutputLocation,
		summaryArg, next.ErrorKind, next.ErrorDetail, next.ArtifactURI,
		next.Usage.ElapsedSeconds, next.Usage.CPUSeconds, next.Usage.PeakMemoryMB,
		formatTimePtr(next.StartedAt), formatTimePtr(next.CompletedAt), formatTime(next.UpdatedAt),
		id)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return next, nil
}

func (l *SQLiteLedger) ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM analysis_jobs WHERE status = ? ORDER BY id LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row sqlScanner) (*models.Job, error) {
	var (
		j                  models.Job
		params             string
		summary            sql.NullString
		submitted, updated string
		started, completed sql.NullString
	)
	err := row.Scan(&j.ID, &j.Name, &j.Kind, &j.Status, &j.ProgressPercent, &j.CurrentStep,
		&j.InputPath, &j.OutputLocation, &params, &summary, &j.ErrorKind, &j.ErrorDetail, &j.ArtifactURI,
		&j.Usage.ElapsedSeconds, &j.Usage.CPUSeconds, &j.Usage.PeakMemoryMB,
		&submitted, &started, &completed, &updated)
	if err != nil {
		return nil, err
	}
	j.Parameters = json.RawMessage(params)
	if summary.Valid && summary.String != "" {
		if j.ResultSummary, err = models.DecodeSummary([]byte(summary.String)); err != nil {
			return nil, fmt.Errorf("decode result summary: %w", err)
		}
	}
	if j.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if j.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
