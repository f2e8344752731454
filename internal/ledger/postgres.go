package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/celljobs/pkg/models"
)

// PostgresLedger implements Ledger using pgx/v5. Commit holds a row lock
// (SELECT ... FOR UPDATE) for the duration of the read-validate-write cycle.
type PostgresLedger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresLedger creates a new PostgresLedger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool, now: time.Now}
}

// Ping checks database connectivity.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

const jobColumns = `id, name, kind, status, progress_percent, current_step, input_path, output_location,
	parameters, result_summary, error_kind, error_detail, artifact_uri,
	elapsed_seconds, cpu_seconds, peak_memory_mb,
	submitted_at, started_at, completed_at, updated_at`

func (l *PostgresLedger) Insert(ctx context.Context, job *models.Job) (*models.Job, error) {
	if err := validateNew(job); err != nil {
		return nil, err
	}
	params := job.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	submitted := job.SubmittedAt
	if submitted.IsZero() {
		submitted = l.now().UTC()
	}

	row := l.pool.QueryRow(ctx,
		`INSERT INTO analysis_jobs (name, kind, status, input_path, parameters, submitted_at, updated_at)
		 VALUES ($1, $2, 'pending', $3, $4, $5, $5)
		 RETURNING `+jobColumns,
		job.Name, job.Kind, job.InputPath, []byte(params), submitted)
	out, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return out, nil
}

func (l *PostgresLedger) Load(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(l.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

func (l *PostgresLedger) Commit(ctx context.Context, id int64, d Delta) (*models.Job, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	next, err := d.Apply(current, l.now())
	if err != nil {
		return nil, fmt.Errorf("commit job %d: %w", id, err)
	}

	summary, err := marshalSummary(next.ResultSummary)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE analysis_jobs SET
		   status = $2, progress_percent = $3, current_step = $4, output_location = $5,
		   result_summary = $6, error_kind = $7, error_detail = $8, artifact_uri = $9,
		   elapsed_seconds = $10, cpu_seconds = $11, peak_memory_mb = $12,
		   started_at = $13, completed_at = $14, updated_at = $15
		 WHERE id = $1`,
		id, next.Status, next.ProgressPercent, next.CurrentStep, next.OutputLocation,
		summary, next.ErrorKind, next.ErrorDetail, next.ArtifactURI,
		next.Usage.ElapsedSeconds, next.Usage.CPUSeconds, next.Usage.PeakMemoryMB,
		next.StartedAt, next.CompletedAt, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return next, nil
}

func (l *PostgresLedger) ListByStatus(ctx context.Context, status string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE status = $1 ORDER BY id LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j       models.Job
		params  []byte
		summary []byte
	)
	err := row.Scan(&j.ID, &j.Name, &j.Kind, &j.Status, &j.ProgressPercent, &j.CurrentStep,
		&j.InputPath, &j.OutputLocation, &params, &summary, &j.ErrorKind, &j.ErrorDetail, &j.ArtifactURI,
		&j.Usage.ElapsedSeconds, &j.Usage.CPUSeconds, &j.Usage.PeakMemoryMB,
		&j.SubmittedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		j.Parameters = json.RawMessage(params)
	}
	if len(summary) > 0 {
		if j.ResultSummary, err = models.DecodeSummary(summary); err != nil {
			return nil, fmt.Errorf("decode result summary: %w", err)
		}
	}
	return &j, nil
}

func marshalSummary(summary map[string]any) ([]byte, error) {
	if summary == nil {
		return nil, nil
	}
	b, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode result summary: %w", err)
	}
	return b, nil
}
