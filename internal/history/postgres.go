package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brandpulse/engine/internal/pipeline"
	"github.com/brandpulse/engine/internal/vault"
)

// Postgres persists records via pgx. Payload and result blobs pass through
// the sealer, so rows are unreadable without the master key when sealing is
// enabled.
//
// Schema (see scripts/migrations):
//
//	CREATE TABLE task_history (
//	    task_id VARCHAR(64) PRIMARY KEY,
//	    kind VARCHAR(64) NOT NULL,
//	    worker_type VARCHAR(64) NOT NULL,
//	    worker_id VARCHAR(128),
//	    priority VARCHAR(16) NOT NULL,
//	    status VARCHAR(16) NOT NULL,
//	    retry_count INT NOT NULL DEFAULT 0,
//	    payload TEXT,
//	    result TEXT,
//	    error TEXT,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    completed_at TIMESTAMPTZ,
//	    duration_ms BIGINT NOT NULL DEFAULT 0
//	);
//
//	CREATE TABLE metric_rollups (
//	    bucket TIMESTAMPTZ NOT NULL,
//	    worker_type VARCHAR(64) NOT NULL,
//	    kind VARCHAR(64) NOT NULL,
//	    completed BIGINT NOT NULL,
//	    failed BIGINT NOT NULL,
//	    avg_duration_ms DOUBLE PRECISION NOT NULL,
//	    PRIMARY KEY (bucket, worker_type, kind)
//	);
type Postgres struct {
	pool   *pgxpool.Pool
	sealer *vault.Sealer
}

func NewPostgres(pool *pgxpool.Pool, sealer *vault.Sealer) *Postgres {
	return &Postgres{pool: pool, sealer: sealer}
}

func (p *Postgres) RecordTask(ctx context.Context, rec TaskRecord) error {
	payload, err := p.sealer.Seal(rec.Payload)
	if err != nil {
		return fmt.Errorf("seal payload: %w", err)
	}
	result, err := p.sealer.Seal(rec.Result)
	if err != nil {
		return fmt.Errorf("seal result: %w", err)
	}

	var completedAt *time.Time
	if !rec.CompletedAt.IsZero() {
		completedAt = &rec.CompletedAt
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO task_history (
			task_id, kind, worker_type, worker_id, priority, status,
			retry_count, payload, result, error, created_at, completed_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (task_id) DO UPDATE SET
			worker_id = $4, status = $6, retry_count = $7,
			result = $9, error = $10, completed_at = $12, duration_ms = $13
	`,
		rec.TaskID,
		string(rec.Kind),
		string(rec.WorkerType),
		rec.WorkerID,
		string(rec.Priority),
		string(rec.Status),
		rec.RetryCount,
		payload,
		result,
		rec.Error,
		rec.CreatedAt,
		completedAt,
		rec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert task record %s: %w", rec.TaskID, err)
	}
	return nil
}

func (p *Postgres) RecordMetrics(ctx context.Context, rolls []MetricRollup) error {
	if len(rolls) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rollup tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, roll := range rolls {
		_, err := tx.Exec(ctx, `
			INSERT INTO metric_rollups (
				bucket, worker_type, kind, completed, failed, avg_duration_ms
			) VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (bucket, worker_type, kind) DO UPDATE SET
				completed = metric_rollups.completed + $4,
				failed = metric_rollups.failed + $5,
				avg_duration_ms = $6
		`,
			roll.Bucket,
			string(roll.WorkerType),
			string(roll.Kind),
			roll.Completed,
			roll.Failed,
			roll.AvgDurationMS,
		)
		if err != nil {
			return fmt.Errorf("insert rollup: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rollup tx: %w", err)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT task_id, kind, worker_type, worker_id, priority, status,
		       retry_count, payload, result, error, created_at, completed_at, duration_ms
		FROM task_history
		WHERE task_id = $1
	`, taskID)

	rec, err := p.scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get task record %s: %w", taskID, err)
	}
	return rec, nil
}

func (p *Postgres) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskRecord, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT task_id, kind, worker_type, worker_id, priority, status,
		       retry_count, payload, result, error, created_at, completed_at, duration_ms
		FROM task_history
	`)

	var args []any
	var conds []string
	if filter.WorkerType != "" {
		args = append(args, string(filter.WorkerType))
		conds = append(conds, fmt.Sprintf("worker_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	sb.WriteString(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)))

	rows, err := p.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list task records: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := p.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task records: %w", err)
	}
	return out, nil
}

func (p *Postgres) scanRecord(row pgx.Row) (*TaskRecord, error) {
	var rec TaskRecord
	var kind, workerType, priority, status string
	var payload, result string
	var completedAt *time.Time

	err := row.Scan(
		&rec.TaskID, &kind, &workerType, &rec.WorkerID, &priority, &status,
		&rec.RetryCount, &payload, &result, &rec.Error, &rec.CreatedAt,
		&completedAt, &rec.DurationMS,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = pipeline.TaskKind(kind)
	rec.WorkerType = pipeline.WorkerType(workerType)
	rec.Priority = pipeline.Priority(priority)
	rec.Status = pipeline.TaskStatus(status)
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}

	if payload != "" {
		opened, err := p.sealer.Open(payload)
		if err != nil {
			return nil, fmt.Errorf("open payload: %w", err)
		}
		rec.Payload = opened
	}
	if result != "" {
		opened, err := p.sealer.Open(result)
		if err != nil {
			return nil, fmt.Errorf("open result: %w", err)
		}
		rec.Result = opened
	}
	return &rec, nil
}
