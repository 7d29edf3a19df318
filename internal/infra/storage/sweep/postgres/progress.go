package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	"github.com/varlogsec/cbsweep/internal/infra/storage"
)

// Ensure progressStore implements sweep.ProgressRepository at compile time.
var _ sweep.ProgressRepository = (*progressStore)(nil)

// progressStore implements sweep.ProgressRepository over the sweep_log
// table. Rows are keyed by (task_id, device_id); the engine is the only
// writer during a run.
type progressStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewProgressStore creates a ProgressRepository backed by PostgreSQL.
func NewProgressStore(pool *pgxpool.Pool, tracer trace.Tracer) *progressStore {
	return &progressStore{pool: pool, tracer: tracer}
}

// ListByTask returns every progress record for the task in hostname order.
func (s *progressStore) ListByTask(ctx context.Context, taskID int64) ([]sweep.HostProgress, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("task_id", taskID),
	)

	var records []sweep.HostProgress

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_sweep_progress", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT task_id, hostname, device_id, complete, status,
			       COALESCE(completed_at, 'epoch'::timestamptz)
			FROM sweep_log
			WHERE task_id = $1
			ORDER BY hostname`, taskID)
		if err != nil {
			return fmt.Errorf("ListByTask query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				tid, deviceID int64
				hostname      string
				complete      bool
				status        string
				completedAt   time.Time
			)
			if err := rows.Scan(&tid, &hostname, &deviceID, &complete, &status, &completedAt); err != nil {
				return fmt.Errorf("ListByTask scan error: %w", err)
			}
			records = append(records, sweep.ReconstructHostProgress(tid, hostname, deviceID, complete, status, completedAt))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Seed bulk-inserts the initial progress records for a fresh run.
func (s *progressStore) Seed(ctx context.Context, records []sweep.HostProgress) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("record_count", len(records)),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.seed_sweep_progress", dbAttrs, func(ctx context.Context) error {
		batch := new(pgx.Batch)
		for _, r := range records {
			batch.Queue(`
				INSERT INTO sweep_log (task_id, device_id, hostname, complete, status)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (task_id, device_id) DO NOTHING`,
				r.TaskID(), r.DeviceID(), r.Hostname(), r.Complete(), r.Status())
		}

		results := s.pool.SendBatch(ctx, batch)
		defer results.Close()

		for range records {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("Seed insert error: %w", err)
			}
		}
		return nil
	})
}

// SetStatus overwrites the status string for one host.
func (s *progressStore) SetStatus(ctx context.Context, taskID, deviceID int64, status string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("task_id", taskID),
		attribute.Int64("device_id", deviceID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_sweep_progress_status", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE sweep_log SET status = $3
			WHERE task_id = $1 AND device_id = $2`, taskID, deviceID, status)
		if err != nil {
			return fmt.Errorf("SetStatus update error: %w", err)
		}
		return nil
	})
}

// SetComplete marks one host terminally complete. Re-marking a completed
// host leaves the original completion time in place.
func (s *progressStore) SetComplete(ctx context.Context, taskID, deviceID int64, at time.Time) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("task_id", taskID),
		attribute.Int64("device_id", deviceID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_sweep_progress_complete", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE sweep_log SET complete = TRUE, completed_at = $3
			WHERE task_id = $1 AND device_id = $2 AND complete = FALSE`, taskID, deviceID, at)
		if err != nil {
			return fmt.Errorf("SetComplete update error: %w", err)
		}
		return nil
	})
}

// CountComplete returns the number of completed hosts for the task.
func (s *progressStore) CountComplete(ctx context.Context, taskID int64) (int, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("task_id", taskID),
	)

	var count int

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.count_sweep_progress_complete", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM sweep_log
			WHERE task_id = $1 AND complete = TRUE`, taskID)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("CountComplete query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
