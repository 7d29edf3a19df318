// Package postgres provides PostgreSQL-backed repositories for the sweep
// domain.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	"github.com/varlogsec/cbsweep/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// Ensure taskStore implements sweep.TaskRepository at compile time.
var _ sweep.TaskRepository = (*taskStore)(nil)

// taskStore implements sweep.TaskRepository. Task rows are created by the
// dashboard; the engine only reads them and flips individual fields, so
// every mutation here is a single-column UPDATE scoped by id.
type taskStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTaskStore creates a TaskRepository backed by PostgreSQL.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *taskStore {
	return &taskStore{pool: pool, tracer: tracer}
}

// GetTask retrieves one task by id.
func (s *taskStore) GetTask(ctx context.Context, id int64) (*sweep.Task, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("task_id", id),
	)

	var task *sweep.Task

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT task_id, command_id, name, owner, created_at,
			       COALESCE(expires_at, 'epoch'::timestamptz),
			       total_hosts, completed_hosts, active, worker_pid
			FROM task_history
			WHERE task_id = $1`, id)

		var (
			taskID, commandID              int64
			name, owner                    string
			createdAt, expiresAt           time.Time
			totalHosts, completed, workPID int
			active                         bool
		)
		if err := row.Scan(&taskID, &commandID, &name, &owner, &createdAt, &expiresAt,
			&totalHosts, &completed, &active, &workPID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return sweep.ErrTaskNotFound
			}
			return fmt.Errorf("GetTask query error: %w", err)
		}

		task = sweep.ReconstructTask(taskID, commandID, name, owner, createdAt, expiresAt,
			totalHosts, completed, active, workPID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// SetActive flips the task's active flag.
func (s *taskStore) SetActive(ctx context.Context, id int64, active bool) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("task_id", id),
		attribute.Bool("active", active),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_task_active", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `UPDATE task_history SET active = $2 WHERE task_id = $1`, id, active)
		if err != nil {
			return fmt.Errorf("SetActive update error: %w", err)
		}
		return nil
	})
}

// SetTotalHosts records the resolved host count for the run.
func (s *taskStore) SetTotalHosts(ctx context.Context, id int64, total int) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("task_id", id),
		attribute.Int("total_hosts", total),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_task_total_hosts", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `UPDATE task_history SET total_hosts = $2 WHERE task_id = $1`, id, total)
		if err != nil {
			return fmt.Errorf("SetTotalHosts update error: %w", err)
		}
		return nil
	})
}

// SetCompletedHosts records the aggregate completed-host counter.
func (s *taskStore) SetCompletedHosts(ctx context.Context, id int64, completed int) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("task_id", id),
		attribute.Int("completed_hosts", completed),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_task_completed_hosts", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `UPDATE task_history SET completed_hosts = $2 WHERE task_id = $1`, id, completed)
		if err != nil {
			return fmt.Errorf("SetCompletedHosts update error: %w", err)
		}
		return nil
	})
}

// SetWorkerPID records the engine process id driving the run.
func (s *taskStore) SetWorkerPID(ctx context.Context, id int64, pid int) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("task_id", id),
		attribute.Int("worker_pid", pid),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_task_worker_pid", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `UPDATE task_history SET worker_pid = $2 WHERE task_id = $1`, id, pid)
		if err != nil {
			return fmt.Errorf("SetWorkerPID update error: %w", err)
		}
		return nil
	})
}

// Ensure commandStore implements sweep.CommandRepository at compile time.
var _ sweep.CommandRepository = (*commandStore)(nil)

// commandStore implements sweep.CommandRepository.
type commandStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCommandStore creates a CommandRepository backed by PostgreSQL.
func NewCommandStore(pool *pgxpool.Pool, tracer trace.Tracer) *commandStore {
	return &commandStore{pool: pool, tracer: tracer}
}

// GetCommand retrieves one stored command spec by id.
func (s *commandStore) GetCommand(ctx context.Context, id int64) (*sweep.CommandSpec, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("command_id", id),
	)

	var spec *sweep.CommandSpec

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_command", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT command_id, command_type, command, output_file, device_type
			FROM sweep_commands
			WHERE command_id = $1`, id)

		var (
			commandID             int64
			rawType               int
			cmd, outFile, devType string
		)
		if err := row.Scan(&commandID, &rawType, &cmd, &outFile, &devType); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return sweep.ErrCommandNotFound
			}
			return fmt.Errorf("GetCommand query error: %w", err)
		}

		commandType, err := sweep.ParseCommandType(rawType)
		if err != nil {
			return fmt.Errorf("GetCommand: %w", err)
		}

		spec = sweep.NewCommandSpec(commandID, commandType, cmd, outFile, devType)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}
