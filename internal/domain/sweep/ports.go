package sweep

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned when a task id has no record.
var ErrTaskNotFound = errors.New("task not found")

// ErrCommandNotFound is returned when a command id has no record.
var ErrCommandNotFound = errors.New("command not found")

// ErrAlertNotFound is returned when an alert id has no record.
var ErrAlertNotFound = errors.New("alert not found")

// TaskRepository provides access to task records. All mutations are
// single-field, id-scoped updates so concurrent workers never perform a
// read-modify-write against the same document.
type TaskRepository interface {
	GetTask(ctx context.Context, id int64) (*Task, error)
	SetActive(ctx context.Context, id int64, active bool) error
	SetTotalHosts(ctx context.Context, id int64, total int) error
	SetCompletedHosts(ctx context.Context, id int64, completed int) error
	SetWorkerPID(ctx context.Context, id int64, pid int) error
}

// CommandRepository provides access to stored sweep command specs.
type CommandRepository interface {
	GetCommand(ctx context.Context, id int64) (*CommandSpec, error)
}

// ProgressRepository persists per-(task, host) sweep progress.
type ProgressRepository interface {
	// ListByTask returns every progress record for the task, in stable
	// hostname order.
	ListByTask(ctx context.Context, taskID int64) ([]HostProgress, error)

	// Seed bulk-inserts the initial records for a fresh run.
	Seed(ctx context.Context, records []HostProgress) error

	// SetStatus overwrites the status string for one host.
	SetStatus(ctx context.Context, taskID, deviceID int64, status string) error

	// SetComplete marks one host terminally complete and stamps the time.
	// Marking an already complete host is a no-op.
	SetComplete(ctx context.Context, taskID, deviceID int64, at time.Time) error

	// CountComplete returns the number of completed hosts for the task.
	CountComplete(ctx context.Context, taskID int64) (int, error)
}

// AlertRepository persists operator alerts. Ids are assigned by the store's
// native sequence, never computed by readers.
type AlertRepository interface {
	CreateAlert(ctx context.Context, alert *Alert) (int64, error)
	GetAlert(ctx context.Context, id int64) (*Alert, error)

	// MarkCompleted re-stamps a pre-created alert and activates it, used by
	// the inventory refresh engine on queue drain.
	MarkCompleted(ctx context.Context, id int64, at time.Time) error
}

// HostDirectory lists the local host directory a fresh sweep seeds from.
type HostDirectory interface {
	ListHosts(ctx context.Context) ([]DirectoryEntry, error)
}
