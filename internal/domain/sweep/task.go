// Package sweep contains the domain model for remote sweep execution:
// tasks, command specifications, per-host progress and operator alerts.
package sweep

import "time"

// Task represents one sweep or refresh run. Tasks are created by the
// dashboard before the engine starts; the engine mutates per-run fields
// (active, total_hosts, completed_hosts, worker_pid) with single-field
// updates so a killed run never leaves a torn record.
type Task struct {
	id             int64
	commandID      int64
	name           string
	owner          string
	createdAt      time.Time
	expiresAt      time.Time
	totalHosts     int
	completedHosts int
	active         bool
	workerPID      int
}

// ReconstructTask creates a Task from persisted data. It should only be used
// by repositories when hydrating from storage.
func ReconstructTask(
	id int64,
	commandID int64,
	name string,
	owner string,
	createdAt time.Time,
	expiresAt time.Time,
	totalHosts int,
	completedHosts int,
	active bool,
	workerPID int,
) *Task {
	return &Task{
		id:             id,
		commandID:      commandID,
		name:           name,
		owner:          owner,
		createdAt:      createdAt,
		expiresAt:      expiresAt,
		totalHosts:     totalHosts,
		completedHosts: completedHosts,
		active:         active,
		workerPID:      workerPID,
	}
}

// ID returns the store-assigned task identifier.
func (t *Task) ID() int64 { return t.id }

// CommandID returns the identifier of the command spec this task runs.
// It is zero for inventory refresh tasks.
func (t *Task) CommandID() int64 { return t.commandID }

// Name returns the operator-facing sweep name.
func (t *Task) Name() string { return t.name }

// Owner returns the identity that created the task.
func (t *Task) Owner() string { return t.owner }

// CreatedAt returns the task creation time.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// ExpiresAt returns the task expiration time.
func (t *Task) ExpiresAt() time.Time { return t.expiresAt }

// TotalHosts returns the number of hosts in scope for this run.
func (t *Task) TotalHosts() int { return t.totalHosts }

// CompletedHosts returns the number of hosts that reached a completed state.
func (t *Task) CompletedHosts() int { return t.completedHosts }

// Active reports whether the run is still considered live.
func (t *Task) Active() bool { return t.active }

// WorkerPID returns the OS process id of the engine process driving the run,
// recorded so the dashboard's stop/restart action can signal it.
func (t *Task) WorkerPID() int { return t.workerPID }
