// Package memory provides in-memory implementations of the sweep
// repositories, used by tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/varlogsec/cbsweep/internal/domain/sweep"
)

var (
	_ sweep.TaskRepository     = (*TaskStore)(nil)
	_ sweep.CommandRepository  = (*CommandStore)(nil)
	_ sweep.ProgressRepository = (*ProgressStore)(nil)
	_ sweep.AlertRepository    = (*AlertStore)(nil)
)

// TaskStore is a thread-safe in-memory sweep.TaskRepository.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[int64]*sweep.Task
}

// NewTaskStore creates an empty task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[int64]*sweep.Task)}
}

// PutTask adds or replaces a task record.
func (s *TaskStore) PutTask(task *sweep.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID()] = task
}

// GetTask retrieves a task by id.
func (s *TaskStore) GetTask(_ context.Context, id int64) (*sweep.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, sweep.ErrTaskNotFound
	}
	return task, nil
}

func (s *TaskStore) update(id int64, fn func(t *sweep.Task) *sweep.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return sweep.ErrTaskNotFound
	}
	s.tasks[id] = fn(task)
	return nil
}

// SetActive updates the task's active flag.
func (s *TaskStore) SetActive(_ context.Context, id int64, active bool) error {
	return s.update(id, func(t *sweep.Task) *sweep.Task {
		return sweep.ReconstructTask(t.ID(), t.CommandID(), t.Name(), t.Owner(),
			t.CreatedAt(), t.ExpiresAt(), t.TotalHosts(), t.CompletedHosts(), active, t.WorkerPID())
	})
}

// SetTotalHosts updates the task's total host count.
func (s *TaskStore) SetTotalHosts(_ context.Context, id int64, total int) error {
	return s.update(id, func(t *sweep.Task) *sweep.Task {
		return sweep.ReconstructTask(t.ID(), t.CommandID(), t.Name(), t.Owner(),
			t.CreatedAt(), t.ExpiresAt(), total, t.CompletedHosts(), t.Active(), t.WorkerPID())
	})
}

// SetCompletedHosts updates the task's completed host count.
func (s *TaskStore) SetCompletedHosts(_ context.Context, id int64, completed int) error {
	return s.update(id, func(t *sweep.Task) *sweep.Task {
		return sweep.ReconstructTask(t.ID(), t.CommandID(), t.Name(), t.Owner(),
			t.CreatedAt(), t.ExpiresAt(), t.TotalHosts(), completed, t.Active(), t.WorkerPID())
	})
}

// SetWorkerPID records the engine process id driving the run.
func (s *TaskStore) SetWorkerPID(_ context.Context, id int64, pid int) error {
	return s.update(id, func(t *sweep.Task) *sweep.Task {
		return sweep.ReconstructTask(t.ID(), t.CommandID(), t.Name(), t.Owner(),
			t.CreatedAt(), t.ExpiresAt(), t.TotalHosts(), t.CompletedHosts(), t.Active(), pid)
	})
}

// CommandStore is a thread-safe in-memory sweep.CommandRepository.
type CommandStore struct {
	mu       sync.Mutex
	commands map[int64]*sweep.CommandSpec
}

// NewCommandStore creates an empty command store.
func NewCommandStore() *CommandStore {
	return &CommandStore{commands: make(map[int64]*sweep.CommandSpec)}
}

// PutCommand adds or replaces a command spec.
func (s *CommandStore) PutCommand(cmd *sweep.CommandSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.ID()] = cmd
}

// GetCommand retrieves a command spec by id.
func (s *CommandStore) GetCommand(_ context.Context, id int64) (*sweep.CommandSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, sweep.ErrCommandNotFound
	}
	return cmd, nil
}

type progressKey struct {
	taskID   int64
	deviceID int64
}

// ProgressStore is a thread-safe in-memory sweep.ProgressRepository.
type ProgressStore struct {
	mu      sync.Mutex
	records map[progressKey]sweep.HostProgress
}

// NewProgressStore creates an empty progress store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{records: make(map[progressKey]sweep.HostProgress)}
}

// ListByTask returns every progress record for the task in hostname order.
func (s *ProgressStore) ListByTask(_ context.Context, taskID int64) ([]sweep.HostProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []sweep.HostProgress
	for key, rec := range s.records {
		if key.taskID == taskID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname() < out[j].Hostname() })
	return out, nil
}

// Seed inserts initial records, skipping (task, device) pairs already present.
func (s *ProgressStore) Seed(_ context.Context, records []sweep.HostProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		key := progressKey{taskID: rec.TaskID(), deviceID: rec.DeviceID()}
		if _, exists := s.records[key]; exists {
			continue
		}
		s.records[key] = rec
	}
	return nil
}

// SetStatus overwrites the status string for one host.
func (s *ProgressStore) SetStatus(_ context.Context, taskID, deviceID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey{taskID: taskID, deviceID: deviceID}
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	s.records[key] = sweep.ReconstructHostProgress(
		rec.TaskID(), rec.Hostname(), rec.DeviceID(), rec.Complete(), status, rec.CompletedAt())
	return nil
}

// SetComplete marks one host complete; already complete hosts are untouched.
func (s *ProgressStore) SetComplete(_ context.Context, taskID, deviceID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := progressKey{taskID: taskID, deviceID: deviceID}
	rec, ok := s.records[key]
	if !ok || rec.Complete() {
		return nil
	}
	s.records[key] = sweep.ReconstructHostProgress(
		rec.TaskID(), rec.Hostname(), rec.DeviceID(), true, rec.Status(), at)
	return nil
}

// CountComplete returns the number of completed hosts for the task.
func (s *ProgressStore) CountComplete(_ context.Context, taskID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key, rec := range s.records {
		if key.taskID == taskID && rec.Complete() {
			count++
		}
	}
	return count, nil
}

// AlertStore is a thread-safe in-memory sweep.AlertRepository. Alert ids are
// assigned from a store-owned sequence under the mutex.
type AlertStore struct {
	mu     sync.Mutex
	nextID int64
	alerts map[int64]*sweep.Alert
}

// NewAlertStore creates an empty alert store.
func NewAlertStore() *AlertStore {
	return &AlertStore{nextID: 1, alerts: make(map[int64]*sweep.Alert)}
}

// CreateAlert persists a new alert and returns its assigned id.
func (s *AlertStore) CreateAlert(_ context.Context, alert *sweep.Alert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.alerts[id] = sweep.ReconstructAlert(
		id, alert.Owner(), alert.Message(), alert.Active(), alert.CreatedAt(), alert.MessageDate())
	return id, nil
}

// GetAlert retrieves one alert by id.
func (s *AlertStore) GetAlert(_ context.Context, id int64) (*sweep.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, sweep.ErrAlertNotFound
	}
	return alert, nil
}

// MarkCompleted re-stamps a pre-created alert and activates it.
func (s *AlertStore) MarkCompleted(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return sweep.ErrAlertNotFound
	}
	s.alerts[id] = sweep.ReconstructAlert(
		id, alert.Owner(), alert.Message(), true, at, sweep.FormatMessageDate(at))
	return nil
}

// Alerts returns a snapshot of all stored alerts in id order.
func (s *AlertStore) Alerts() []*sweep.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sweep.Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
