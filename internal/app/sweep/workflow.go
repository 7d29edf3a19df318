package sweep

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/varlogsec/cbsweep/internal/app/workqueue"
	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	"github.com/varlogsec/cbsweep/internal/infra/vendorapi"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
	"github.com/varlogsec/cbsweep/pkg/common/timeutil"
)

// remoteStagingDir is where uploaded files land on the target host.
const remoteStagingDir = `C:\Windows\Temp\`

// VendorAPI is the slice of the vendor client the workflow drives.
type VendorAPI interface {
	OpenSession(ctx context.Context, deviceID int64) (vendorapi.Session, error)
	SessionStatus(ctx context.Context, sessionID string) (vendorapi.Session, error)
	CloseSession(ctx context.Context, sessionID string) error
	ExecuteCommand(ctx context.Context, sessionID, command string) (string, error)
	CommandStatus(ctx context.Context, sessionID, commandID string) (vendorapi.CommandState, error)
	RequestFile(ctx context.Context, sessionID, remotePath string) (string, error)
	DeleteFile(ctx context.Context, sessionID, remotePath string) error
	UploadFile(ctx context.Context, sessionID, localPath string) (string, error)
	PutFile(ctx context.Context, sessionID, fileID, remotePath string) (string, error)
	DownloadFile(ctx context.Context, sessionID, fileID string, w io.Writer) error
	DeviceLastReported(ctx context.Context, deviceID int64) (time.Time, bool, error)
}

// CommandPlan is the per-run resolution of a command spec against the
// launcher's arguments: what to execute, what to collect and what to upload.
type CommandPlan struct {
	Type       sweep.CommandType
	Command    string // command line for types run-and-collect and upload-and-run
	RemoteFile string // host-side file collected by types run-and-collect and collect-only
	UploadPath string // local file uploaded by type upload-and-run
}

// StagedRemotePath is where the uploaded file lands on the host.
func (p CommandPlan) StagedRemotePath() string {
	return remoteStagingDir + filepath.Base(p.UploadPath)
}

// BuildCommandPlan combines a stored command spec with the launcher's
// optional input file and command arguments.
func BuildCommandPlan(spec *sweep.CommandSpec, inputFile, command string) (CommandPlan, error) {
	switch spec.Type() {
	case sweep.CommandTypeRunAndCollect:
		return CommandPlan{Type: spec.Type(), Command: spec.Command(), RemoteFile: spec.OutputFile()}, nil

	case sweep.CommandTypeUploadAndRun:
		if inputFile == "" || command == "" {
			return CommandPlan{}, fmt.Errorf("command type %s requires an input file and a command", spec.Type())
		}
		return CommandPlan{Type: spec.Type(), Command: command, UploadPath: inputFile}, nil

	case sweep.CommandTypeCollectOnly:
		if inputFile == "" {
			return CommandPlan{}, fmt.Errorf("command type %s requires an input file", spec.Type())
		}
		return CommandPlan{Type: spec.Type(), RemoteFile: inputFile}, nil

	default:
		return CommandPlan{}, fmt.Errorf("%w: %d", sweep.ErrCommandTypeUnknown, int(spec.Type()))
	}
}

// WorkflowConfig carries the tunables of the per-host workflow.
type WorkflowConfig struct {
	// MinCheckInHours is the freshness gate: hosts whose last check-in is
	// older than this many hours are deferred rather than contacted.
	MinCheckInHours int

	// WaitingPeriod bounds each polling loop (session active, command
	// complete) in wall-clock time.
	WaitingPeriod time.Duration

	// PollInterval is the sleep between polls.
	PollInterval time.Duration

	// OutputDir is the local root collected files are written under.
	OutputDir string
}

// SessionWorkflow performs the full live response exchange with one host:
// freshness gate, session establishment, the command-type action sequence
// and session teardown. Its Execute method is the worker pool's ProcessFunc.
type SessionWorkflow struct {
	api      VendorAPI
	reporter *ProgressReporter
	metrics  Metrics

	cfg      WorkflowConfig
	taskID   int64
	taskName string
	plan     CommandPlan

	clock  timeutil.Provider
	logger *logger.Logger
	tracer trace.Tracer
}

// NewSessionWorkflow creates a SessionWorkflow for one task run.
func NewSessionWorkflow(
	api VendorAPI,
	reporter *ProgressReporter,
	metrics Metrics,
	cfg WorkflowConfig,
	taskID int64,
	taskName string,
	plan CommandPlan,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *SessionWorkflow {
	return &SessionWorkflow{
		api:      api,
		reporter: reporter,
		metrics:  metrics,
		cfg:      cfg,
		taskID:   taskID,
		taskName: taskName,
		plan:     plan,
		clock:    clock,
		logger:   log.With("component", "session_workflow", "task_id", taskID),
		tracer:   tracer,
	}
}

// Execute processes one host. Failed attempts set the host's status string
// and return Retry so the pool requeues the host and charges the error
// budget; hosts gated on check-in freshness return Defer and charge nothing.
func (w *SessionWorkflow) Execute(ctx context.Context, item sweep.HostWorkItem, attempt int) workqueue.Disposition {
	log := logger.NewLoggerContext(w.logger.With(
		"hostname", item.Hostname,
		"device_id", item.DeviceID,
		"attempt", attempt,
	))

	ctx, span := w.tracer.Start(ctx, "session_workflow.execute",
		trace.WithAttributes(
			attribute.Int64("task_id", w.taskID),
			attribute.String("hostname", item.Hostname),
			attribute.Int64("device_id", item.DeviceID),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	lastReported, ok, err := w.api.DeviceLastReported(ctx, item.DeviceID)
	if err != nil {
		log.Error(ctx, "failed to fetch last reported time", "error", err)
		return workqueue.Retry
	}
	if !ok {
		w.setStatus(ctx, log, item, sweep.StatusNoLastReported)
		w.metrics.IncHostsDeferred(ctx)
		return workqueue.Defer
	}

	elapsedHours := int(w.clock.Now().UTC().Sub(lastReported).Hours())
	if elapsedHours > w.cfg.MinCheckInHours {
		w.setStatus(ctx, log, item, sweep.StatusOutsideCheckIn)
		w.metrics.IncHostsDeferred(ctx)
		return workqueue.Defer
	}

	sessionID, ok := w.openSession(ctx, log, item.DeviceID)
	if !ok {
		w.setStatus(ctx, log, item, sweep.StatusSessionFailed)
		w.metrics.IncSessionFailures(ctx)
		return workqueue.Retry
	}
	w.metrics.IncSessionsOpened(ctx)
	log.Add("session_id", sessionID)

	// The session is torn down whatever the action sequence did; leaked
	// sessions count against the tenant's concurrent session quota.
	defer func() {
		if err := w.api.CloseSession(ctx, sessionID); err != nil {
			log.Warn(ctx, "failed to close session", "error", err)
		}
	}()

	switch w.plan.Type {
	case sweep.CommandTypeRunAndCollect:
		return w.runAndCollect(ctx, log, item, sessionID)
	case sweep.CommandTypeUploadAndRun:
		return w.uploadAndRun(ctx, log, item, sessionID)
	case sweep.CommandTypeCollectOnly:
		return w.collectOnly(ctx, log, item, sessionID)
	default:
		log.Error(ctx, "unknown command type", "command_type", int(w.plan.Type))
		return workqueue.Retry
	}
}

// runAndCollect executes the planned command and collects the file it
// produces. The produced file is removed from the host whether or not the
// collection succeeded.
func (w *SessionWorkflow) runAndCollect(ctx context.Context, log *logger.LoggerContext, item sweep.HostWorkItem, sessionID string) workqueue.Disposition {
	if !w.runCommand(ctx, log, sessionID) {
		w.setStatus(ctx, log, item, sweep.StatusCommandFailed)
		return workqueue.Retry
	}

	collected := w.collectFile(ctx, log, item.Hostname, sessionID)
	w.deleteRemote(ctx, log, sessionID, w.plan.RemoteFile)

	if !collected {
		w.setStatus(ctx, log, item, sweep.StatusCollectAfterRunFailed)
		return workqueue.Retry
	}
	return w.succeed(ctx, log, item, sweep.StatusResultsCollected)
}

// uploadAndRun stages the planned file on the host and executes the planned
// command against it. The staged file is removed only after a successful
// execution, matching the retry expectation that a requeued attempt
// re-uploads it.
func (w *SessionWorkflow) uploadAndRun(ctx context.Context, log *logger.LoggerContext, item sweep.HostWorkItem, sessionID string) workqueue.Disposition {
	if !w.uploadAndPlace(ctx, log, sessionID) {
		w.setStatus(ctx, log, item, sweep.StatusUploadFailed)
		return workqueue.Retry
	}

	if !w.runCommand(ctx, log, sessionID) {
		w.setStatus(ctx, log, item, sweep.StatusCommandFailed)
		return workqueue.Retry
	}

	w.deleteRemote(ctx, log, sessionID, w.plan.StagedRemotePath())
	return w.succeed(ctx, log, item, sweep.StatusUploadedAndRan)
}

// collectOnly collects an existing file from the host and removes it.
func (w *SessionWorkflow) collectOnly(ctx context.Context, log *logger.LoggerContext, item sweep.HostWorkItem, sessionID string) workqueue.Disposition {
	collected := w.collectFile(ctx, log, item.Hostname, sessionID)
	w.deleteRemote(ctx, log, sessionID, w.plan.RemoteFile)

	if !collected {
		w.setStatus(ctx, log, item, sweep.StatusCollectFailed)
		return workqueue.Retry
	}
	return w.succeed(ctx, log, item, sweep.StatusResultsCollected)
}

func (w *SessionWorkflow) succeed(ctx context.Context, log *logger.LoggerContext, item sweep.HostWorkItem, status string) workqueue.Disposition {
	w.setStatus(ctx, log, item, status)
	if err := w.reporter.SetHostComplete(ctx, w.taskID, item.DeviceID); err != nil {
		log.Error(ctx, "failed to mark host complete", "error", err)
		return workqueue.Retry
	}
	if err := w.reporter.RecomputeCompletedCount(ctx, w.taskID); err != nil {
		log.Error(ctx, "failed to recompute completed count", "error", err)
	}
	w.metrics.IncHostsCompleted(ctx)
	log.Info(ctx, "host completed", "status", status)
	return workqueue.Done
}

// setStatus records the attempt's outcome string. A write failure is logged
// but does not change the disposition; the status is advisory display state.
func (w *SessionWorkflow) setStatus(ctx context.Context, log *logger.LoggerContext, item sweep.HostWorkItem, status string) {
	if err := w.reporter.SetHostStatus(ctx, w.taskID, item.DeviceID, status); err != nil {
		log.Error(ctx, "failed to set host status", "status", status, "error", err)
	}
}

// openSession requests a session and, when the vendor reports it PENDING,
// polls until it becomes ACTIVE or the waiting period lapses.
func (w *SessionWorkflow) openSession(ctx context.Context, log *logger.LoggerContext, deviceID int64) (string, bool) {
	session, err := w.api.OpenSession(ctx, deviceID)
	if err != nil {
		log.Warn(ctx, "failed to open session", "error", err)
		return "", false
	}

	switch session.Status {
	case vendorapi.SessionStatusActive:
		return session.ID, true

	case vendorapi.SessionStatusPending:
		active := w.poll(ctx, func(ctx context.Context) (bool, error) {
			current, err := w.api.SessionStatus(ctx, session.ID)
			if err != nil {
				return false, err
			}
			return current.Status == vendorapi.SessionStatusActive, nil
		})
		return session.ID, active

	default:
		log.Warn(ctx, "session in unexpected state", "session_id", session.ID, "session_status", session.Status)
		return "", false
	}
}

// runCommand executes the planned command and polls it to completion.
func (w *SessionWorkflow) runCommand(ctx context.Context, log *logger.LoggerContext, sessionID string) bool {
	commandID, err := w.api.ExecuteCommand(ctx, sessionID, w.plan.Command)
	if err != nil {
		log.Warn(ctx, "failed to execute command", "error", err)
		return false
	}
	return w.pollCommand(ctx, sessionID, commandID)
}

// collectFile requests the planned remote file, waits for the vendor to
// stage it and downloads it into the run's output folder.
func (w *SessionWorkflow) collectFile(ctx context.Context, log *logger.LoggerContext, hostname, sessionID string) bool {
	commandID, err := w.api.RequestFile(ctx, sessionID, w.plan.RemoteFile)
	if err != nil {
		log.Warn(ctx, "failed to request file", "error", err)
		return false
	}

	var fileID string
	staged := w.poll(ctx, func(ctx context.Context) (bool, error) {
		state, err := w.api.CommandStatus(ctx, sessionID, commandID)
		if err != nil {
			return false, err
		}
		if state.Status != vendorapi.CommandStatusComplete {
			return false, nil
		}
		fileID = state.FileID
		return true, nil
	})
	if !staged || fileID == "" {
		return false
	}

	path, err := w.outputPath(hostname)
	if err != nil {
		log.Warn(ctx, "failed to prepare output path", "error", err)
		return false
	}
	f, err := os.Create(path)
	if err != nil {
		log.Warn(ctx, "failed to create output file", "path", path, "error", err)
		return false
	}
	defer f.Close()

	if err := w.api.DownloadFile(ctx, sessionID, fileID, f); err != nil {
		log.Warn(ctx, "failed to download file", "file_id", fileID, "error", err)
		return false
	}
	log.Info(ctx, "collected file", "path", path)
	return true
}

// uploadAndPlace stages the planned local file on the vendor server and
// places it onto the host, polling the put to completion.
func (w *SessionWorkflow) uploadAndPlace(ctx context.Context, log *logger.LoggerContext, sessionID string) bool {
	fileID, err := w.api.UploadFile(ctx, sessionID, w.plan.UploadPath)
	if err != nil {
		log.Warn(ctx, "failed to upload file", "error", err)
		return false
	}

	commandID, err := w.api.PutFile(ctx, sessionID, fileID, w.plan.StagedRemotePath())
	if err != nil {
		log.Warn(ctx, "failed to place file on host", "error", err)
		return false
	}
	return w.pollCommand(ctx, sessionID, commandID)
}

// deleteRemote fires a best-effort delete of a host-side file.
func (w *SessionWorkflow) deleteRemote(ctx context.Context, log *logger.LoggerContext, sessionID, remotePath string) {
	if err := w.api.DeleteFile(ctx, sessionID, remotePath); err != nil {
		log.Warn(ctx, "failed to delete remote file", "remote_path", remotePath, "error", err)
	}
}

func (w *SessionWorkflow) pollCommand(ctx context.Context, sessionID, commandID string) bool {
	return w.poll(ctx, func(ctx context.Context) (bool, error) {
		state, err := w.api.CommandStatus(ctx, sessionID, commandID)
		if err != nil {
			return false, err
		}
		return state.Status == vendorapi.CommandStatusComplete, nil
	})
}

// poll sleeps PollInterval between checks until check reports done or the
// waiting period lapses. Check errors are treated as not-done; the vendor's
// session infrastructure returns transient errors while spinning up.
func (w *SessionWorkflow) poll(ctx context.Context, check func(context.Context) (bool, error)) bool {
	for elapsed := time.Duration(0); elapsed < w.cfg.WaitingPeriod; elapsed += w.cfg.PollInterval {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.cfg.PollInterval):
		}

		done, err := check(ctx)
		if err != nil {
			continue
		}
		if done {
			return true
		}
	}
	return false
}

// outputPath builds the local destination for a collected file and ensures
// its folder exists: <output_dir>/<task id>_<task name>/<host>_<file>.
func (w *SessionWorkflow) outputPath(hostname string) (string, error) {
	folder := filepath.Join(w.cfg.OutputDir,
		fmt.Sprintf("%d_%s", w.taskID, strings.ReplaceAll(w.taskName, " ", "_")))
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output folder %s: %w", folder, err)
	}

	// Remote paths are Windows style; take the last path element.
	base := w.plan.RemoteFile
	if i := strings.LastIndexAny(base, `\/`); i >= 0 {
		base = base[i+1:]
	}
	base = strings.ReplaceAll(base, " ", "_")

	return filepath.Join(folder, hostname+"_"+base), nil
}
