package sweep

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/varlogsec/cbsweep/internal/infra/vendorapi"
)

// fakeAPI implements VendorAPI with overridable function fields. Methods with
// a nil field return zero values so tests only wire what they exercise.
type fakeAPI struct {
	openSession        func(ctx context.Context, deviceID int64) (vendorapi.Session, error)
	sessionStatus      func(ctx context.Context, sessionID string) (vendorapi.Session, error)
	closeSession       func(ctx context.Context, sessionID string) error
	executeCommand     func(ctx context.Context, sessionID, command string) (string, error)
	commandStatus      func(ctx context.Context, sessionID, commandID string) (vendorapi.CommandState, error)
	requestFile        func(ctx context.Context, sessionID, remotePath string) (string, error)
	deleteFile         func(ctx context.Context, sessionID, remotePath string) error
	uploadFile         func(ctx context.Context, sessionID, localPath string) (string, error)
	putFile            func(ctx context.Context, sessionID, fileID, remotePath string) (string, error)
	downloadFile       func(ctx context.Context, sessionID, fileID string, w io.Writer) error
	deviceLastReported func(ctx context.Context, deviceID int64) (time.Time, bool, error)

	sessionsClosed atomic.Int64
	filesDeleted   atomic.Int64
}

func (f *fakeAPI) OpenSession(ctx context.Context, deviceID int64) (vendorapi.Session, error) {
	if f.openSession == nil {
		return vendorapi.Session{}, nil
	}
	return f.openSession(ctx, deviceID)
}

func (f *fakeAPI) SessionStatus(ctx context.Context, sessionID string) (vendorapi.Session, error) {
	if f.sessionStatus == nil {
		return vendorapi.Session{}, nil
	}
	return f.sessionStatus(ctx, sessionID)
}

func (f *fakeAPI) CloseSession(ctx context.Context, sessionID string) error {
	f.sessionsClosed.Add(1)
	if f.closeSession == nil {
		return nil
	}
	return f.closeSession(ctx, sessionID)
}

func (f *fakeAPI) ExecuteCommand(ctx context.Context, sessionID, command string) (string, error) {
	if f.executeCommand == nil {
		return "", nil
	}
	return f.executeCommand(ctx, sessionID, command)
}

func (f *fakeAPI) CommandStatus(ctx context.Context, sessionID, commandID string) (vendorapi.CommandState, error) {
	if f.commandStatus == nil {
		return vendorapi.CommandState{}, nil
	}
	return f.commandStatus(ctx, sessionID, commandID)
}

func (f *fakeAPI) RequestFile(ctx context.Context, sessionID, remotePath string) (string, error) {
	if f.requestFile == nil {
		return "", nil
	}
	return f.requestFile(ctx, sessionID, remotePath)
}

func (f *fakeAPI) DeleteFile(ctx context.Context, sessionID, remotePath string) error {
	f.filesDeleted.Add(1)
	if f.deleteFile == nil {
		return nil
	}
	return f.deleteFile(ctx, sessionID, remotePath)
}

func (f *fakeAPI) UploadFile(ctx context.Context, sessionID, localPath string) (string, error) {
	if f.uploadFile == nil {
		return "", nil
	}
	return f.uploadFile(ctx, sessionID, localPath)
}

func (f *fakeAPI) PutFile(ctx context.Context, sessionID, fileID, remotePath string) (string, error) {
	if f.putFile == nil {
		return "", nil
	}
	return f.putFile(ctx, sessionID, fileID, remotePath)
}

func (f *fakeAPI) DownloadFile(ctx context.Context, sessionID, fileID string, w io.Writer) error {
	if f.downloadFile == nil {
		return nil
	}
	return f.downloadFile(ctx, sessionID, fileID, w)
}

func (f *fakeAPI) DeviceLastReported(ctx context.Context, deviceID int64) (time.Time, bool, error) {
	if f.deviceLastReported == nil {
		return time.Time{}, false, nil
	}
	return f.deviceLastReported(ctx, deviceID)
}

// stubMetrics counts metric calls without a meter provider.
type stubMetrics struct {
	retries         atomic.Int64
	exhausted       atomic.Int64
	sessionsOpened  atomic.Int64
	sessionFailures atomic.Int64
	hostsCompleted  atomic.Int64
	hostsDeferred   atomic.Int64
}

func (s *stubMetrics) SetActiveWorkers(context.Context, int) {}
func (s *stubMetrics) IncItemRetries(context.Context)        { s.retries.Add(1) }
func (s *stubMetrics) IncItemsExhausted(context.Context)     { s.exhausted.Add(1) }
func (s *stubMetrics) IncSessionsOpened(context.Context)     { s.sessionsOpened.Add(1) }
func (s *stubMetrics) IncSessionFailures(context.Context)    { s.sessionFailures.Add(1) }
func (s *stubMetrics) IncHostsCompleted(context.Context)     { s.hostsCompleted.Add(1) }
func (s *stubMetrics) IncHostsDeferred(context.Context)      { s.hostsDeferred.Add(1) }
