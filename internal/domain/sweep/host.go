package sweep

import "time"

// HostWorkItem is a queued (hostname, device id) pair awaiting processing.
// Queue pop semantics guarantee at most one worker holds an item at a time.
type HostWorkItem struct {
	Hostname string
	DeviceID int64
}

// DirectoryEntry is one host from the local host directory, consulted when a
// fresh sweep seeds its progress records.
type DirectoryEntry struct {
	Hostname   string
	DeviceID   int64
	DeviceType string
}

// HostProgress is the persisted per-(task, host) completion state for one
// sweep run. It is seeded once at task start, stamped complete exactly once
// on success, and re-stamped with the latest status on every retry.
type HostProgress struct {
	taskID      int64
	hostname    string
	deviceID    int64
	complete    bool
	status      string
	completedAt time.Time
}

// NewHostProgress creates the initial progress record for a host entering a
// fresh sweep.
func NewHostProgress(taskID int64, hostname string, deviceID int64) HostProgress {
	return HostProgress{
		taskID:   taskID,
		hostname: hostname,
		deviceID: deviceID,
		status:   StatusNotStarted,
	}
}

// ReconstructHostProgress creates a HostProgress from persisted data.
func ReconstructHostProgress(
	taskID int64,
	hostname string,
	deviceID int64,
	complete bool,
	status string,
	completedAt time.Time,
) HostProgress {
	return HostProgress{
		taskID:      taskID,
		hostname:    hostname,
		deviceID:    deviceID,
		complete:    complete,
		status:      status,
		completedAt: completedAt,
	}
}

// TaskID returns the owning task id.
func (p HostProgress) TaskID() int64 { return p.taskID }

// Hostname returns the host display name.
func (p HostProgress) Hostname() string { return p.hostname }

// DeviceID returns the vendor-assigned device identifier.
func (p HostProgress) DeviceID() int64 { return p.deviceID }

// Complete reports whether the host reached its terminal successful state.
func (p HostProgress) Complete() bool { return p.complete }

// Status returns the latest human readable status string.
func (p HostProgress) Status() string { return p.status }

// CompletedAt returns the completion time; zero when not complete.
func (p HostProgress) CompletedAt() time.Time { return p.completedAt }

// WorkItem returns the queue item for this host.
func (p HostProgress) WorkItem() HostWorkItem {
	return HostWorkItem{Hostname: p.hostname, DeviceID: p.deviceID}
}
