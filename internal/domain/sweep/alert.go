package sweep

import (
	"fmt"
	"time"
)

// messageDateLayout matches the dashboard's alert timestamp rendering.
const messageDateLayout = "January 2, 2006  3:04 PM UTC"

// Alert is an operator-facing notification raised at task granularity.
// Alerts are created by the engine and acknowledged (deactivated) by the
// dashboard; the engine never deletes them.
type Alert struct {
	id          int64
	owner       string
	message     string
	active      bool
	createdAt   time.Time
	messageDate string
}

// NewAlert constructs an unsaved alert. The id is assigned by the store on
// creation.
func NewAlert(owner, message string, active bool, createdAt time.Time) *Alert {
	return &Alert{
		owner:       owner,
		message:     message,
		active:      active,
		createdAt:   createdAt,
		messageDate: FormatMessageDate(createdAt),
	}
}

// ReconstructAlert creates an Alert from persisted data.
func ReconstructAlert(id int64, owner, message string, active bool, createdAt time.Time, messageDate string) *Alert {
	return &Alert{
		id:          id,
		owner:       owner,
		message:     message,
		active:      active,
		createdAt:   createdAt,
		messageDate: messageDate,
	}
}

// ID returns the store-assigned alert identifier; zero until persisted.
func (a *Alert) ID() int64 { return a.id }

// Owner returns the identity the alert is addressed to.
func (a *Alert) Owner() string { return a.owner }

// Message returns the human readable alert text.
func (a *Alert) Message() string { return a.message }

// Active reports whether the alert still awaits acknowledgement.
func (a *Alert) Active() bool { return a.active }

// CreatedAt returns the alert creation time.
func (a *Alert) CreatedAt() time.Time { return a.createdAt }

// MessageDate returns the display-formatted creation time.
func (a *Alert) MessageDate() string { return a.messageDate }

// FormatMessageDate renders a timestamp the way the dashboard displays
// alert dates.
func FormatMessageDate(t time.Time) string {
	return t.UTC().Format(messageDateLayout)
}

// CompletedSweepMessage is the alert text for a sweep that drained its queue.
func CompletedSweepMessage(taskID int64, name string) string {
	return fmt.Sprintf("Completed Sweep with Task ID %d: %s.", taskID, name)
}

// ErroredOutMessage is the alert text for a sweep stopped by the error
// governor.
func ErroredOutMessage(taskID int64, name string) string {
	return fmt.Sprintf("Failed Sweep with Task ID %d: %s. sweep workers errored out.", taskID, name)
}

// NoHostsMessage is the alert text for a sweep that resolved zero hosts.
func NoHostsMessage(taskID int64, name string) string {
	return fmt.Sprintf("Failed Sweep with Task ID %d: %s. There are no hosts! Refresh host list before continuing.", taskID, name)
}

// RefreshCompletedMessage is the alert text for a finished inventory refresh.
func RefreshCompletedMessage(taskID int64) string {
	return fmt.Sprintf("Completed Task ID %d: Refresh Endpoint List", taskID)
}
