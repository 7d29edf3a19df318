package inventory

import (
	"context"
	"time"
)

// SensorRepository persists the local host directory.
type SensorRepository interface {
	// FindByHostname returns the record for a host, or nil when the host is
	// not in the directory.
	FindByHostname(ctx context.Context, hostname string) (*Sensor, error)

	// Insert adds a new directory record.
	Insert(ctx context.Context, sensor Sensor) error

	// SetLastReported updates an existing record's check-in time.
	SetLastReported(ctx context.Context, hostname string, at time.Time) error
}
