// Package inventory contains the domain model for the local host directory:
// sensor records mirrored from the vendor's endpoint management API.
package inventory

import (
	"strings"
	"time"
)

// Sensor is one host in the local directory. Records are inserted by the
// refresh engine and read by the sweep engine when seeding a fresh run.
type Sensor struct {
	hostname       string
	deviceID       int64
	deviceType     string
	osVersion      string
	lastIP         string
	policyName     string
	lastReportedAt time.Time
	hasReported    bool
}

// NewSensor constructs a directory record from vendor-reported fields.
func NewSensor(hostname string, deviceID int64, deviceType, osVersion, lastIP, policyName string) Sensor {
	return Sensor{
		hostname:   hostname,
		deviceID:   deviceID,
		deviceType: deviceType,
		osVersion:  osVersion,
		lastIP:     lastIP,
		policyName: policyName,
	}
}

// ReconstructSensor creates a Sensor from persisted data.
func ReconstructSensor(
	hostname string,
	deviceID int64,
	deviceType, osVersion, lastIP, policyName string,
	lastReportedAt time.Time,
	hasReported bool,
) Sensor {
	return Sensor{
		hostname:       hostname,
		deviceID:       deviceID,
		deviceType:     deviceType,
		osVersion:      osVersion,
		lastIP:         lastIP,
		policyName:     policyName,
		lastReportedAt: lastReportedAt,
		hasReported:    hasReported,
	}
}

// Hostname returns the sensor's reported host name.
func (s Sensor) Hostname() string { return s.hostname }

// DeviceID returns the vendor-assigned device identifier.
func (s Sensor) DeviceID() int64 { return s.deviceID }

// DeviceType returns the operating system family.
func (s Sensor) DeviceType() string { return s.deviceType }

// OSVersion returns the reported operating system version.
func (s Sensor) OSVersion() string { return s.osVersion }

// LastIP returns the last internal IP address the sensor reported from.
func (s Sensor) LastIP() string { return s.lastIP }

// PolicyName returns the vendor policy assigned to the sensor.
func (s Sensor) PolicyName() string { return s.policyName }

// LastReportedAt returns the last check-in time and whether one was ever
// reported.
func (s Sensor) LastReportedAt() (time.Time, bool) {
	return s.lastReportedAt, s.hasReported
}

// WithLastReported returns a copy of the sensor stamped with a check-in time.
func (s Sensor) WithLastReported(t time.Time) Sensor {
	s.lastReportedAt = t
	s.hasReported = true
	return s
}

// Valid reports whether the record identifies a host at all. The vendor
// directory occasionally returns rows with a blank device name; those are
// unprocessable.
func (s Sensor) Valid() bool {
	return strings.TrimSpace(s.hostname) != ""
}
