// Package memory provides an in-memory inventory repository, used by tests
// and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/varlogsec/cbsweep/internal/domain/inventory"
	"github.com/varlogsec/cbsweep/internal/domain/sweep"
)

var (
	_ inventory.SensorRepository = (*SensorStore)(nil)
	_ sweep.HostDirectory        = (*SensorStore)(nil)
)

// SensorStore is a thread-safe in-memory inventory.SensorRepository that
// also serves as a sweep.HostDirectory.
type SensorStore struct {
	mu      sync.Mutex
	sensors map[string]inventory.Sensor
}

// NewSensorStore creates an empty sensor store.
func NewSensorStore() *SensorStore {
	return &SensorStore{sensors: make(map[string]inventory.Sensor)}
}

// FindByHostname returns the record for a host, or nil when absent.
func (s *SensorStore) FindByHostname(_ context.Context, hostname string) (*inventory.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sensor, ok := s.sensors[hostname]
	if !ok {
		return nil, nil
	}
	return &sensor, nil
}

// Insert adds a new directory record.
func (s *SensorStore) Insert(_ context.Context, sensor inventory.Sensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors[sensor.Hostname()] = sensor
	return nil
}

// SetLastReported updates an existing record's check-in time.
func (s *SensorStore) SetLastReported(_ context.Context, hostname string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sensor, ok := s.sensors[hostname]
	if !ok {
		return nil
	}
	s.sensors[hostname] = sensor.WithLastReported(at)
	return nil
}

// ListHosts returns every directory entry in hostname order.
func (s *SensorStore) ListHosts(_ context.Context) ([]sweep.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]sweep.DirectoryEntry, 0, len(s.sensors))
	for _, sensor := range s.sensors {
		entries = append(entries, sweep.DirectoryEntry{
			Hostname:   sensor.Hostname(),
			DeviceID:   sensor.DeviceID(),
			DeviceType: sensor.DeviceType(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Hostname < entries[j].Hostname })
	return entries, nil
}

// Sensors returns a snapshot of all stored records in hostname order.
func (s *SensorStore) Sensors() []inventory.Sensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.Sensor, 0, len(s.sensors))
	for _, sensor := range s.sensors {
		out = append(out, sensor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hostname() < out[j].Hostname() })
	return out
}
