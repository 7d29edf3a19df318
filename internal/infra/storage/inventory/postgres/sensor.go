// Package postgres provides PostgreSQL-backed implementations of the
// inventory repositories over the endpoints table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/varlogsec/cbsweep/internal/domain/inventory"
	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	"github.com/varlogsec/cbsweep/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

var (
	_ inventory.SensorRepository = (*sensorStore)(nil)
	_ sweep.HostDirectory        = (*sensorStore)(nil)
)

// sensorStore implements inventory.SensorRepository and doubles as the
// sweep engine's HostDirectory, both reading the same endpoints table.
type sensorStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewSensorStore creates a sensor repository backed by PostgreSQL.
func NewSensorStore(pool *pgxpool.Pool, tracer trace.Tracer) *sensorStore {
	return &sensorStore{pool: pool, tracer: tracer}
}

// FindByHostname returns the directory record for a host, or nil when the
// host has never been recorded.
func (s *sensorStore) FindByHostname(ctx context.Context, hostname string) (*inventory.Sensor, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("hostname", hostname),
	)

	var sensor *inventory.Sensor

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_sensor", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT hostname, device_id, device_type, os_version, last_ip, policy_name, last_reported_at
			FROM endpoints
			WHERE hostname = $1`, hostname)

		var (
			host, deviceType, osVersion, lastIP, policyName string
			deviceID                                        int64
			lastReported                                    *time.Time
		)
		if err := row.Scan(&host, &deviceID, &deviceType, &osVersion, &lastIP, &policyName, &lastReported); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("FindByHostname query error: %w", err)
		}

		var reportedAt time.Time
		if lastReported != nil {
			reportedAt = *lastReported
		}
		rec := inventory.ReconstructSensor(host, deviceID, deviceType, osVersion, lastIP, policyName, reportedAt, lastReported != nil)
		sensor = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sensor, nil
}

// Insert adds a new directory record.
func (s *sensorStore) Insert(ctx context.Context, sensor inventory.Sensor) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("hostname", sensor.Hostname()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_sensor", dbAttrs, func(ctx context.Context) error {
		var lastReported *time.Time
		if at, ok := sensor.LastReportedAt(); ok {
			lastReported = &at
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO endpoints (hostname, device_id, device_type, os_version, last_ip, policy_name, last_reported_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sensor.Hostname(), sensor.DeviceID(), sensor.DeviceType(),
			sensor.OSVersion(), sensor.LastIP(), sensor.PolicyName(), lastReported)
		if err != nil {
			return fmt.Errorf("Insert sensor error: %w", err)
		}
		return nil
	})
}

// SetLastReported updates an existing record's check-in time.
func (s *sensorStore) SetLastReported(ctx context.Context, hostname string, at time.Time) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("hostname", hostname),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_sensor_last_reported", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE endpoints SET last_reported_at = $2 WHERE hostname = $1`, hostname, at)
		if err != nil {
			return fmt.Errorf("SetLastReported update error: %w", err)
		}
		return nil
	})
}

// ListHosts returns every directory entry, in stable hostname order.
func (s *sensorStore) ListHosts(ctx context.Context) ([]sweep.DirectoryEntry, error) {
	var entries []sweep.DirectoryEntry

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_hosts", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT hostname, device_id, device_type
			FROM endpoints
			ORDER BY hostname`)
		if err != nil {
			return fmt.Errorf("ListHosts query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e sweep.DirectoryEntry
			if err := rows.Scan(&e.Hostname, &e.DeviceID, &e.DeviceType); err != nil {
				return fmt.Errorf("ListHosts scan error: %w", err)
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
