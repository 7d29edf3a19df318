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

	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	"github.com/varlogsec/cbsweep/internal/infra/storage"
)

// Ensure alertStore implements sweep.AlertRepository at compile time.
var _ sweep.AlertRepository = (*alertStore)(nil)

// alertStore implements sweep.AlertRepository. Alert ids come from the
// table's identity column, so concurrent creators cannot collide.
type alertStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewAlertStore creates an AlertRepository backed by PostgreSQL.
func NewAlertStore(pool *pgxpool.Pool, tracer trace.Tracer) *alertStore {
	return &alertStore{pool: pool, tracer: tracer}
}

// CreateAlert persists a new alert and returns its store-assigned id.
func (s *alertStore) CreateAlert(ctx context.Context, alert *sweep.Alert) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("owner", alert.Owner()),
	)

	var id int64

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_alert", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO alerts (owner, message, active, created_at, message_date)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING alert_id`,
			alert.Owner(), alert.Message(), alert.Active(), alert.CreatedAt(), alert.MessageDate())
		if err := row.Scan(&id); err != nil {
			return fmt.Errorf("CreateAlert insert error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetAlert retrieves one alert by id.
func (s *alertStore) GetAlert(ctx context.Context, id int64) (*sweep.Alert, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("alert_id", id),
	)

	var alert *sweep.Alert

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_alert", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT alert_id, owner, message, active, created_at, message_date
			FROM alerts
			WHERE alert_id = $1`, id)

		var (
			alertID        int64
			owner, message string
			active         bool
			createdAt      time.Time
			messageDate    string
		)
		if err := row.Scan(&alertID, &owner, &message, &active, &createdAt, &messageDate); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return sweep.ErrAlertNotFound
			}
			return fmt.Errorf("GetAlert query error: %w", err)
		}

		alert = sweep.ReconstructAlert(alertID, owner, message, active, createdAt, messageDate)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// MarkCompleted re-stamps a pre-created alert with the completion time and
// activates it.
func (s *alertStore) MarkCompleted(ctx context.Context, id int64, at time.Time) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int64("alert_id", id),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_alert_completed", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE alerts SET created_at = $2, message_date = $3, active = TRUE
			WHERE alert_id = $1`, id, at, sweep.FormatMessageDate(at))
		if err != nil {
			return fmt.Errorf("MarkCompleted update error: %w", err)
		}
		return nil
	})
}
