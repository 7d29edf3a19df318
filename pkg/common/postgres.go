package common

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConnectPostgresWithRetry attempts to establish a pgx pool with exponential
// backoff. It will retry failed connection attempts for up to 5 minutes,
// starting with 5 second intervals. This helps handle temporary database
// unavailability during startup, such as a sidecar still coming up.
func ConnectPostgresWithRetry(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("invalid database DSN: %w", err))
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			log.Printf("Failed to create connection pool, will retry: %v", err)
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			log.Printf("Failed to ping database, will retry: %v", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect to database after retries: %w", err)
	}

	return pool, nil
}
