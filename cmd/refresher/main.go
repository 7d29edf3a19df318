// Command refresher runs one host directory refresh task: it mirrors the
// vendor's device directory into local storage and finalizes the task's
// pre-created alert.
//
// Usage: refresher [-config file] <task-id>
//
// With -config the named yaml file is the sole configuration source;
// otherwise configuration comes from CBSWEEP_-prefixed environment variables
// layered over the optional file named by CBSWEEP_CONFIG.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/varlogsec/cbsweep/internal/app/inventory"
	"github.com/varlogsec/cbsweep/internal/app/workqueue"
	"github.com/varlogsec/cbsweep/internal/config"
	"github.com/varlogsec/cbsweep/internal/config/envloader"
	"github.com/varlogsec/cbsweep/internal/config/fileloader"
	"github.com/varlogsec/cbsweep/internal/domain/sweep"
	invStore "github.com/varlogsec/cbsweep/internal/infra/storage/inventory/postgres"
	sweepStore "github.com/varlogsec/cbsweep/internal/infra/storage/sweep/postgres"
	"github.com/varlogsec/cbsweep/internal/infra/vendorapi"
	"github.com/varlogsec/cbsweep/pkg/common"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
	"github.com/varlogsec/cbsweep/pkg/common/otel"
	"github.com/varlogsec/cbsweep/pkg/common/timeutil"
)

const serviceType = "refresher"

func main() {
	_, _ = maxprocs.Set()

	configFile := flag.String("config", "", "yaml configuration file; when set, environment overrides are ignored")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: refresher [-config file] <task-id>")
		os.Exit(2)
	}
	taskID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid task id %q: %v\n", args[0], err)
		os.Exit(2)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	runID := uuid.New().String()
	svcName := fmt.Sprintf("REFRESHER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
		"task_id":  strconv.FormatInt(taskID, 10),
		"run_id":   runID,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, telemetryTeardown, err := initTelemetry(logg, svcName)
	if err != nil {
		logg.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)
	tracer := tp.Tracer(serviceType)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			logg.Error(ctx, "error shutting down health server", "error", err)
		}
	}()

	cfg, err := newConfigLoader(*configFile).Load(ctx)
	if err != nil {
		logg.Error(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	pool, err := common.ConnectPostgresWithRetry(ctx, cfg.DatabaseDSN)
	if err != nil {
		logg.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		logg.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	tasks := sweepStore.NewTaskStore(pool, tracer)
	alerts := sweepStore.NewAlertStore(pool, tracer)
	sensors := invStore.NewSensorStore(pool, tracer)

	rateLimiter := common.NewRateLimiter(cfg.Vendor.RequestsPerSecond, cfg.Vendor.Burst)
	api := vendorapi.NewClient(
		&http.Client{Timeout: 180 * time.Second},
		cfg.Vendor.RootURL, cfg.Vendor.APIKey, cfg.Vendor.ConnectorID,
		rateLimiter, logg, tracer)

	metrics, err := inventory.NewRefreshMetrics(otel.GetMeterProvider())
	if err != nil {
		logg.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	clock := timeutil.Default()

	task, err := tasks.GetTask(ctx, taskID)
	if err != nil {
		logg.Error(ctx, "failed to load task", "error", err)
		os.Exit(1)
	}

	// The completion alert is created up front, inactive; the engine
	// re-stamps and activates it once the directory listing drains.
	alert := sweep.NewAlert(task.Owner(),
		sweep.RefreshCompletedMessage(task.ID()), false, clock.Now().UTC())
	alertID, err := alerts.CreateAlert(ctx, alert)
	if err != nil {
		logg.Error(ctx, "failed to create refresh alert", "error", err)
		os.Exit(1)
	}

	refresher := inventory.NewRefresher(inventory.RefresherConfig{
		TaskID:         taskID,
		AlertID:        alertID,
		Workers:        cfg.Vendor.MaxSessions,
		ErrorThreshold: cfg.ErrorThreshold,
		Retry: workqueue.RetryPolicy{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			MaxAttempts:     cfg.Retry.MaxAttempts,
		},
	}, api, sensors, tasks, alerts, metrics, clock, logg, tracer)

	ready.Store(true)
	logg.Info(ctx, "starting directory refresh run")

	if err := refresher.Run(ctx); err != nil {
		logg.Error(ctx, "refresh run failed", "error", err)
		os.Exit(1)
	}
	logg.Info(ctx, "refresh run finished")
}

// newConfigLoader picks the configuration source. An explicit -config file
// is read as-is; otherwise the environment drives configuration, with the
// file named by CBSWEEP_CONFIG as an optional base layer.
func newConfigLoader(configFile string) config.Loader {
	if configFile != "" {
		return fileloader.NewFileLoader(configFile)
	}
	return envloader.NewEnvLoader(os.Getenv("CBSWEEP_CONFIG"))
}

// initTelemetry wires the OTLP exporters when a collector endpoint is
// configured; otherwise it falls back to a local provider so tracing code
// paths stay live without a collector.
func initTelemetry(logg *logger.Logger, svcName string) (trace.TracerProvider, func(context.Context), error) {
	prob := 1.0
	if v := os.Getenv("OTEL_SAMPLING_RATIO"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid OTEL_SAMPLING_RATIO %q: %w", v, err)
		}
		prob = parsed
	}

	cfg := otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability:      prob,
		InsecureExporter: true,
	}

	if cfg.ExporterEndpoint == "" {
		return otel.InitTracing(logg, cfg)
	}
	return otel.InitTelemetry(logg, cfg)
}

// runMigrations uses golang-migrate to apply all up migrations from
// db/migrations over a connection borrowed from the pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("CBSWEEP_MIGRATIONS")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}
