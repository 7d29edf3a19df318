// Command sweeper runs one sweep task end to end: it resolves the task's
// host set, drives the per-host live response workflow over a bounded worker
// pool and finalizes the task with an operator alert.
//
// Usage: sweeper [-config file] <task-id> [input-file] [command]
//
// input-file and command feed the upload-and-run and collect-only command
// types. With -config the named yaml file is the sole configuration source;
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

	"github.com/varlogsec/cbsweep/internal/app/sweep"
	"github.com/varlogsec/cbsweep/internal/app/workqueue"
	"github.com/varlogsec/cbsweep/internal/config"
	"github.com/varlogsec/cbsweep/internal/config/envloader"
	"github.com/varlogsec/cbsweep/internal/config/fileloader"
	invStore "github.com/varlogsec/cbsweep/internal/infra/storage/inventory/postgres"
	sweepStore "github.com/varlogsec/cbsweep/internal/infra/storage/sweep/postgres"
	"github.com/varlogsec/cbsweep/internal/infra/vendorapi"
	"github.com/varlogsec/cbsweep/pkg/common"
	"github.com/varlogsec/cbsweep/pkg/common/logger"
	"github.com/varlogsec/cbsweep/pkg/common/otel"
	"github.com/varlogsec/cbsweep/pkg/common/timeutil"
)

const serviceType = "sweeper"

func main() {
	_, _ = maxprocs.Set()

	configFile := flag.String("config", "", "yaml configuration file; when set, environment overrides are ignored")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: sweeper [-config file] <task-id> [input-file] [command]")
		os.Exit(2)
	}
	taskID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid task id %q: %v\n", args[0], err)
		os.Exit(2)
	}
	var inputFile, command string
	if len(args) > 1 {
		inputFile = args[1]
	}
	if len(args) > 2 {
		command = args[2]
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
	svcName := fmt.Sprintf("SWEEPER-%s", hostname)
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
	commands := sweepStore.NewCommandStore(pool, tracer)
	progress := sweepStore.NewProgressStore(pool, tracer)
	alerts := sweepStore.NewAlertStore(pool, tracer)
	directory := invStore.NewSensorStore(pool, tracer)

	rateLimiter := common.NewRateLimiter(cfg.Vendor.RequestsPerSecond, cfg.Vendor.Burst)
	api := vendorapi.NewClient(
		&http.Client{Timeout: 180 * time.Second},
		cfg.Vendor.RootURL, cfg.Vendor.APIKey, cfg.Vendor.ConnectorID,
		rateLimiter, logg, tracer)

	metrics, err := sweep.NewSweepMetrics(otel.GetMeterProvider())
	if err != nil {
		logg.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	clock := timeutil.Default()
	resolver := sweep.NewHostResolver(tasks, progress, directory, logg, tracer)
	reporter := sweep.NewProgressReporter(tasks, progress, clock, tracer)

	engine := sweep.NewEngine(sweep.EngineConfig{
		TaskID:         taskID,
		MaxSessions:    cfg.Vendor.MaxSessions,
		ErrorThreshold: cfg.ErrorThreshold,
		Retry: workqueue.RetryPolicy{
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
			MaxAttempts:     cfg.Retry.MaxAttempts,
		},
		Workflow: sweep.WorkflowConfig{
			MinCheckInHours: cfg.Vendor.MinCheckInHours,
			WaitingPeriod:   cfg.WaitingPeriod,
			PollInterval:    cfg.PollInterval,
			OutputDir:       cfg.OutputDir,
		},
		InputFile: inputFile,
		Command:   command,
	}, tasks, commands, alerts, resolver, reporter, api, metrics, clock, logg, tracer)

	ready.Store(true)
	logg.Info(ctx, "starting sweep run")

	if err := engine.Run(ctx); err != nil {
		logg.Error(ctx, "sweep run failed", "error", err)
		os.Exit(1)
	}
	logg.Info(ctx, "sweep run finished")
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
