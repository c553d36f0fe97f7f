// Package main provides the crmflow worker: it leases and runs executions,
// sweeps time-driven triggers and consumes the contact event feed.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/crmflow/pkg/cmd"
	"github.com/dukex/crmflow/pkg/crm/rest"
	"github.com/dukex/crmflow/pkg/log"
	"github.com/dukex/crmflow/pkg/metrics"
	"github.com/dukex/crmflow/pkg/otelhelper"
	"github.com/dukex/crmflow/pkg/runner"
	"github.com/dukex/crmflow/pkg/scheduler"
	"github.com/dukex/crmflow/pkg/services"
	"github.com/dukex/crmflow/pkg/trigger"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const defaultMetricsPort = 9092

func main() {
	command := &cli.Command{
		Name:                  "crmflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Run workflow executions, time-driven triggers and the contact event consumer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Lease owner name (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Persistence URL (file://<dir> or postgres://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "queue-url",
				Usage:   "Dispatch queue URL (memory:// or redis://host:port/db)",
				Value:   "memory://",
				Sources: cli.EnvVars("QUEUE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "crm-api-url",
				Usage:    "Base URL of the CRM backend API",
				Required: true,
				Sources:  cli.EnvVars("CRM_API_URL"),
			},
			&cli.StringFlag{
				Name:    "crm-api-token",
				Usage:   "Bearer token for the CRM backend API",
				Sources: cli.EnvVars("CRM_API_TOKEN"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Number of concurrent execution workers",
				Value:   scheduler.DefaultConcurrency,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.DurationFlag{
				Name:    "lease-ttl",
				Usage:   "How long an execution lease lasts without renewal",
				Value:   scheduler.DefaultLeaseTTL,
				Sources: cli.EnvVars("LEASE_TTL"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often runnable executions are re-enqueued from the store",
				Value:   scheduler.DefaultPollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "How often time-driven triggers are evaluated",
				Value:   trigger.DefaultSweepInterval,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "action-timeout",
				Usage:   "Timeout of one action attempt",
				Value:   runner.DefaultActionTimeout,
				Sources: cli.EnvVars("ACTION_TIMEOUT"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving /metrics and health probes",
				Value:   defaultMetricsPort,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		slog.Error("crmflow-worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup("crmflow-worker", command.String("log-level"))

	logger := log.WithModule("worker")
	logger.InfoContext(ctx, "Initializing crmflow worker")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	runnerOpts := []runner.Option{
		runner.WithMetrics(m),
		runner.WithActionTimeout(command.Duration("action-timeout")),
	}

	if command.Bool("tracing") {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, "crmflow-worker")
		if err != nil {
			return err
		}

		defer func() {
			err := shutdown(context.WithoutCancel(ctx))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()

		runnerOpts = append(runnerOpts, runner.WithTracer(tracer))
	}

	p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to open persistence", "error", err)

		return err
	}

	defer func() {
		err := p.Close(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	q, err := cmd.NewQueue(ctx, command.String("queue-url"))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to open queue", "error", err)

		return err
	}

	defer func() {
		err := q.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close queue", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), "crmflow-worker", logger)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to create event bus", "error", err)

		return err
	}

	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	crmClient, err := rest.New(command.String("crm-api-url"), logger, rest.WithToken(command.String("crm-api-token")))
	if err != nil {
		return err
	}

	runnerOpts = append(runnerOpts, runner.WithPublisher(eventBus))

	store := services.NewStore(p, logger)
	evaluator := trigger.NewEvaluator(store, p.ExecutionRepository(), crmClient, q, logger,
		trigger.WithPublisher(eventBus),
		trigger.WithMetrics(m))
	actionRunner := runner.New(p.ExecutionRepository(), crmClient.Services(), logger, runnerOpts...)

	schedulerOpts := []scheduler.Option{
		scheduler.WithConcurrency(command.Int("workers")),
		scheduler.WithLeaseTTL(command.Duration("lease-ttl")),
		scheduler.WithPollInterval(command.Duration("poll-interval")),
		scheduler.WithMetrics(m),
	}

	if id := command.String("worker-id"); id != "" {
		schedulerOpts = append(schedulerOpts, scheduler.WithWorkerID(id))
	}

	sched := scheduler.New(p.ExecutionRepository(), q, actionRunner, logger, schedulerOpts...)
	sweeper := trigger.NewSweeper(evaluator, p.SweepRepository(), logger,
		trigger.WithInterval(command.Duration("sweep-interval")))

	worker := NewWorker(sched, sweeper, evaluator, eventBus, logger)
	status := newStatusApp(store, registry)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Run(gCtx)
	})

	g.Go(func() error {
		return status.Listen(":"+strconv.Itoa(command.Int("metrics-port")), fiber.ListenConfig{
			DisableStartupMessage: true,
			GracefulContext:       gCtx,
		})
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorContext(ctx, "Worker exited with error", "error", err)

		return err
	}

	return nil
}

// newStatusApp serves the probes and the metrics of the worker process.
func newStatusApp(store *services.Store, gatherer prometheus.Gatherer) *fiber.App {
	app := fiber.New()

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
			defer cancel()

			_, ok := store.HealthCheck(ctx)

			return ok
		},
	}))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return app
}
