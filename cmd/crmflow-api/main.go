// Package main provides the crmflow API server: the workflow builder backend,
// manual runs, the execution ledger and synchronous contact event intake.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/crmflow/pkg/cmd"
	"github.com/dukex/crmflow/pkg/crm/rest"
	"github.com/dukex/crmflow/pkg/log"
	"github.com/dukex/crmflow/pkg/metrics"
	"github.com/dukex/crmflow/pkg/otelhelper"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "crmflow-api",
		Usage:                 "Create and manage CRM workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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
			&cli.StringFlag{
				Name:    "seed-file",
				Usage:   "YAML file of workflow definitions created at startup",
				Sources: cli.EnvVars("SEED_FILE"),
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
		slog.Error("crmflow-api failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup("crmflow-api", command.String("log-level"))

	logger := log.WithModule("api")
	logger.InfoContext(ctx, "Initializing crmflow API")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command.Bool("tracing") {
		_, shutdown, err := otelhelper.NewTracer(ctx, "crmflow-api")
		if err != nil {
			return err
		}

		defer func() {
			err := shutdown(context.WithoutCancel(ctx))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m, err := metrics.New(registry)
	if err != nil {
		return err
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

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), "crmflow-api", logger)
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

	api := NewAPI(logger, p, q, crmClient, eventBus, registry, m)

	if path := command.String("seed-file"); path != "" {
		inputs, err := loadSeedFile(path)
		if err != nil {
			return err
		}

		_, err = seedWorkflows(ctx, api.Store(), inputs, logger)
		if err != nil {
			logger.ErrorContext(ctx, "Some seed workflows were rejected", "error", err)

			return err
		}
	}

	return api.Start(command.Int("port"), fiber.ListenConfig{
		DisableStartupMessage: true,
		GracefulContext:       ctx,
	})
}
