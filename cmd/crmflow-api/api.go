package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/crmflow/pkg/crm"
	"github.com/dukex/crmflow/pkg/eventbus"
	"github.com/dukex/crmflow/pkg/ledger"
	"github.com/dukex/crmflow/pkg/metrics"
	"github.com/dukex/crmflow/pkg/persistence"
	"github.com/dukex/crmflow/pkg/queue"
	"github.com/dukex/crmflow/pkg/services"
	"github.com/dukex/crmflow/pkg/trigger"
	"github.com/dukex/crmflow/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	queue       queue.Queue
	contacts    crm.ContactDirectory
	eventBus    eventbus.EventBus
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	store       *services.Store
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	q queue.Queue,
	contacts crm.ContactDirectory,
	eventBus eventbus.EventBus,
	registry *prometheus.Registry,
	m *metrics.Metrics,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		queue:       q,
		contacts:    contacts,
		eventBus:    eventBus,
		registry:    registry,
		metrics:     m,
		store:       services.NewStore(persistence, logger),
	}
}

// Store is the definition store the API writes through.
func (a *API) Store() *services.Store {
	return a.store
}

func (a *API) App() *fiber.App {
	opts := []trigger.Option{trigger.WithMetrics(a.metrics)}
	if a.eventBus != nil {
		opts = append(opts, trigger.WithPublisher(a.eventBus))
	}

	evaluator := trigger.NewEvaluator(a.store, a.persistence.ExecutionRepository(), a.contacts, a.queue, a.logger, opts...)
	handlers := web.NewAPIHandlers(a.store, evaluator, ledger.New(a.persistence.ExecutionRepository(), a.logger), a.logger)

	var gatherer prometheus.Gatherer
	if a.registry != nil {
		gatherer = a.registry
	}

	return web.NewApp(handlers, gatherer)
}

func (a *API) Start(port int, listenConfig fiber.ListenConfig) error {
	app := a.App()

	return app.Listen(":"+strconv.Itoa(port), listenConfig)
}
