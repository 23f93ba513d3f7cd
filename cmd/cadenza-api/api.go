// Package main provides the Cadenza API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/redis/go-redis/v9"

	"github.com/cadenzahq/cadenza/pkg/abtest"
	"github.com/cadenzahq/cadenza/pkg/compliance"
	"github.com/cadenzahq/cadenza/pkg/dispatch"
	"github.com/cadenzahq/cadenza/pkg/eventbus"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
	"github.com/cadenzahq/cadenza/pkg/retry"
	"github.com/cadenzahq/cadenza/pkg/services"
	"github.com/cadenzahq/cadenza/pkg/web"
	"github.com/cadenzahq/cadenza/pkg/workflow"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	cache       *redis.Client
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	cache *redis.Client,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		cache:       cache,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	// The API never dispatches messages itself; executions it starts are
	// advanced by workers. The registry only backs execution cancellation
	// and the engine wiring.
	registry := dispatch.NewRegistry(a.logger)
	registry.Register(dispatch.NewLogDispatcher(a.logger, models.ChannelEmail))

	queue := retry.NewQueue(a.logger, a.persistence.RetryJobs(), registry, nil, a.eventBus)
	engine := workflow.NewEngine(a.logger, a.persistence, registry, queue, a.eventBus, "api")
	matcher := workflow.NewMatcher(a.logger, a.persistence.Workflows())
	selector := abtest.NewSelector(a.logger, a.persistence.ABTests(), a.cache)
	activator := workflow.NewActivator(a.logger, a.persistence, matcher, engine, selector, a.eventBus)

	workflowService := services.NewWorkflow(a.logger, a.persistence, compliance.NewChecker(a.logger))
	executionService := services.NewExecution(a.logger, a.persistence, engine)
	abtestService := services.NewABTest(a.logger, a.persistence, abtest.NewRecorder(a.logger, a.persistence.ABTests()))

	handlers := web.NewAPIHandlers(workflowService, executionService, abtestService, activator, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Cadenza API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Patch("/:id", handlers.UpdateWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Post("/:id/activate", handlers.ActivateWorkflow)
	w.Post("/:id/pause", handlers.PauseWorkflow)
	w.Post("/:id/compliance-check", handlers.CheckCompliance)
	w.Get("/:id/executions", handlers.GetWorkflowExecutions)

	app.Post("/events", handlers.IngestEvent)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	ab := app.Group("/abtests")
	ab.Post("/", handlers.CreateABTest)
	ab.Get("/:id", handlers.GetABTest)
	ab.Post("/:id/results", handlers.RecordABTestResult)
	ab.Get("/:id/analysis", handlers.AnalyzeABTest)
	ab.Post("/:id/conclude", handlers.ConcludeABTest)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
