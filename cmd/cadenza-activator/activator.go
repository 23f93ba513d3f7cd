// Package main provides the Cadenza activator: it consumes announced trigger
// events and turns them into workflow executions.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/cadenzahq/cadenza/pkg/abtest"
	"github.com/cadenzahq/cadenza/pkg/dispatch"
	"github.com/cadenzahq/cadenza/pkg/eventbus"
	"github.com/cadenzahq/cadenza/pkg/events"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
	"github.com/cadenzahq/cadenza/pkg/retry"
	"github.com/cadenzahq/cadenza/pkg/workflow"
)

type ActivatorManager struct {
	id        string
	logger    *slog.Logger
	eventBus  eventbus.EventBus
	activator *workflow.Activator
}

func NewActivatorManager(
	id string,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
	cache *redis.Client,
	allowConcurrentRuns bool,
	logger *slog.Logger,
) *ActivatorManager {
	registry := dispatch.NewRegistry(logger)
	registry.Register(dispatch.NewLogDispatcher(logger, models.ChannelEmail))
	registry.Register(dispatch.NewLogDispatcher(logger, models.ChannelSMS))
	registry.Register(dispatch.NewLogDispatcher(logger, models.ChannelWhatsApp))

	queue := retry.NewQueue(logger, persist.RetryJobs(), registry, nil, eventBus)
	engine := workflow.NewEngine(logger, persist, registry, queue, eventBus, id)
	queue.SetResumer(engine)

	matcher := workflow.NewMatcher(logger, persist.Workflows())
	selector := abtest.NewSelector(logger, persist.ABTests(), cache)

	activator := workflow.NewActivator(logger, persist, matcher, engine, selector, eventBus)
	activator.AllowConcurrentRuns = allowConcurrentRuns

	return &ActivatorManager{
		id:        id,
		logger:    logger.With("module", "cadenza-activator"),
		eventBus:  eventBus,
		activator: activator,
	}
}

func (m *ActivatorManager) Start(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting activator", "activator_id", m.id)

	err := m.eventBus.Handle(events.TriggerEventReceivedEvent, m.activator.HandleTriggerEventReceived)
	if err != nil {
		return err
	}

	err = m.eventBus.Subscribe(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	m.logger.InfoContext(ctx, "Activator started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	m.logger.InfoContext(ctx, "Shutting down activator...")

	return nil
}
