// Package main provides the Cadenza worker: it consumes execution lifecycle
// events and advances the state machines behind them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cadenzahq/cadenza/pkg/cmd"
	"github.com/cadenzahq/cadenza/pkg/eventbus"
	"github.com/cadenzahq/cadenza/pkg/events"
	"github.com/cadenzahq/cadenza/pkg/otelhelper"
	"github.com/cadenzahq/cadenza/pkg/persistence"
	"github.com/cadenzahq/cadenza/pkg/retry"
	"github.com/cadenzahq/cadenza/pkg/workflow"
)

type WorkerManager struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	engine      *workflow.Engine
	tracer      trace.Tracer
}

func NewWorkerManager(
	id string,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *WorkerManager {
	registry := cmd.NewDispatchRegistry(logger)

	queue := retry.NewQueue(logger, persist.RetryJobs(), registry, nil, eventBus)
	engine := workflow.NewEngine(logger, persist, registry, queue, eventBus, id)
	queue.SetResumer(engine)

	return &WorkerManager{
		id:          id,
		logger:      logger.With("module", "cadenza-worker", "worker_id", id),
		persistence: persist,
		eventBus:    eventBus,
		engine:      engine,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager", "worker_id", w.id)

	tracer, err := otelhelper.NewTracer(ctx, "cadenza-worker")
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	w.tracer = tracer

	err = w.eventBus.Handle(events.ExecutionStartedEvent, w.handleExecutionStarted)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.ExecutionResumedEvent, w.handleExecutionResumed)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

func (w *WorkerManager) handleExecutionStarted(ctx context.Context, event any) error {
	started, ok := event.(*events.ExecutionStarted)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionStarted")

		return nil
	}

	return w.advance(ctx, started.ExecutionID, started.WorkflowID)
}

func (w *WorkerManager) handleExecutionResumed(ctx context.Context, event any) error {
	resumed, ok := event.(*events.ExecutionResumed)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ExecutionResumed")

		return nil
	}

	return w.advance(ctx, resumed.ExecutionID, resumed.WorkflowID)
}

// advance loads the execution and walks the graph until it parks or
// terminates. Events are redelivered at-least-once, so an execution that is
// no longer running is quietly skipped.
func (w *WorkerManager) advance(ctx context.Context, executionID, workflowID string) error {
	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "execution.advance",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.WorkflowIDKey, workflowID),
		attribute.String(otelhelper.WorkerIDKey, w.id),
	)
	defer span.End()

	execution, err := w.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		if persistence.IsNotFound(err) {
			w.logger.WarnContext(ctx, "Execution not found, skipping", "execution_id", executionID)

			return nil
		}

		otelhelper.SetError(span, err)

		return err
	}

	logger := w.logger.With("execution_id", executionID, "workflow_id", execution.WorkflowID)
	logger.InfoContext(ctx, "Advancing execution", "current_node_id", execution.CurrentNodeID)

	if err := w.engine.Advance(ctx, execution); err != nil {
		if persistence.IsVersionConflict(err) {
			logger.InfoContext(ctx, "Another worker advanced the execution, skipping")

			return nil
		}

		otelhelper.SetError(span, err,
			attribute.String(otelhelper.NodeIDKey, execution.CurrentNodeID))
		logger.ErrorContext(ctx, "Failed to advance execution", "error", err)

		return err
	}

	return nil
}
