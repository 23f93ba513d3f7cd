package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
	"github.com/cadenzahq/cadenza/pkg/workflow"
)

// ErrExecutionNotFound is returned when an execution is not found.
var ErrExecutionNotFound = persistence.ErrExecutionNotFound

// Execution exposes read and cancel operations over workflow runs.
type Execution struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	engine      *workflow.Engine
}

// NewExecution creates a new execution service.
func NewExecution(logger *slog.Logger, persist persistence.Persistence, engine *workflow.Engine) *Execution {
	return &Execution{
		logger:      logger.With("module", "execution_service"),
		persistence: persist,
		engine:      engine,
	}
}

// FetchByID retrieves an execution by its ID.
func (e *Execution) FetchByID(ctx context.Context, id string) (*models.Execution, error) {
	return e.persistence.Executions().GetByID(ctx, id)
}

// ListByWorkflow retrieves all executions of a workflow.
func (e *Execution) ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Execution, error) {
	executions, err := e.persistence.Executions().ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return executions, nil
}

// Cancel stops a running or waiting execution. Completed, failed and
// already-cancelled executions cannot be cancelled again.
func (e *Execution) Cancel(ctx context.Context, executionID string) error {
	err := e.engine.Cancel(ctx, executionID)
	if err != nil {
		if errors.Is(err, workflow.ErrExecutionTerminal) {
			return NewValidationError("CancelExecution", "ALREADY_FINISHED",
				fmt.Sprintf("execution %s already finished", executionID), ErrExecutionFinished)
		}

		return err
	}

	return nil
}
