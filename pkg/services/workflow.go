package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/pkg/compliance"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// ErrWorkflowNotFound is returned when a workflow is not found.
var ErrWorkflowNotFound = persistence.ErrWorkflowNotFound

// Workflow manages the workflow definition lifecycle: draft creation,
// editing, activation into the matching pool, pausing and archival.
type Workflow struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	checker     *compliance.Checker
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(logger *slog.Logger, persist persistence.Persistence, checker *compliance.Checker) *Workflow {
	return &Workflow{
		logger:      logger.With("module", "workflow_service"),
		persistence: persist,
		checker:     checker,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Create adds a new workflow as a draft. Definitions are validated
// structurally on creation so malformed graphs never reach activation.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if err := w.validateDefinition(workflow); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	workflow.ID = uuid.New().String()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	workflow.Status = models.WorkflowStatusDraft

	if err := w.persistence.Workflows().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	return workflow, nil
}

// FetchByID retrieves a workflow by its ID.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.persistence.Workflows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return workflow, nil
}

// List retrieves all workflows owned by an organization.
func (w *Workflow) List(ctx context.Context, organizationID string) ([]*models.Workflow, error) {
	workflows, err := w.persistence.Workflows().List(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// Update replaces an existing workflow definition. Executions already in
// flight keep the snapshot they started against; the update only affects
// future activations.
func (w *Workflow) Update(ctx context.Context, workflowID string, workflow *models.Workflow) (*models.Workflow, error) {
	existing, err := w.persistence.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if err := w.validateDefinition(workflow); err != nil {
		return nil, err
	}

	workflow.ID = workflowID
	workflow.Status = existing.Status
	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = time.Now().UTC()

	if err := w.persistence.Workflows().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return workflow, nil
}

// Delete removes a workflow by its ID.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	if _, err := w.persistence.Workflows().GetByID(ctx, workflowID); err != nil {
		return err
	}

	if err := w.persistence.Workflows().Delete(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	return nil
}

// Activate moves a draft or paused workflow into the matching pool. The
// graph is re-validated at the transition: a definition edited into an
// invalid shape while parked stays unactivatable.
func (w *Workflow) Activate(ctx context.Context, workflowID string) (*models.Workflow, error) {
	workflow, err := w.persistence.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	switch workflow.Status {
	case models.WorkflowStatusDraft, models.WorkflowStatusPaused:
	case models.WorkflowStatusActive:
		return workflow, nil
	default:
		return nil, NewValidationError("Activate", "NOT_ACTIVATABLE",
			fmt.Sprintf("workflow is %s", workflow.Status), ErrWorkflowNotActivatable)
	}

	if err := w.validateDefinition(workflow); err != nil {
		return nil, err
	}

	workflow.Status = models.WorkflowStatusActive
	workflow.UpdatedAt = time.Now().UTC()

	if err := w.persistence.Workflows().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to activate workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Activated workflow", "workflow_id", workflow.ID)

	return workflow, nil
}

// Pause removes an active workflow from the matching pool without touching
// executions already in flight.
func (w *Workflow) Pause(ctx context.Context, workflowID string) (*models.Workflow, error) {
	workflow, err := w.persistence.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.Status != models.WorkflowStatusActive {
		return nil, NewValidationError("Pause", "NOT_ACTIVE",
			fmt.Sprintf("workflow is %s", workflow.Status), ErrInvalidStatus)
	}

	workflow.Status = models.WorkflowStatusPaused
	workflow.UpdatedAt = time.Now().UTC()

	if err := w.persistence.Workflows().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to pause workflow: %w", err)
	}

	return workflow, nil
}

// CheckCompliance runs the static rule set against a stored workflow for
// the given sending country.
func (w *Workflow) CheckCompliance(ctx context.Context, workflowID, country string) (*models.ComplianceReport, error) {
	workflow, err := w.persistence.Workflows().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	return w.checker.Check(workflow, country), nil
}

func (w *Workflow) validateDefinition(workflow *models.Workflow) error {
	if workflow.Name == "" {
		return NewValidationError("validateDefinition", "NAME_REQUIRED",
			"workflow name is required", ErrWorkflowNameRequired)
	}

	if len(workflow.Nodes) == 0 {
		return NewValidationError("validateDefinition", "NODES_REQUIRED",
			"workflow must have at least one node", ErrNodesRequired)
	}

	for _, node := range workflow.Nodes {
		if err := models.ValidateNodeConfig(node); err != nil {
			return NewValidationError("validateDefinition", "INVALID_NODE_CONFIG",
				err.Error(), ErrInvalidGraph)
		}
	}

	if err := workflow.Validate(); err != nil {
		return NewValidationError("validateDefinition", "INVALID_GRAPH",
			err.Error(), ErrInvalidGraph)
	}

	return nil
}
