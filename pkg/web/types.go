// Package web provides HTTP request and response types for the automation API.
package web

import "github.com/cadenzahq/cadenza/pkg/models"

// CreateWorkflowRequest represents the request body for creating a new workflow.
// Workflows are always created as drafts; activation is a separate call.
type CreateWorkflowRequest struct {
	OrganizationID string         `json:"organization_id" validate:"required"`
	Name           string         `json:"name"            validate:"required,min=3"`
	Description    string         `json:"description"`
	Nodes          []*models.Node `json:"nodes"           validate:"required,min=1"`
	Edges          []*models.Edge `json:"edges"`
	Variables      map[string]any `json:"variables,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// UpdateWorkflowRequest represents the request body for updating an existing
// workflow. All fields are optional to support partial updates; nodes and
// edges are replaced as a whole when present.
type UpdateWorkflowRequest struct {
	Name        *string        `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string        `json:"description,omitempty"`
	Nodes       []*models.Node `json:"nodes,omitempty"`
	Edges       []*models.Edge `json:"edges,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IngestEventRequest represents the request body for submitting a trigger event.
type IngestEventRequest struct {
	OrganizationID string         `json:"organization_id" validate:"required"`
	Type           string         `json:"type"            validate:"required"`
	ContactID      *string        `json:"contact_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// CreateABTestRequest represents the request body for starting an A/B test.
type CreateABTestRequest struct {
	OrganizationID string                  `json:"organization_id"`
	Name           string                  `json:"name"          validate:"required,min=3"`
	WorkflowID     string                  `json:"workflow_id"   validate:"required"`
	WinnerMetric   models.WinnerMetric     `json:"winner_metric" validate:"required,oneof=conversion_rate open_rate click_rate execution_time error_rate"`
	Variants       []*models.ABTestVariant `json:"variants"      validate:"required,min=2"`
}

// RecordResultRequest represents the request body for reporting one metric
// observation for a variant.
type RecordResultRequest struct {
	VariantID string              `json:"variant_id" validate:"required"`
	Metric    models.WinnerMetric `json:"metric"     validate:"required,oneof=conversion_rate open_rate click_rate execution_time error_rate"`
	Value     float64             `json:"value"`
}

// ComplianceCheckRequest represents the request body for a compliance check.
type ComplianceCheckRequest struct {
	Country string `json:"country" validate:"required,len=2"`
}
