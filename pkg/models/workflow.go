// Package models defines the core domain models for contact-scoped workflow automation.
package models

import (
	"errors"
	"fmt"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not matched against events
	WorkflowStatusActive   WorkflowStatus = "active"   // Matched against incoming events
	WorkflowStatusPaused   WorkflowStatus = "paused"   // Temporarily excluded from matching
	WorkflowStatusArchived WorkflowStatus = "archived" // Historical, not executable
)

// IsValid reports whether the status is one of the known lifecycle states.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowStatusDraft, WorkflowStatusActive, WorkflowStatusPaused, WorkflowStatusArchived:
		return true
	default:
		return false
	}
}

// Edge connects two nodes in a workflow graph. Condition nodes use the
// Label field ("true"/"false") to select the branch; all other node kinds
// have unlabeled edges.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source_node_id" validate:"required"`
	TargetNodeID string `json:"target_node_id" validate:"required"`
	Label        string `json:"label,omitempty"`
}

const (
	EdgeLabelTrue  = "true"
	EdgeLabelFalse = "false"
)

// Workflow represents an automation graph of trigger, condition, action,
// delay and end nodes, owned by an organization. The definition is treated
// as a stable snapshot for the lifetime of any execution started against it.
type Workflow struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id" validate:"required"`
	Name           string         `json:"name"            validate:"required,min=3"`
	Description    string         `json:"description"`
	Status         WorkflowStatus `json:"status"          validate:"required"`
	Nodes          []*Node        `json:"nodes"`
	Edges          []*Edge        `json:"edges"`
	Variables      map[string]any `json:"variables,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

var (
	ErrNodeNotFound       = errors.New("node not found in workflow")
	ErrEdgeNotFound       = errors.New("edge not found in workflow")
	ErrNoTriggerNodes     = errors.New("workflow has no enabled trigger nodes")
	ErrNoEndNodes         = errors.New("workflow has no end node")
	ErrDanglingEdge       = errors.New("edge references a node missing from the workflow")
	ErrAmbiguousOutgoing  = errors.New("node has more than one unlabeled outgoing edge")
	ErrMissingBranchEdges = errors.New("condition node must have true and false edges")
)

// Node returns the node with the given ID.
func (w *Workflow) Node(id string) (*Node, error) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
}

// TriggerNodes returns all trigger nodes in the graph.
func (w *Workflow) TriggerNodes() []*Node {
	var triggers []*Node

	for _, n := range w.Nodes {
		if n.Kind == NodeKindTrigger {
			triggers = append(triggers, n)
		}
	}

	return triggers
}

// EdgesFrom returns all edges leaving the given node.
func (w *Workflow) EdgesFrom(nodeID string) []*Edge {
	var out []*Edge

	for _, e := range w.Edges {
		if e.SourceNodeID == nodeID {
			out = append(out, e)
		}
	}

	return out
}

// SingleTarget returns the target of the single unlabeled outgoing edge of
// a node. Trigger, action and delay nodes must have exactly one.
func (w *Workflow) SingleTarget(nodeID string) (string, error) {
	edges := w.EdgesFrom(nodeID)

	switch len(edges) {
	case 0:
		return "", fmt.Errorf("%w: no outgoing edge from node %s", ErrEdgeNotFound, nodeID)
	case 1:
		return edges[0].TargetNodeID, nil
	default:
		return "", fmt.Errorf("%w: node %s", ErrAmbiguousOutgoing, nodeID)
	}
}

// BranchTarget returns the target of the condition branch edge with the
// given label ("true" or "false").
func (w *Workflow) BranchTarget(nodeID, label string) (string, error) {
	for _, e := range w.EdgesFrom(nodeID) {
		if e.Label == label {
			return e.TargetNodeID, nil
		}
	}

	return "", fmt.Errorf("%w: no %q edge from node %s", ErrEdgeNotFound, label, nodeID)
}

// Validate checks the structural integrity of the graph. It is called by
// the service layer before a workflow can be activated.
func (w *Workflow) Validate() error {
	nodeIDs := make(map[string]*Node, len(w.Nodes))
	for _, n := range w.Nodes {
		nodeIDs[n.ID] = n
	}

	for _, e := range w.Edges {
		if _, ok := nodeIDs[e.SourceNodeID]; !ok {
			return fmt.Errorf("%w: edge %s source %s", ErrDanglingEdge, e.ID, e.SourceNodeID)
		}

		if _, ok := nodeIDs[e.TargetNodeID]; !ok {
			return fmt.Errorf("%w: edge %s target %s", ErrDanglingEdge, e.ID, e.TargetNodeID)
		}
	}

	hasTrigger := false
	hasEnd := false

	for _, n := range w.Nodes {
		if err := n.DecodeSpec(); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}

		switch n.Kind {
		case NodeKindTrigger:
			if !n.Enabled {
				continue
			}

			hasTrigger = true

			if _, err := w.SingleTarget(n.ID); err != nil {
				return err
			}
		case NodeKindCondition:
			if _, err := w.BranchTarget(n.ID, EdgeLabelTrue); err != nil {
				return fmt.Errorf("%w: node %s", ErrMissingBranchEdges, n.ID)
			}

			if _, err := w.BranchTarget(n.ID, EdgeLabelFalse); err != nil {
				return fmt.Errorf("%w: node %s", ErrMissingBranchEdges, n.ID)
			}
		case NodeKindEnd:
			hasEnd = true
		case NodeKindAction, NodeKindDelay:
			if _, err := w.SingleTarget(n.ID); err != nil {
				return err
			}
		}
	}

	if !hasTrigger {
		return ErrNoTriggerNodes
	}

	if !hasEnd {
		return ErrNoEndNodes
	}

	return nil
}
