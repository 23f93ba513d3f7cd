// Package workflow contains the trigger matcher, the execution engine and
// the activator that connects them to the event bus.
package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// Matcher matches trigger events against active workflow definitions.
type Matcher struct {
	logger    *slog.Logger
	workflows persistence.WorkflowRepository
}

// Match pairs a workflow with the trigger node that matched. A workflow
// appears at most once even when several of its trigger nodes match.
type Match struct {
	Workflow    *models.Workflow
	TriggerNode *models.Node
}

func NewMatcher(logger *slog.Logger, workflows persistence.WorkflowRepository) *Matcher {
	return &Matcher{
		logger:    logger.With("module", "matcher"),
		workflows: workflows,
	}
}

// Match returns the active workflows activated by the event. A workflow
// matches when any enabled trigger node's event type equals the event's
// type and every filter key on the node equals the corresponding event
// payload value. Absent filter keys are wildcards. Matches carry no
// ordering guarantee.
func (m *Matcher) Match(ctx context.Context, event *models.TriggerEvent) ([]Match, error) {
	workflows, err := m.workflows.ListActive(ctx, event.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	var matches []Match

	for _, wf := range workflows {
		for _, node := range wf.TriggerNodes() {
			if !node.Enabled {
				continue
			}

			if m.triggerMatches(node, event) {
				matches = append(matches, Match{Workflow: wf, TriggerNode: node})

				m.logger.DebugContext(ctx, "Found matching workflow",
					"workflow_id", wf.ID,
					"trigger_node_id", node.ID,
					"event_type", event.Type)

				break
			}
		}
	}

	m.logger.InfoContext(ctx, "Completed trigger matching",
		"event_id", event.ID,
		"event_type", event.Type,
		"matches_found", len(matches))

	return matches, nil
}

func (m *Matcher) triggerMatches(node *models.Node, event *models.TriggerEvent) bool {
	spec := node.TriggerSpec()
	if spec == nil || spec.EventType != event.Type {
		return false
	}

	for key, want := range spec.Filters {
		got, ok := event.Data[key]
		if !ok {
			return false
		}

		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}

	return true
}
