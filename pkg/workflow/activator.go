package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/pkg/eventbus"
	"github.com/cadenzahq/cadenza/pkg/events"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// VariantSelector substitutes a variant workflow definition when a running
// A/B test targets the workflow. It returns a nil workflow when no test is
// running.
type VariantSelector interface {
	SelectForWorkflow(ctx context.Context, workflowID, contactID string) (*models.Workflow, string, error)
}

// Activator turns persisted trigger events into executions: it matches
// events against active workflows, applies A/B variant substitution, starts
// executions, and marks the event processed exactly once at the end, even
// when nothing matched or individual starts failed.
type Activator struct {
	logger   *slog.Logger
	persist  persistence.Persistence
	matcher  *Matcher
	engine   *Engine
	selector VariantSelector
	bus      eventbus.EventPublisher

	// AllowConcurrentRuns permits a second open execution for the same
	// (workflow, contact) pair. Off by default: re-triggered contacts are
	// skipped while a run is open.
	AllowConcurrentRuns bool
}

func NewActivator(
	logger *slog.Logger,
	persist persistence.Persistence,
	matcher *Matcher,
	engine *Engine,
	selector VariantSelector,
	bus eventbus.EventPublisher,
) *Activator {
	return &Activator{
		logger:   logger.With("module", "activator"),
		persist:  persist,
		matcher:  matcher,
		engine:   engine,
		selector: selector,
		bus:      bus,
	}
}

// Ingest validates and appends a trigger event to the store, then announces
// it on the bus. Durability precedes dispatch: the row is committed before
// the announcement, so a bus failure only delays activation until the
// scheduler's unprocessed sweep picks the event up.
func (a *Activator) Ingest(ctx context.Context, event *models.TriggerEvent) error {
	if !event.Type.IsValid() {
		return fmt.Errorf("%w: unknown event type %q", models.ErrInvalidSpec, event.Type)
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	if err := a.persist.Events().Append(ctx, event); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	contactID := ""
	if event.ContactID != nil {
		contactID = *event.ContactID
	}

	if a.bus != nil {
		announcement := events.TriggerEventReceived{
			BaseEvent: events.BaseEvent{
				ID:             uuid.New().String(),
				Type:           events.TriggerEventReceivedEvent,
				Timestamp:      time.Now().UTC(),
				OrganizationID: event.OrganizationID,
			},
			TriggerEventID: event.ID,
			TriggerType:    string(event.Type),
			ContactID:      contactID,
			Data:           event.Data,
		}

		if err := a.bus.Publish(ctx, event.ID, announcement); err != nil {
			a.logger.ErrorContext(ctx, "Failed to announce trigger event",
				"event_id", event.ID, "error", err)
		}
	}

	return nil
}

// ProcessEvent activates workflows for one persisted trigger event. The
// store is at-least-once, so already-processed events are skipped quietly.
func (a *Activator) ProcessEvent(ctx context.Context, eventID string) error {
	event, err := a.persist.Events().GetByID(ctx, eventID)
	if err != nil {
		return err
	}

	if event.Processed {
		a.logger.DebugContext(ctx, "Skipping already processed event", "event_id", eventID)

		return nil
	}

	matches, err := a.matcher.Match(ctx, event)
	if err != nil {
		return err
	}

	started := 0

	for _, match := range matches {
		if err := a.activate(ctx, event, match); err != nil {
			a.logger.ErrorContext(ctx, "Failed to start execution",
				"event_id", eventID,
				"workflow_id", match.Workflow.ID,
				"error", err)

			continue
		}

		started++
	}

	if err := a.persist.Events().MarkProcessed(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	a.logger.InfoContext(ctx, "Activated event",
		"event_id", eventID,
		"matches", len(matches),
		"executions_started", started)

	return nil
}

// HandleTriggerEventReceived is the bus handler wired by the activator
// binary.
func (a *Activator) HandleTriggerEventReceived(ctx context.Context, event any) error {
	received, ok := event.(*events.TriggerEventReceived)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	return a.ProcessEvent(ctx, received.TriggerEventID)
}

func (a *Activator) activate(ctx context.Context, event *models.TriggerEvent, match Match) error {
	wf := match.Workflow
	triggerNode := match.TriggerNode

	contactID := ""
	if event.ContactID != nil {
		contactID = *event.ContactID
	}

	if !a.AllowConcurrentRuns && contactID != "" {
		if open := a.hasOpenRun(ctx, wf.ID, contactID); open {
			a.logger.InfoContext(ctx, "Skipping re-trigger with open execution",
				"workflow_id", wf.ID, "contact_id", contactID)

			return nil
		}
	}

	variantID := ""

	if a.selector != nil && contactID != "" {
		definition, selected, err := a.selector.SelectForWorkflow(ctx, wf.ID, contactID)
		if err != nil {
			return fmt.Errorf("variant selection failed: %w", err)
		}

		if definition != nil {
			if !a.AllowConcurrentRuns && a.hasOpenRun(ctx, definition.ID, contactID) {
				a.logger.InfoContext(ctx, "Skipping re-trigger with open variant execution",
					"workflow_id", definition.ID, "contact_id", contactID)

				return nil
			}

			wf = definition
			variantID = selected
			triggerNode = a.variantTriggerNode(definition, event, triggerNode)
		}
	}

	execution, err := a.engine.Start(ctx, wf, triggerNode, event)
	if err != nil {
		return err
	}

	if variantID != "" {
		a.logger.InfoContext(ctx, "Started execution on variant",
			"execution_id", execution.ID,
			"workflow_id", wf.ID,
			"variant_id", variantID)
	}

	return nil
}

func (a *Activator) hasOpenRun(ctx context.Context, workflowID, contactID string) bool {
	_, err := a.persist.Executions().FindNonTerminal(ctx, workflowID, contactID)

	return err == nil
}

// variantTriggerNode locates the trigger to start from inside a substituted
// variant definition. It prefers a trigger matching the event, falls back to
// the first enabled trigger, and finally to the base workflow's node.
func (a *Activator) variantTriggerNode(definition *models.Workflow, event *models.TriggerEvent, base *models.Node) *models.Node {
	var fallback *models.Node

	for _, node := range definition.TriggerNodes() {
		if !node.Enabled {
			continue
		}

		if fallback == nil {
			fallback = node
		}

		if a.matcher.triggerMatches(node, event) {
			return node
		}
	}

	if fallback != nil {
		return fallback
	}

	return base
}
