package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/cadenzahq/cadenza/pkg/dispatch"
	"github.com/cadenzahq/cadenza/pkg/eventbus"
	"github.com/cadenzahq/cadenza/pkg/events"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence"
)

// DefaultMaxHops bounds node traversals per Advance call. A well-formed
// marketing workflow is far below this; hitting it means a definition cycle.
const DefaultMaxHops = 100

var (
	ErrMaxHopsExceeded   = errors.New("max hops exceeded, workflow definition likely contains a cycle")
	ErrExecutionTerminal = errors.New("execution already in a terminal status")
	ErrNotWaitingRetry   = errors.New("execution is not parked on a dispatch retry")
)

// Sender is the dispatch surface the engine needs. *dispatch.Registry
// implements it.
type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// RetryEnqueuer schedules redelivery of a transiently failed send. It
// reports false when the cause is not retryable.
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, job *models.RetryJob, cause error) (bool, error)
}

// Engine drives execution state machines over workflow graphs. Every
// transition is committed before the next node's side effect runs, so a
// crashed worker resumes at the last committed node. Side effects are
// therefore at-least-once.
type Engine struct {
	logger   *slog.Logger
	persist  persistence.Persistence
	sender   Sender
	retries  RetryEnqueuer
	bus      eventbus.EventPublisher
	clock    clockwork.Clock
	workerID string
	maxHops  int
}

// EngineOption configures optional engine behavior.
type EngineOption func(*Engine)

// WithClock replaces the wall clock, used by tests to control delay timing.
func WithClock(clock clockwork.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithMaxHops overrides the traversal bound per Advance call.
func WithMaxHops(n int) EngineOption {
	return func(e *Engine) { e.maxHops = n }
}

func NewEngine(
	logger *slog.Logger,
	persist persistence.Persistence,
	sender Sender,
	retries RetryEnqueuer,
	bus eventbus.EventPublisher,
	workerID string,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		logger:   logger.With("module", "engine", "worker_id", workerID),
		persist:  persist,
		sender:   sender,
		retries:  retries,
		bus:      bus,
		clock:    clockwork.NewRealClock(),
		workerID: workerID,
		maxHops:  DefaultMaxHops,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Start creates the execution row for a matched workflow. The row is
// persisted pointing past the trigger node, before any side effect, so a
// crash right after Start leaves a resumable RUNNING execution.
func (e *Engine) Start(ctx context.Context, wf *models.Workflow, triggerNode *models.Node, event *models.TriggerEvent) (*models.Execution, error) {
	target, err := wf.SingleTarget(triggerNode.ID)
	if err != nil {
		return nil, fmt.Errorf("trigger node %s: %w", triggerNode.ID, err)
	}

	contactID := ""
	if event.ContactID != nil {
		contactID = *event.ContactID
	}

	execContext := make(map[string]any, len(event.Data)+2)
	for k, v := range event.Data {
		execContext[k] = v
	}

	execContext["trigger_event_id"] = event.ID
	execContext["trigger_event_type"] = string(event.Type)

	now := e.clock.Now().UTC()
	execution := &models.Execution{
		ID:            uuid.New().String(),
		WorkflowID:    wf.ID,
		ContactID:     contactID,
		CurrentNodeID: target,
		Status:        models.ExecutionStatusRunning,
		Context:       execContext,
		StartedAt:     now,
		UpdatedAt:     now,
	}

	if err := e.persist.Executions().Create(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	e.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent:   e.baseEvent(events.ExecutionStartedEvent, wf.OrganizationID, wf.ID),
		ExecutionID: execution.ID,
		ContactID:   contactID,
		TriggerType: string(event.Type),
		TriggerData: event.Data,
	})

	e.logger.InfoContext(ctx, "Started execution",
		"execution_id", execution.ID,
		"workflow_id", wf.ID,
		"contact_id", contactID)

	return execution, nil
}

// Advance walks the graph from the execution's current node until it parks,
// terminates, or hits the hop bound. Business failures mark the execution
// FAILED and return nil; only infrastructure errors propagate.
func (e *Engine) Advance(ctx context.Context, execution *models.Execution) error {
	wf, err := e.persist.Workflows().GetByID(ctx, execution.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", execution.WorkflowID, err)
	}

	nodesExecuted := 0

	for hops := 0; ; hops++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if execution.Status != models.ExecutionStatusRunning {
			return nil
		}

		if hops >= e.maxHops {
			return e.fail(ctx, wf, execution, execution.CurrentNodeID, ErrMaxHopsExceeded)
		}

		node, err := wf.Node(execution.CurrentNodeID)
		if err != nil {
			return e.fail(ctx, wf, execution, execution.CurrentNodeID, err)
		}

		switch node.Kind {
		case models.NodeKindTrigger:
			// Only reachable on replays of pre-Start state; step past it.
			target, err := wf.SingleTarget(node.ID)
			if err != nil {
				return e.fail(ctx, wf, execution, node.ID, err)
			}

			if err := e.commitMove(ctx, execution, target); err != nil {
				return err
			}

		case models.NodeKindCondition:
			target, err := e.evaluateBranch(ctx, wf, execution, node)
			if err != nil {
				return e.fail(ctx, wf, execution, node.ID, err)
			}

			if err := e.commitMove(ctx, execution, target); err != nil {
				return err
			}

			nodesExecuted++

		case models.NodeKindAction:
			done, err := e.executeAction(ctx, wf, execution, node)
			if err != nil || done {
				return err
			}

			nodesExecuted++

		case models.NodeKindDelay:
			return e.parkOnDelay(ctx, wf, execution, node)

		case models.NodeKindEnd:
			return e.complete(ctx, wf, execution, nodesExecuted)

		default:
			return e.fail(ctx, wf, execution, node.ID, fmt.Errorf("%w: %q", models.ErrUnknownNodeKind, node.Kind))
		}
	}
}

// evaluateBranch evaluates a condition node against the execution context
// merged over the contact's live attributes. Context keys shadow contact
// attributes on collision.
func (e *Engine) evaluateBranch(ctx context.Context, wf *models.Workflow, execution *models.Execution, node *models.Node) (string, error) {
	data := make(map[string]any)

	if execution.ContactID != "" {
		contact, err := e.persist.Contacts().GetByID(ctx, execution.ContactID)
		if err == nil {
			for k, v := range contact.Attributes {
				data[k] = v
			}

			data["email"] = contact.Email
			data["phone"] = contact.Phone
			data["tags"] = contact.Tags
		} else if !persistence.IsNotFound(err) {
			return "", fmt.Errorf("failed to load contact %s: %w", execution.ContactID, err)
		}
	}

	for k, v := range execution.Context {
		data[k] = v
	}

	result, err := evaluateCondition(node.ConditionSpec(), data)
	if err != nil {
		return "", err
	}

	label := models.EdgeLabelFalse
	if result {
		label = models.EdgeLabelTrue
	}

	return wf.BranchTarget(node.ID, label)
}

// executeAction dispatches the node's send and commits the resulting state.
// It reports done=true when the execution parked or terminated.
func (e *Engine) executeAction(ctx context.Context, wf *models.Workflow, execution *models.Execution, node *models.Node) (bool, error) {
	spec := node.ActionSpec()

	_, sendErr := e.sender.Send(ctx, dispatch.Request{
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		Channel:     spec.Channel,
		ContactID:   execution.ContactID,
		TemplateID:  spec.TemplateID,
		Payload:     spec.Payload,
	})

	if sendErr == nil {
		target, err := wf.SingleTarget(node.ID)
		if err != nil {
			return true, e.fail(ctx, wf, execution, node.ID, err)
		}

		return false, e.commitMove(ctx, execution, target)
	}

	if dispatch.IsTransient(sendErr) {
		return true, e.parkOnRetry(ctx, wf, execution, node, sendErr)
	}

	return true, e.fail(ctx, wf, execution, node.ID, sendErr)
}

func (e *Engine) parkOnRetry(ctx context.Context, wf *models.Workflow, execution *models.Execution, node *models.Node, cause error) error {
	spec := node.ActionSpec()
	now := e.clock.Now().UTC()

	// The job payload carries the template so redelivery needs nothing from
	// the workflow definition.
	payload := make(map[string]any, len(spec.Payload)+1)
	for k, v := range spec.Payload {
		payload[k] = v
	}

	if spec.TemplateID != "" {
		payload["template_id"] = spec.TemplateID
	}

	job := &models.RetryJob{
		ID:          uuid.New().String(),
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		Channel:     spec.Channel,
		ContactID:   execution.ContactID,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	enqueued, err := e.retries.Enqueue(ctx, job, cause)
	if err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}

	if !enqueued {
		return e.fail(ctx, wf, execution, node.ID, cause)
	}

	execution.Status = models.ExecutionStatusWaiting
	execution.WaitReason = models.WaitReasonDispatchRetry
	execution.ResumeAt = nil

	if err := e.persist.Executions().Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to park execution %s: %w", execution.ID, err)
	}

	e.publish(ctx, execution.ID, events.ExecutionWaiting{
		BaseEvent:   e.baseEvent(events.ExecutionWaitingEvent, wf.OrganizationID, wf.ID),
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		WaitReason:  string(models.WaitReasonDispatchRetry),
	})

	e.logger.InfoContext(ctx, "Execution parked on dispatch retry",
		"execution_id", execution.ID,
		"node_id", node.ID,
		"retry_job_id", job.ID)

	return nil
}

func (e *Engine) parkOnDelay(ctx context.Context, wf *models.Workflow, execution *models.Execution, node *models.Node) error {
	resumeAt := e.clock.Now().UTC().Add(node.DelaySpec().Duration)

	execution.Status = models.ExecutionStatusWaiting
	execution.WaitReason = models.WaitReasonDelay
	execution.ResumeAt = &resumeAt
	// Park pointing past the delay so the wake-up sweep advances from the
	// next node instead of re-entering the delay.
	target, err := wf.SingleTarget(node.ID)
	if err != nil {
		return e.fail(ctx, wf, execution, node.ID, err)
	}

	execution.CurrentNodeID = target

	if err := e.persist.Executions().Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to park execution %s: %w", execution.ID, err)
	}

	e.publish(ctx, execution.ID, events.ExecutionWaiting{
		BaseEvent:   e.baseEvent(events.ExecutionWaitingEvent, wf.OrganizationID, wf.ID),
		ExecutionID: execution.ID,
		NodeID:      node.ID,
		WaitReason:  string(models.WaitReasonDelay),
		ResumeAt:    &resumeAt,
	})

	e.logger.InfoContext(ctx, "Execution parked on delay",
		"execution_id", execution.ID,
		"node_id", node.ID,
		"resume_at", resumeAt)

	return nil
}

func (e *Engine) complete(ctx context.Context, wf *models.Workflow, execution *models.Execution, nodesExecuted int) error {
	now := e.clock.Now().UTC()

	execution.Status = models.ExecutionStatusCompleted
	execution.WaitReason = ""
	execution.ResumeAt = nil
	execution.CompletedAt = &now

	if err := e.persist.Executions().Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to complete execution %s: %w", execution.ID, err)
	}

	e.publish(ctx, execution.ID, events.ExecutionCompleted{
		BaseEvent:     e.baseEvent(events.ExecutionCompletedEvent, wf.OrganizationID, wf.ID),
		ExecutionID:   execution.ID,
		ContactID:     execution.ContactID,
		DurationMs:    now.Sub(execution.StartedAt).Milliseconds(),
		NodesExecuted: nodesExecuted,
	})

	e.logger.InfoContext(ctx, "Execution completed",
		"execution_id", execution.ID,
		"workflow_id", execution.WorkflowID,
		"nodes_executed", nodesExecuted)

	return nil
}

func (e *Engine) fail(ctx context.Context, wf *models.Workflow, execution *models.Execution, nodeID string, cause error) error {
	now := e.clock.Now().UTC()

	execution.Status = models.ExecutionStatusFailed
	execution.WaitReason = ""
	execution.ResumeAt = nil
	execution.CompletedAt = &now

	if execution.Context == nil {
		execution.Context = make(map[string]any)
	}

	execution.Context[models.ContextKeyError] = cause.Error()

	if err := e.persist.Executions().Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to record execution failure %s: %w", execution.ID, err)
	}

	e.publish(ctx, execution.ID, events.ExecutionFailed{
		BaseEvent:   e.baseEvent(events.ExecutionFailedEvent, wf.OrganizationID, wf.ID),
		ExecutionID: execution.ID,
		ContactID:   execution.ContactID,
		NodeID:      nodeID,
		Error:       cause.Error(),
		DurationMs:  now.Sub(execution.StartedAt).Milliseconds(),
	})

	e.logger.WarnContext(ctx, "Execution failed",
		"execution_id", execution.ID,
		"node_id", nodeID,
		"error", cause)

	return nil
}

// commitMove persists a pointer advance to the next node while the
// execution keeps running.
func (e *Engine) commitMove(ctx context.Context, execution *models.Execution, target string) error {
	execution.CurrentNodeID = target

	if err := e.persist.Executions().Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to advance execution %s: %w", execution.ID, err)
	}

	return nil
}

// ResumeDue wakes delay-parked executions whose resume time has passed and
// advances each. Version conflicts mean another worker got there first and
// are skipped, not errors.
func (e *Engine) ResumeDue(ctx context.Context) (int, error) {
	due, err := e.persist.Executions().ListWaitingDue(ctx, e.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list due executions: %w", err)
	}

	resumed := 0

	for _, execution := range due {
		nodeID := execution.CurrentNodeID

		execution.Status = models.ExecutionStatusRunning
		execution.WaitReason = ""
		execution.ResumeAt = nil

		if err := e.persist.Executions().Update(ctx, execution); err != nil {
			if persistence.IsVersionConflict(err) {
				continue
			}

			return resumed, fmt.Errorf("failed to wake execution %s: %w", execution.ID, err)
		}

		e.publish(ctx, execution.ID, events.ExecutionResumed{
			BaseEvent:   e.baseEvent(events.ExecutionResumedEvent, "", execution.WorkflowID),
			ExecutionID: execution.ID,
			NodeID:      nodeID,
			WaitReason:  string(models.WaitReasonDelay),
		})

		if err := e.Advance(ctx, execution); err != nil {
			e.logger.ErrorContext(ctx, "Failed to advance resumed execution",
				"execution_id", execution.ID, "error", err)

			continue
		}

		resumed++
	}

	return resumed, nil
}

// Cancel moves a non-terminal execution to CANCELLED.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	execution, err := e.persist.Executions().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, execution.Status)
	}

	now := e.clock.Now().UTC()

	execution.Status = models.ExecutionStatusCancelled
	execution.WaitReason = ""
	execution.ResumeAt = nil
	execution.CompletedAt = &now

	if err := e.persist.Executions().Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to cancel execution %s: %w", executionID, err)
	}

	e.publish(ctx, execution.ID, events.ExecutionCancelled{
		BaseEvent:   e.baseEvent(events.ExecutionCancelledEvent, "", execution.WorkflowID),
		ExecutionID: execution.ID,
	})

	e.logger.InfoContext(ctx, "Execution cancelled", "execution_id", executionID)

	return nil
}

// ResumeFromRetry is the retry subsystem's callback. A nil outcome advances
// the execution past the parked action node; a non-nil outcome fails it.
func (e *Engine) ResumeFromRetry(ctx context.Context, executionID string, outcome error) error {
	execution, err := e.persist.Executions().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status != models.ExecutionStatusWaiting || execution.WaitReason != models.WaitReasonDispatchRetry {
		return fmt.Errorf("%w: %s", ErrNotWaitingRetry, executionID)
	}

	wf, err := e.persist.Workflows().GetByID(ctx, execution.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow %s: %w", execution.WorkflowID, err)
	}

	if outcome != nil {
		return e.fail(ctx, wf, execution, execution.CurrentNodeID, outcome)
	}

	target, err := wf.SingleTarget(execution.CurrentNodeID)
	if err != nil {
		return e.fail(ctx, wf, execution, execution.CurrentNodeID, err)
	}

	nodeID := execution.CurrentNodeID

	execution.Status = models.ExecutionStatusRunning
	execution.WaitReason = ""
	execution.CurrentNodeID = target

	if err := e.persist.Executions().Update(ctx, execution); err != nil {
		return fmt.Errorf("failed to resume execution %s: %w", executionID, err)
	}

	e.publish(ctx, execution.ID, events.ExecutionResumed{
		BaseEvent:   e.baseEvent(events.ExecutionResumedEvent, wf.OrganizationID, wf.ID),
		ExecutionID: execution.ID,
		NodeID:      nodeID,
		WaitReason:  string(models.WaitReasonDispatchRetry),
	})

	return e.Advance(ctx, execution)
}

func (e *Engine) baseEvent(eventType events.EventType, organizationID, workflowID string) events.BaseEvent {
	return events.BaseEvent{
		ID:             uuid.New().String(),
		Type:           eventType,
		Timestamp:      e.clock.Now().UTC(),
		OrganizationID: organizationID,
		WorkflowID:     workflowID,
		WorkerID:       e.workerID,
	}
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
