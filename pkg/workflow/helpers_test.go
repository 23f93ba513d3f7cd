package workflow

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/pkg/dispatch"
	"github.com/cadenzahq/cadenza/pkg/models"
)

const testOrgID = "org-test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSender scripts dispatch outcomes and records every request.
type fakeSender struct {
	mu    sync.Mutex
	calls []dispatch.Request
	errs  []error
}

func (f *fakeSender) Send(_ context.Context, req dispatch.Request) (*dispatch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]

		if err != nil {
			return nil, err
		}
	}

	return &dispatch.Result{MessageID: uuid.New().String()}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func triggerNode(id string, eventType models.EventType, filters map[string]any) *models.Node {
	config := map[string]any{"event_type": string(eventType)}
	if filters != nil {
		config["filters"] = filters
	}

	return &models.Node{ID: id, Kind: models.NodeKindTrigger, Config: config, Enabled: true}
}

func actionNode(id string, channel models.Channel) *models.Node {
	return &models.Node{
		ID:   id,
		Kind: models.NodeKindAction,
		Config: map[string]any{
			"channel":     string(channel),
			"template_id": "tpl-welcome",
		},
		Enabled: true,
	}
}

func edge(source, target, label string) *models.Edge {
	return &models.Edge{ID: uuid.New().String(), SourceNodeID: source, TargetNodeID: target, Label: label}
}

// linearWorkflow builds trigger -> action -> end.
func linearWorkflow(t *testing.T, eventType models.EventType) *models.Workflow {
	t.Helper()

	wf := &models.Workflow{
		ID:             uuid.New().String(),
		OrganizationID: testOrgID,
		Name:           "welcome sequence",
		Status:         models.WorkflowStatusActive,
		Nodes: []*models.Node{
			triggerNode("trigger", eventType, nil),
			actionNode("send", models.ChannelEmail),
			{ID: "end", Kind: models.NodeKindEnd, Enabled: true},
		},
		Edges: []*models.Edge{
			edge("trigger", "send", ""),
			edge("send", "end", ""),
		},
	}

	require.NoError(t, wf.Validate())

	return wf
}

// branchWorkflow builds trigger -> condition(score > 50) with the true edge
// through an action and the false edge straight to the end.
func branchWorkflow(t *testing.T, eventType models.EventType) *models.Workflow {
	t.Helper()

	wf := &models.Workflow{
		ID:             uuid.New().String(),
		OrganizationID: testOrgID,
		Name:           "score gate",
		Status:         models.WorkflowStatusActive,
		Nodes: []*models.Node{
			triggerNode("trigger", eventType, nil),
			{
				ID:   "gate",
				Kind: models.NodeKindCondition,
				Config: map[string]any{
					"field":    "score",
					"operator": "gt",
					"value":    50,
				},
				Enabled: true,
			},
			actionNode("send", models.ChannelEmail),
			{ID: "end", Kind: models.NodeKindEnd, Enabled: true},
		},
		Edges: []*models.Edge{
			edge("trigger", "gate", ""),
			edge("gate", "send", models.EdgeLabelTrue),
			edge("gate", "end", models.EdgeLabelFalse),
			edge("send", "end", ""),
		},
	}

	require.NoError(t, wf.Validate())

	return wf
}

// delayWorkflow builds trigger -> delay -> action -> end.
func delayWorkflow(t *testing.T, eventType models.EventType, duration string) *models.Workflow {
	t.Helper()

	wf := &models.Workflow{
		ID:             uuid.New().String(),
		OrganizationID: testOrgID,
		Name:           "delayed follow-up",
		Status:         models.WorkflowStatusActive,
		Nodes: []*models.Node{
			triggerNode("trigger", eventType, nil),
			{ID: "wait", Kind: models.NodeKindDelay, Config: map[string]any{"duration": duration}, Enabled: true},
			actionNode("send", models.ChannelEmail),
			{ID: "end", Kind: models.NodeKindEnd, Enabled: true},
		},
		Edges: []*models.Edge{
			edge("trigger", "wait", ""),
			edge("wait", "send", ""),
			edge("send", "end", ""),
		},
	}

	require.NoError(t, wf.Validate())

	return wf
}

// cyclicWorkflow builds a condition whose true branch loops back to itself.
func cyclicWorkflow(t *testing.T, eventType models.EventType) *models.Workflow {
	t.Helper()

	wf := &models.Workflow{
		ID:             uuid.New().String(),
		OrganizationID: testOrgID,
		Name:           "definition cycle",
		Status:         models.WorkflowStatusActive,
		Nodes: []*models.Node{
			triggerNode("trigger", eventType, nil),
			{
				ID:   "loop",
				Kind: models.NodeKindCondition,
				Config: map[string]any{
					"field":    "score",
					"operator": "gt",
					"value":    0,
				},
				Enabled: true,
			},
			{ID: "end", Kind: models.NodeKindEnd, Enabled: true},
		},
		Edges: []*models.Edge{
			edge("trigger", "loop", ""),
			edge("loop", "loop", models.EdgeLabelTrue),
			edge("loop", "end", models.EdgeLabelFalse),
		},
	}

	require.NoError(t, wf.Validate())

	return wf
}

func testEvent(eventType models.EventType, contactID string, data map[string]any) *models.TriggerEvent {
	event := &models.TriggerEvent{
		ID:             uuid.New().String(),
		OrganizationID: testOrgID,
		Type:           eventType,
		Data:           data,
	}

	if contactID != "" {
		event.ContactID = &contactID
	}

	return event
}
