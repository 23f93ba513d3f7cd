package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/pkg/abtest"
	"github.com/cadenzahq/cadenza/pkg/compliance"
	"github.com/cadenzahq/cadenza/pkg/dispatch"
	"github.com/cadenzahq/cadenza/pkg/models"
	"github.com/cadenzahq/cadenza/pkg/persistence/memory"
	"github.com/cadenzahq/cadenza/pkg/retry"
	"github.com/cadenzahq/cadenza/pkg/services"
	"github.com/cadenzahq/cadenza/pkg/web"
	"github.com/cadenzahq/cadenza/pkg/workflow"
)

func setupTestApp(t *testing.T) (*fiber.App, *memory.Persistence) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := memory.NewPersistence()

	registry := dispatch.NewRegistry(logger)
	registry.Register(dispatch.NewLogDispatcher(logger, models.ChannelEmail))

	queue := retry.NewQueue(logger, store.RetryJobs(), registry, nil, nil)
	engine := workflow.NewEngine(logger, store, registry, queue, nil, "test-api")
	matcher := workflow.NewMatcher(logger, store.Workflows())
	selector := abtest.NewSelector(logger, store.ABTests(), nil)
	activator := workflow.NewActivator(logger, store, matcher, engine, selector, nil)

	workflowService := services.NewWorkflow(logger, store, compliance.NewChecker(logger))
	executionService := services.NewExecution(logger, store, engine)
	abtestService := services.NewABTest(logger, store, abtest.NewRecorder(logger, store.ABTests()))

	validate := validator.New(validator.WithRequiredStructEnabled())
	handlers := web.NewAPIHandlers(workflowService, executionService, abtestService, activator, validate)

	app := fiber.New()

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Patch("/:id", handlers.UpdateWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Post("/:id/activate", handlers.ActivateWorkflow)
	w.Post("/:id/pause", handlers.PauseWorkflow)
	w.Post("/:id/compliance-check", handlers.CheckCompliance)
	w.Get("/:id/executions", handlers.GetWorkflowExecutions)

	app.Post("/events", handlers.IngestEvent)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	ab := app.Group("/abtests")
	ab.Post("/", handlers.CreateABTest)
	ab.Get("/:id", handlers.GetABTest)
	ab.Post("/:id/results", handlers.RecordABTestResult)
	ab.Get("/:id/analysis", handlers.AnalyzeABTest)
	ab.Post("/:id/conclude", handlers.ConcludeABTest)

	app.Get("/health", handlers.HealthCheck)

	return app, store
}

func doJSON(t *testing.T, app *fiber.App, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()

	var body []byte

	if payload != nil {
		if str, ok := payload.(string); ok {
			body = []byte(str)
		} else {
			var err error
			body, err = json.Marshal(payload)
			require.NoError(t, err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, respBody
}

func validWorkflowRequest() web.CreateWorkflowRequest {
	return web.CreateWorkflowRequest{
		OrganizationID: "org-1",
		Name:           "Welcome Series",
		Description:    "Onboarding emails",
		Nodes: []*models.Node{
			{ID: "trigger", Kind: models.NodeKindTrigger, Config: map[string]any{"event_type": "contact_created"}, Enabled: true},
			{ID: "send", Kind: models.NodeKindAction, Config: map[string]any{"channel": "email", "template_id": "tpl-welcome"}, Enabled: true},
			{ID: "end", Kind: models.NodeKindEnd, Enabled: true},
		},
		Edges: []*models.Edge{
			{ID: "e1", SourceNodeID: "trigger", TargetNodeID: "send"},
			{ID: "e2", SourceNodeID: "send", TargetNodeID: "end"},
		},
	}
}

func TestCreateWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{
			name:           "successful creation",
			requestBody:    validWorkflowRequest(),
			expectedStatus: http.StatusCreated,
		},
		{
			name: "validation error - missing name",
			requestBody: func() web.CreateWorkflowRequest {
				req := validWorkflowRequest()
				req.Name = ""

				return req
			}(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "validation error - dangling edge",
			requestBody: func() web.CreateWorkflowRequest {
				req := validWorkflowRequest()
				req.Edges = append(req.Edges, &models.Edge{ID: "e3", SourceNodeID: "send", TargetNodeID: "ghost"})

				return req
			}(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "validation error - bad node config",
			requestBody: func() web.CreateWorkflowRequest {
				req := validWorkflowRequest()
				req.Nodes[1].Config = map[string]any{"channel": "pigeon"}

				return req
			}(),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON",
			requestBody:    "not-json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			resp, body := doJSON(t, app, http.MethodPost, "/workflows/", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusCreated {
				var created models.Workflow
				require.NoError(t, json.Unmarshal(body, &created))
				assert.NotEmpty(t, created.ID)
				assert.Equal(t, models.WorkflowStatusDraft, created.Status)
			}
		})
	}
}

func TestActivateWorkflow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/", validWorkflowRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	resp, body = doJSON(t, app, http.MethodPost, "/workflows/"+created.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var activated models.Workflow
	require.NoError(t, json.Unmarshal(body, &activated))
	assert.Equal(t, models.WorkflowStatusActive, activated.Status)

	// Activating twice is a no-op.
	resp, _ = doJSON(t, app, http.MethodPost, "/workflows/"+created.ID+"/activate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/workflows/missing/activate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestEvent(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)

	contactID := "contact-1"
	resp, body := doJSON(t, app, http.MethodPost, "/events", web.IngestEventRequest{
		OrganizationID: "org-1",
		Type:           "contact_created",
		ContactID:      &contactID,
		Data:           map[string]any{"source": "signup_form"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var event models.TriggerEvent
	require.NoError(t, json.Unmarshal(body, &event))
	require.NotEmpty(t, event.ID)

	persisted, err := store.Events().GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	assert.False(t, persisted.Processed)

	resp, _ = doJSON(t, app, http.MethodPost, "/events", web.IngestEventRequest{
		OrganizationID: "org-1",
		Type:           "page_viewed",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelExecution(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)
	ctx := context.Background()

	running := &models.Execution{
		ID:            "exec-1",
		WorkflowID:    "wf-1",
		ContactID:     "contact-1",
		CurrentNodeID: "send",
		Status:        models.ExecutionStatusRunning,
	}
	require.NoError(t, store.Executions().Create(ctx, running))

	resp, _ := doJSON(t, app, http.MethodPost, "/executions/exec-1/cancel", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancelled, err := store.Executions().GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	// A finished execution cannot be cancelled again.
	resp, _ = doJSON(t, app, http.MethodPost, "/executions/exec-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/executions/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func abTestRequest(workflowID string) web.CreateABTestRequest {
	variantDef := func(name string) *models.Workflow {
		return &models.Workflow{
			Name: name,
			Nodes: []*models.Node{
				{ID: "trigger", Kind: models.NodeKindTrigger, Config: map[string]any{"event_type": "contact_created"}, Enabled: true},
				{ID: "send", Kind: models.NodeKindAction, Config: map[string]any{"channel": "email", "template_id": "tpl-" + name}, Enabled: true},
				{ID: "end", Kind: models.NodeKindEnd, Enabled: true},
			},
			Edges: []*models.Edge{
				{ID: "e1", SourceNodeID: "trigger", TargetNodeID: "send"},
				{ID: "e2", SourceNodeID: "send", TargetNodeID: "end"},
			},
		}
	}

	return web.CreateABTestRequest{
		Name:         "Subject line test",
		WorkflowID:   workflowID,
		WinnerMetric: models.MetricOpenRate,
		Variants: []*models.ABTestVariant{
			{Name: "control", TrafficPercent: 0.5, Definition: variantDef("control")},
			{Name: "treatment", TrafficPercent: 0.5, Definition: variantDef("treatment")},
		},
	}
}

func TestCreateABTest(t *testing.T) {
	t.Parallel()

	app, store := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/", validWorkflowRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var base models.Workflow
	require.NoError(t, json.Unmarshal(body, &base))

	resp, body = doJSON(t, app, http.MethodPost, "/abtests/", abTestRequest(base.ID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.ABTest
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, models.ABTestStatusRunning, created.Status)
	require.Len(t, created.Variants, 2)

	// Variant definitions are persisted as draft workflows.
	for _, variant := range created.Variants {
		def, err := store.Workflows().GetByID(context.Background(), variant.Definition.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusDraft, def.Status)
	}

	// One running test per workflow.
	resp, _ = doJSON(t, app, http.MethodPost, "/abtests/", abTestRequest(base.ID))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateABTestRejectsUnconservedTraffic(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/", validWorkflowRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var base models.Workflow
	require.NoError(t, json.Unmarshal(body, &base))

	req := abTestRequest(base.ID)
	req.Variants[0].TrafficPercent = 0.3
	req.Variants[1].TrafficPercent = 0.3

	resp, _ = doJSON(t, app, http.MethodPost, "/abtests/", req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestABTestResultsAndAnalysis(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/", validWorkflowRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var base models.Workflow
	require.NoError(t, json.Unmarshal(body, &base))

	resp, body = doJSON(t, app, http.MethodPost, "/abtests/", abTestRequest(base.ID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var test models.ABTest
	require.NoError(t, json.Unmarshal(body, &test))

	// No samples yet.
	resp, _ = doJSON(t, app, http.MethodGet, "/abtests/"+test.ID+"/analysis", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for range 40 {
		resp, _ = doJSON(t, app, http.MethodPost, "/abtests/"+test.ID+"/results", web.RecordResultRequest{
			VariantID: test.Variants[0].ID, Metric: models.MetricOpenRate, Value: 0.2,
		})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp, _ = doJSON(t, app, http.MethodPost, "/abtests/"+test.ID+"/results", web.RecordResultRequest{
			VariantID: test.Variants[1].ID, Metric: models.MetricOpenRate, Value: 0.3,
		})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp, body = doJSON(t, app, http.MethodGet, "/abtests/"+test.ID+"/analysis", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var analysis abtest.Analysis
	require.NoError(t, json.Unmarshal(body, &analysis))
	assert.True(t, analysis.Conclusive)
	assert.Equal(t, test.Variants[1].ID, analysis.Winner)

	resp, body = doJSON(t, app, http.MethodPost, "/abtests/"+test.ID+"/conclude", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var concluded models.ABTest
	require.NoError(t, json.Unmarshal(body, &concluded))
	assert.Equal(t, models.ABTestStatusConcluded, concluded.Status)

	resp, _ = doJSON(t, app, http.MethodPost, "/abtests/"+test.ID+"/conclude", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestComplianceCheckEndpoint(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	req := validWorkflowRequest()
	// No consent metadata, no unsubscribe URL.
	resp, body := doJSON(t, app, http.MethodPost, "/workflows/", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	resp, body = doJSON(t, app, http.MethodPost, "/workflows/"+created.ID+"/compliance-check", web.ComplianceCheckRequest{Country: "DE"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report models.ComplianceReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.False(t, report.Compliant)
	assert.NotEmpty(t, report.Findings)
	assert.Positive(t, report.RiskScore)

	resp, _ = doJSON(t, app, http.MethodPost, "/workflows/"+created.ID+"/compliance-check", web.ComplianceCheckRequest{Country: "Germany"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWorkflowsByOrganization(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodPost, "/workflows/", validWorkflowRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/workflows/?organization_id=org-1", nil)
	listResp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = listResp.Body.Close() }()

	assert.Equal(t, http.StatusOK, listResp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/workflows/", nil)
	missingResp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = missingResp.Body.Close() }()

	assert.Equal(t, http.StatusBadRequest, missingResp.StatusCode)
}
