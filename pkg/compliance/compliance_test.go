package compliance

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sendingWorkflow(t *testing.T, payload map[string]any, metadata map[string]any) *models.Workflow {
	t.Helper()

	config := map[string]any{"channel": "email"}
	if payload != nil {
		config["payload"] = payload
	}

	wf := &models.Workflow{
		ID:             "wf-1",
		OrganizationID: "org-1",
		Name:           "promo blast",
		Status:         models.WorkflowStatusActive,
		Metadata:       metadata,
		Nodes: []*models.Node{
			{ID: "trigger", Kind: models.NodeKindTrigger, Config: map[string]any{"event_type": "tag_added"}, Enabled: true},
			{ID: "send", Kind: models.NodeKindAction, Config: config, Enabled: true},
			{ID: "end", Kind: models.NodeKindEnd, Enabled: true},
		},
		Edges: []*models.Edge{
			{ID: "e1", SourceNodeID: "trigger", TargetNodeID: "send"},
			{ID: "e2", SourceNodeID: "send", TargetNodeID: "end"},
		},
	}

	require.NoError(t, wf.Validate())

	return wf
}

func findingRuleIDs(report *models.ComplianceReport) []string {
	ids := make([]string, 0, len(report.Findings))
	for _, f := range report.Findings {
		ids = append(ids, f.RuleID)
	}

	return ids
}

func TestCheckFlagsMissingConsentAndOptOut(t *testing.T) {
	checker := NewChecker(testLogger())
	wf := sendingWorkflow(t, nil, nil)

	report := checker.Check(wf, "US")

	assert.False(t, report.Compliant)
	assert.Contains(t, findingRuleIDs(report), "consent-before-send")
	assert.Contains(t, findingRuleIDs(report), "opt-out-present")

	// critical (15) + high (7)
	assert.Equal(t, 22, report.RiskScore)
}

func TestCheckPassesCompliantWorkflow(t *testing.T) {
	checker := NewChecker(testLogger())
	wf := sendingWorkflow(t,
		map[string]any{"unsubscribe_url": "https://example.com/unsub"},
		map[string]any{"consent_collected": true},
	)

	report := checker.Check(wf, "US")

	assert.True(t, report.Compliant)
	assert.Empty(t, report.Findings)
	assert.Zero(t, report.RiskScore)
}

func TestCheckCountryScopedRules(t *testing.T) {
	checker := NewChecker(testLogger())
	wf := sendingWorkflow(t,
		map[string]any{"unsubscribe_url": "https://example.com/unsub"},
		map[string]any{"consent_collected": true},
	)

	// Data retention is only required in the scoped countries.
	usReport := checker.Check(wf, "US")
	assert.NotContains(t, findingRuleIDs(usReport), "data-retention-declared")

	deReport := checker.Check(wf, "DE")
	assert.Contains(t, findingRuleIDs(deReport), "data-retention-declared")
	// Medium severity findings do not break compliance.
	assert.True(t, deReport.Compliant)
	assert.Equal(t, models.SeverityMedium.Weight(), deReport.RiskScore)
}

func TestCheckCrossBorderEndpoints(t *testing.T) {
	checker := NewChecker(testLogger())

	offending := sendingWorkflow(t,
		map[string]any{
			"unsubscribe_url": "https://example.com/unsub",
			"endpoint":        "https://api.us-east.example.com/hook",
		},
		map[string]any{"consent_collected": true, "data_retention_days": 90},
	)

	report := checker.Check(offending, "DE")
	assert.False(t, report.Compliant)
	assert.Contains(t, findingRuleIDs(report), "cross-border-transfer")

	declared := sendingWorkflow(t,
		map[string]any{
			"unsubscribe_url": "https://example.com/unsub",
			"endpoint":        "https://api.eu-central.example.com/hook",
			"endpoint_region": "eu",
		},
		map[string]any{"consent_collected": true, "data_retention_days": 90},
	)

	report = checker.Check(declared, "DE")
	assert.NotContains(t, findingRuleIDs(report), "cross-border-transfer")
}

func TestCheckFinancialDisclaimer(t *testing.T) {
	checker := NewChecker(testLogger())

	wf := sendingWorkflow(t,
		map[string]any{"unsubscribe_url": "https://example.com/unsub"},
		map[string]any{"consent_collected": true, "financial_content": true},
	)

	report := checker.Check(wf, "US")
	assert.False(t, report.Compliant)
	assert.Contains(t, findingRuleIDs(report), "financial-disclaimer")

	wf = sendingWorkflow(t,
		map[string]any{
			"unsubscribe_url": "https://example.com/unsub",
			"disclaimer":      "Capital at risk.",
		},
		map[string]any{"consent_collected": true, "financial_content": true},
	)

	report = checker.Check(wf, "US")
	assert.True(t, report.Compliant)
}

func TestCheckIgnoresWorkflowsWithoutSends(t *testing.T) {
	checker := NewChecker(testLogger())

	wf := &models.Workflow{
		ID:             "wf-quiet",
		OrganizationID: "org-1",
		Name:           "tagging only",
		Status:         models.WorkflowStatusActive,
		Nodes: []*models.Node{
			{ID: "trigger", Kind: models.NodeKindTrigger, Config: map[string]any{"event_type": "tag_added"}, Enabled: true},
			{ID: "end", Kind: models.NodeKindEnd, Enabled: true},
		},
		Edges: []*models.Edge{
			{ID: "e1", SourceNodeID: "trigger", TargetNodeID: "end"},
		},
	}
	require.NoError(t, wf.Validate())

	report := checker.Check(wf, "US")
	assert.True(t, report.Compliant)
	assert.NotContains(t, findingRuleIDs(report), "consent-before-send")
}
