// Package compliance statically analyzes workflow graphs against
// declarative regulatory rules. Checks are read-only and run out-of-band;
// they never block or alter execution.
package compliance

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cadenzahq/cadenza/pkg/models"
)

// Checker evaluates workflows against a rule set.
type Checker struct {
	logger *slog.Logger
	rules  []ruleCheck
}

// ruleCheck binds a declarative rule to the graph predicate that detects
// its violation. check returns one finding per offending node, or a single
// workflow-level finding with an empty NodeID.
type ruleCheck struct {
	rule  models.ComplianceRule
	check func(wf *models.Workflow) []models.ComplianceFinding
}

func NewChecker(logger *slog.Logger) *Checker {
	c := &Checker{
		logger: logger.With("module", "compliance"),
	}

	c.rules = builtinRules()

	return c
}

// Check scans one workflow in one country context. RiskScore is the sum of
// severity weights over all findings; a workflow is compliant when no
// finding reaches high severity.
func (c *Checker) Check(wf *models.Workflow, country string) *models.ComplianceReport {
	report := &models.ComplianceReport{
		WorkflowID: wf.ID,
		Country:    country,
		Compliant:  true,
		CheckedAt:  time.Now().UTC(),
	}

	for _, rc := range c.rules {
		if !rc.rule.AppliesTo(country) {
			continue
		}

		for _, finding := range rc.check(wf) {
			finding.RuleID = rc.rule.ID
			finding.WorkflowID = wf.ID
			finding.Category = rc.rule.Category
			finding.Severity = rc.rule.Severity

			report.Findings = append(report.Findings, finding)
			report.RiskScore += rc.rule.Severity.Weight()

			if rc.rule.Severity == models.SeverityHigh || rc.rule.Severity == models.SeverityCritical {
				report.Compliant = false
			}
		}
	}

	c.logger.Info("Compliance check completed",
		"workflow_id", wf.ID,
		"country", country,
		"findings", len(report.Findings),
		"risk_score", report.RiskScore,
		"compliant", report.Compliant)

	return report
}

// builtinRules is the shipped rule set. Rules read workflow metadata flags
// (consent_collected, data_retention_days, rate_limited, financial_content)
// and node configuration; they have no external dependencies.
func builtinRules() []ruleCheck {
	return []ruleCheck{
		{
			rule: models.ComplianceRule{
				ID:          "consent-before-send",
				Category:    models.RuleCategoryConsent,
				Severity:    models.SeverityCritical,
				Description: "workflows that send messages must declare consent collection",
			},
			check: checkConsent,
		},
		{
			rule: models.ComplianceRule{
				ID:          "opt-out-present",
				Category:    models.RuleCategoryOptOut,
				Severity:    models.SeverityHigh,
				Description: "email and SMS sends must include an unsubscribe mechanism",
			},
			check: checkOptOut,
		},
		{
			rule: models.ComplianceRule{
				ID:          "bulk-send-rate-limit",
				Category:    models.RuleCategoryRateLimit,
				Severity:    models.SeverityMedium,
				Description: "workflows with several send actions should be rate limited",
			},
			check: checkRateLimit,
		},
		{
			rule: models.ComplianceRule{
				ID:          "data-retention-declared",
				Category:    models.RuleCategoryDataRetention,
				Severity:    models.SeverityMedium,
				Countries:   []string{"DE", "FR", "NL", "ES", "IT", "GB"},
				Description: "workflows storing contact data must declare a retention period",
			},
			check: checkDataRetention,
		},
		{
			rule: models.ComplianceRule{
				ID:          "cross-border-transfer",
				Category:    models.RuleCategoryCrossBorder,
				Severity:    models.SeverityHigh,
				Countries:   []string{"DE", "FR", "NL", "ES", "IT"},
				Description: "action payloads must not target endpoints outside the contact's jurisdiction",
			},
			check: checkCrossBorder,
		},
		{
			rule: models.ComplianceRule{
				ID:          "financial-disclaimer",
				Category:    models.RuleCategoryFinancial,
				Severity:    models.SeverityHigh,
				Description: "finance-tagged content must carry a disclaimer",
			},
			check: checkFinancialDisclaimer,
		},
	}
}

func actionNodes(wf *models.Workflow) []*models.Node {
	var out []*models.Node

	for _, n := range wf.Nodes {
		if n.Kind == models.NodeKindAction {
			out = append(out, n)
		}
	}

	return out
}

func metadataFlag(wf *models.Workflow, key string) bool {
	v, ok := wf.Metadata[key].(bool)

	return ok && v
}

func checkConsent(wf *models.Workflow) []models.ComplianceFinding {
	if len(actionNodes(wf)) == 0 || metadataFlag(wf, "consent_collected") {
		return nil
	}

	return []models.ComplianceFinding{{
		Message: "workflow sends messages but does not declare consent collection (metadata consent_collected)",
	}}
}

func checkOptOut(wf *models.Workflow) []models.ComplianceFinding {
	var findings []models.ComplianceFinding

	for _, node := range actionNodes(wf) {
		spec := node.ActionSpec()
		if spec == nil {
			continue
		}

		if spec.Channel != models.ChannelEmail && spec.Channel != models.ChannelSMS {
			continue
		}

		if optOut, ok := spec.Payload["unsubscribe_url"]; ok && optOut != "" {
			continue
		}

		if optOut, ok := spec.Payload["opt_out_keyword"]; ok && optOut != "" {
			continue
		}

		findings = append(findings, models.ComplianceFinding{
			NodeID:  node.ID,
			Message: fmt.Sprintf("%s send on node %s has no unsubscribe_url or opt_out_keyword", spec.Channel, node.ID),
		})
	}

	return findings
}

// rateLimitThreshold is the send-action count above which a workflow counts
// as a bulk sender.
const rateLimitThreshold = 3

func checkRateLimit(wf *models.Workflow) []models.ComplianceFinding {
	if len(actionNodes(wf)) < rateLimitThreshold || metadataFlag(wf, "rate_limited") {
		return nil
	}

	return []models.ComplianceFinding{{
		Message: fmt.Sprintf("workflow has %d send actions without a rate_limited declaration", len(actionNodes(wf))),
	}}
}

func checkDataRetention(wf *models.Workflow) []models.ComplianceFinding {
	if _, ok := wf.Metadata["data_retention_days"]; ok {
		return nil
	}

	return []models.ComplianceFinding{{
		Message: "workflow does not declare data_retention_days",
	}}
}

func checkCrossBorder(wf *models.Workflow) []models.ComplianceFinding {
	var findings []models.ComplianceFinding

	for _, node := range actionNodes(wf) {
		spec := node.ActionSpec()
		if spec == nil {
			continue
		}

		endpoint, _ := spec.Payload["endpoint"].(string)
		if endpoint == "" {
			continue
		}

		if region, ok := spec.Payload["endpoint_region"].(string); ok && strings.EqualFold(region, "eu") {
			continue
		}

		findings = append(findings, models.ComplianceFinding{
			NodeID:  node.ID,
			Message: fmt.Sprintf("node %s targets endpoint %s without an EU endpoint_region declaration", node.ID, endpoint),
		})
	}

	return findings
}

func checkFinancialDisclaimer(wf *models.Workflow) []models.ComplianceFinding {
	if !metadataFlag(wf, "financial_content") {
		return nil
	}

	var findings []models.ComplianceFinding

	for _, node := range actionNodes(wf) {
		spec := node.ActionSpec()
		if spec == nil {
			continue
		}

		if disclaimer, ok := spec.Payload["disclaimer"].(string); ok && disclaimer != "" {
			continue
		}

		findings = append(findings, models.ComplianceFinding{
			NodeID:  node.ID,
			Message: fmt.Sprintf("finance-tagged workflow sends on node %s without a disclaimer", node.ID),
		})
	}

	return findings
}
