package models

import "time"

// RuleCategory groups compliance rules by the regulatory concern they cover.
type RuleCategory string

const (
	RuleCategoryConsent       RuleCategory = "consent"
	RuleCategoryOptOut        RuleCategory = "opt_out"
	RuleCategoryRateLimit     RuleCategory = "rate_limit"
	RuleCategoryDataRetention RuleCategory = "data_retention"
	RuleCategoryCrossBorder   RuleCategory = "cross_border"
	RuleCategoryFinancial     RuleCategory = "financial"
)

// RuleSeverity weighs a finding's contribution to the risk score.
type RuleSeverity string

const (
	SeverityLow      RuleSeverity = "low"
	SeverityMedium   RuleSeverity = "medium"
	SeverityHigh     RuleSeverity = "high"
	SeverityCritical RuleSeverity = "critical"
)

// Weight returns the risk-score contribution of the severity.
func (s RuleSeverity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 15
	default:
		return 0
	}
}

// ComplianceRule is a declarative check over a workflow graph. Countries
// scopes applicability; an empty list applies everywhere.
type ComplianceRule struct {
	ID          string       `json:"id"`
	Category    RuleCategory `json:"category"`
	Severity    RuleSeverity `json:"severity"`
	Countries   []string     `json:"countries,omitempty"`
	Description string       `json:"description"`
}

// AppliesTo reports whether the rule is in scope for the country context.
func (r *ComplianceRule) AppliesTo(country string) bool {
	if len(r.Countries) == 0 {
		return true
	}

	for _, c := range r.Countries {
		if c == country {
			return true
		}
	}

	return false
}

// ComplianceFinding is one rule violation discovered by static analysis of
// a workflow definition. Findings never feed back into execution.
type ComplianceFinding struct {
	RuleID     string       `json:"rule_id"`
	WorkflowID string       `json:"workflow_id"`
	NodeID     string       `json:"node_id,omitempty"`
	Category   RuleCategory `json:"category"`
	Severity   RuleSeverity `json:"severity"`
	Message    string       `json:"message"`
}

// ComplianceReport is the result of checking one workflow in one country
// context.
type ComplianceReport struct {
	WorkflowID string              `json:"workflow_id"`
	Country    string              `json:"country"`
	Findings   []ComplianceFinding `json:"findings"`
	RiskScore  int                 `json:"risk_score"`
	Compliant  bool                `json:"compliant"`
	CheckedAt  time.Time           `json:"checked_at"`
}
