package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NodeKind identifies how the execution engine interprets a node.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"   // Graph entry point matched against events
	NodeKindCondition NodeKind = "condition" // Boolean branch over context and contact attributes
	NodeKindAction    NodeKind = "action"    // Channel send via a dispatcher
	NodeKindDelay     NodeKind = "delay"     // Parks the execution until resume_at
	NodeKindEnd       NodeKind = "end"       // Terminal node, completes the execution
)

// IsValid reports whether the kind is one of the interpreted node kinds.
func (k NodeKind) IsValid() bool {
	switch k {
	case NodeKindTrigger, NodeKindCondition, NodeKindAction, NodeKindDelay, NodeKindEnd:
		return true
	default:
		return false
	}
}

// Node is a single vertex in a workflow graph. Config holds the raw
// key-value configuration as stored; DecodeSpec resolves it once into the
// typed spec for the node's kind so the engine never re-interprets untyped
// maps during traversal.
type Node struct {
	ID      string         `json:"id"      validate:"required"`
	Kind    NodeKind       `json:"kind"    validate:"required"`
	Label   string         `json:"label"`
	Config  map[string]any `json:"config,omitempty"`
	Enabled bool           `json:"enabled"`

	trigger   *TriggerSpec
	condition *ConditionSpec
	action    *ActionSpec
	delay     *DelaySpec
}

var (
	ErrUnknownNodeKind = errors.New("unknown node kind")
	ErrInvalidSpec     = errors.New("invalid node configuration")
)

// TriggerSpec declares which events activate the workflow through this node.
// Filters are matched against the event payload: a key present here must
// equal the corresponding payload value; an absent key is a wildcard.
type TriggerSpec struct {
	EventType EventType         `json:"event_type"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// ConditionOperator is the comparison applied by a condition node.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "eq"
	OpNotEquals   ConditionOperator = "neq"
	OpGreaterThan ConditionOperator = "gt"
	OpGreaterEq   ConditionOperator = "gte"
	OpLessThan    ConditionOperator = "lt"
	OpLessEq      ConditionOperator = "lte"
	OpContains    ConditionOperator = "contains"
	OpExists      ConditionOperator = "exists"
)

// ConditionSpec is a single comparison over the execution context merged
// with the contact's live attributes.
type ConditionSpec struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`
}

// ActionSpec describes a channel send performed by an action node.
type ActionSpec struct {
	Channel    Channel        `json:"channel"`
	TemplateID string         `json:"template_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// DelaySpec parks the execution for a fixed duration.
type DelaySpec struct {
	Duration time.Duration `json:"duration"`
}

// DecodeSpec resolves the raw Config map into the typed spec for the node's
// kind. It is idempotent and must be called before the node reaches the
// engine; the typed accessors panic-free return nil until then.
func (n *Node) DecodeSpec() error {
	switch n.Kind {
	case NodeKindTrigger:
		return n.decodeTrigger()
	case NodeKindCondition:
		return n.decodeCondition()
	case NodeKindAction:
		return n.decodeAction()
	case NodeKindDelay:
		return n.decodeDelay()
	case NodeKindEnd:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownNodeKind, n.Kind)
	}
}

// TriggerSpec returns the decoded trigger spec, or nil for other kinds.
func (n *Node) TriggerSpec() *TriggerSpec { return n.trigger }

// ConditionSpec returns the decoded condition spec, or nil for other kinds.
func (n *Node) ConditionSpec() *ConditionSpec { return n.condition }

// ActionSpec returns the decoded action spec, or nil for other kinds.
func (n *Node) ActionSpec() *ActionSpec { return n.action }

// DelaySpec returns the decoded delay spec, or nil for other kinds.
func (n *Node) DelaySpec() *DelaySpec { return n.delay }

func (n *Node) decodeTrigger() error {
	eventType, _ := n.Config["event_type"].(string)
	if eventType == "" {
		return fmt.Errorf("%w: trigger node %s requires event_type", ErrInvalidSpec, n.ID)
	}

	if !EventType(eventType).IsValid() {
		return fmt.Errorf("%w: trigger node %s has unknown event_type %q", ErrInvalidSpec, n.ID, eventType)
	}

	spec := &TriggerSpec{EventType: EventType(eventType)}

	if raw, ok := n.Config["filters"].(map[string]any); ok {
		spec.Filters = make(map[string]string, len(raw))
		for k, v := range raw {
			spec.Filters[k] = fmt.Sprintf("%v", v)
		}
	}

	n.trigger = spec

	return nil
}

func (n *Node) decodeCondition() error {
	field, _ := n.Config["field"].(string)
	if field == "" {
		return fmt.Errorf("%w: condition node %s requires field", ErrInvalidSpec, n.ID)
	}

	operator, _ := n.Config["operator"].(string)

	op := ConditionOperator(operator)
	switch op {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterEq, OpLessThan, OpLessEq, OpContains, OpExists:
	default:
		return fmt.Errorf("%w: condition node %s has unknown operator %q", ErrInvalidSpec, n.ID, operator)
	}

	n.condition = &ConditionSpec{
		Field:    field,
		Operator: op,
		Value:    n.Config["value"],
	}

	return nil
}

func (n *Node) decodeAction() error {
	channel, _ := n.Config["channel"].(string)
	if !Channel(channel).IsValid() {
		return fmt.Errorf("%w: action node %s has unknown channel %q", ErrInvalidSpec, n.ID, channel)
	}

	spec := &ActionSpec{Channel: Channel(channel)}

	if templateID, ok := n.Config["template_id"].(string); ok {
		spec.TemplateID = templateID
	}

	if payload, ok := n.Config["payload"].(map[string]any); ok {
		spec.Payload = payload
	}

	n.action = spec

	return nil
}

func (n *Node) decodeDelay() error {
	raw, ok := n.Config["duration"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: delay node %s requires duration", ErrInvalidSpec, n.ID)
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: delay node %s: %v", ErrInvalidSpec, n.ID, err)
	}

	if d <= 0 {
		return fmt.Errorf("%w: delay node %s duration must be positive", ErrInvalidSpec, n.ID)
	}

	n.delay = &DelaySpec{Duration: d}

	return nil
}
