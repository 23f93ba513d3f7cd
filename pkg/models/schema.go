package models

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// nodeConfigSchemas holds the JSON schema each node kind's raw config must
// satisfy before DecodeSpec runs. Kinds without an entry (end) accept any
// config.
var nodeConfigSchemas = map[NodeKind]map[string]any{
	NodeKindTrigger: {
		"type":     "object",
		"required": []any{"event_type"},
		"properties": map[string]any{
			"event_type": map[string]any{"type": "string", "minLength": 1},
			"filters":    map[string]any{"type": "object"},
		},
	},
	NodeKindCondition: {
		"type":     "object",
		"required": []any{"field", "operator"},
		"properties": map[string]any{
			"field":    map[string]any{"type": "string", "minLength": 1},
			"operator": map[string]any{"type": "string", "enum": []any{"eq", "neq", "gt", "gte", "lt", "lte", "contains", "exists"}},
		},
	},
	NodeKindAction: {
		"type":     "object",
		"required": []any{"channel"},
		"properties": map[string]any{
			"channel":     map[string]any{"type": "string", "enum": []any{"email", "sms", "whatsapp"}},
			"template_id": map[string]any{"type": "string"},
			"payload":     map[string]any{"type": "object"},
		},
	},
	NodeKindDelay: {
		"type":     "object",
		"required": []any{"duration"},
		"properties": map[string]any{
			"duration": map[string]any{"type": "string", "minLength": 2},
		},
	},
}

// ValidateNodeConfig validates the raw config map against the node kind's
// JSON schema. The service layer runs this on save so malformed definitions
// never reach the engine.
func ValidateNodeConfig(node *Node) error {
	schema, ok := nodeConfigSchemas[node.Kind]
	if !ok {
		return nil
	}

	config := node.Config
	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("node %s config validation: %w", node.ID, err)
	}

	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("%w: node %s: %s", ErrInvalidSpec, node.ID, strings.Join(details, "; "))
	}

	return nil
}
