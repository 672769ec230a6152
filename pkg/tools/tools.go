// Package tools defines the tool port agents call during execution, with
// input-schema validation and a registry keyed by tool name.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/crewline/crewline/pkg/crewerr"
)

// Schema is a minimal JSON-schema-shaped input description: a type,
// per-property types, and required property names.
type Schema struct {
	Type       string              `json:"type,omitempty"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one input field.
type Property struct {
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Metadata describes a tool to the agent and the planner prompt.
type Metadata struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Schema      *Schema `json:"schema,omitempty"`
}

// Result is one tool invocation outcome.
type Result struct {
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	Cached          bool   `json:"cached,omitempty"`
}

// ExecuteOptions tunes one invocation.
type ExecuteOptions struct {
	Timeout time.Duration
}

// Tool is the execution port. Implementations are opaque to the core.
type Tool interface {
	Metadata() Metadata
	Execute(ctx context.Context, input map[string]any, opts ExecuteOptions) (Result, error)
}

// ValidateInput checks input against the tool's schema. A nil schema
// accepts anything.
func ValidateInput(meta Metadata, input map[string]any) error {
	if meta.Schema == nil {
		return nil
	}
	for _, name := range meta.Schema.Required {
		if _, ok := input[name]; !ok {
			return crewerr.Validation(fmt.Sprintf("tool %q: missing required input %q", meta.Name, name)).
				With("tool", meta.Name).
				With("field", name)
		}
	}
	for name, value := range input {
		prop, ok := meta.Schema.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !typeMatches(prop.Type, value) {
			return crewerr.Validation(fmt.Sprintf("tool %q: input %q is not of type %s", meta.Name, name, prop.Type)).
				With("tool", meta.Name).
				With("field", name)
		}
	}
	return nil
}

func typeMatches(schemaType string, value any) bool {
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	// Unknown schema types are not enforced.
	return true
}
