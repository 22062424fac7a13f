// Package tool provides typed lookup and schema-checked invocation of
// named tools.
package tool

import "context"

// Handler executes a tool with validated args and returns a structured
// result. Handler failures propagate to the caller.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Schema is a minimal object descriptor. Supported field types are
// string, integer, number and boolean.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one schema field.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Spec ties a name and schema to a handler.
type Spec struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
}
