// Package tools implements the Tool Registry & Dispatcher: named tools with
// JSON-schema argument validation, looked up by name and invoked directly.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Result is what a Tool's Execute returns: either the tool's textual output,
// or a structured error rendered as text for the model.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool is a named, schema-described capability a language model may invoke.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Schema limits to prevent resource exhaustion.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20 // 10MB
)

// Registry holds tools by name and dispatches calls against them, validating
// arguments against each tool's JSON schema before invocation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ToolSchema is the shape handed to a language model for tool-use prompting.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Schemas returns the registered tools' schemas for a LanguageModel call.
func (r *Registry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return out
}

// Execute looks up name and runs it with params, validating against the
// tool's schema first. An unknown name or invalid arguments produce a
// structured error Result rather than a Go error — per contract, dispatch
// never aborts the calling turn.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return &Result{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &Result{Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), IsError: true}, nil
	}

	tool, ok := r.Get(name)
	if !ok {
		return &Result{Content: "unknown tool: " + name, IsError: true}, nil
	}

	if schema := tool.Schema(); len(schema) > 0 {
		compiled, err := compileSchema(schema)
		if err != nil {
			return &Result{Content: fmt.Sprintf("tool %s has an invalid schema: %v", name, err), IsError: true}, nil
		}
		var decoded any = map[string]any{}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &decoded); err != nil {
				return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
			}
		}
		if err := compiled.Validate(decoded); err != nil {
			return &Result{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
		}
	}

	return tool.Execute(ctx, params)
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
