package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Tool is a named capability invoked by transition actions. A result map has
// the shape {success: bool, error?: string, ...fields}.
type Tool interface {
	Invoke(ctx context.Context, method string, args map[string]interface{}) (map[string]interface{}, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, method string, args map[string]interface{}) (map[string]interface{}, error)

// Invoke implements Tool.
func (f ToolFunc) Invoke(ctx context.Context, method string, args map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, method, args)
}

// MethodFunc is one method of a MethodSet.
type MethodFunc func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// MethodSet is a Tool made of named methods.
type MethodSet map[string]MethodFunc

// Invoke implements Tool.
func (m MethodSet) Invoke(ctx context.Context, method string, args map[string]interface{}) (map[string]interface{}, error) {
	fn, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return fn(ctx, args)
}

// ToolResult is the decoded envelope of a tool invocation.
type ToolResult struct {
	Success bool                   `mapstructure:"success"`
	Error   string                 `mapstructure:"error"`
	Fields  map[string]interface{} `mapstructure:",remain"`
}

// DecodeToolResult decodes a raw result map. A missing success flag counts
// as success when no error is reported.
func DecodeToolResult(raw map[string]interface{}) (ToolResult, error) {
	var res ToolResult
	if err := mapstructure.Decode(raw, &res); err != nil {
		return ToolResult{}, fmt.Errorf("malformed tool result: %w", err)
	}
	if _, ok := raw["success"]; !ok && res.Error == "" {
		res.Success = true
	}
	return res, nil
}

// Value returns the field named by resultField, or every field when the tool
// did not report one under that name.
func (r ToolResult) Value(resultField string) interface{} {
	if v, ok := r.Fields[resultField]; ok {
		return v
	}
	return r.Fields
}

// ToolRegistry maps tool names to implementations.
type ToolRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(name string, tool Tool) error {
	if name == "" || tool == nil {
		return errors.New("name and tool are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	return nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
