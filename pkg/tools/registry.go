package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crewline/crewline/pkg/crewerr"
)

// Registry holds the tools available to a crew, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(list ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(list))}
	for _, tool := range list {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool; duplicate names are an error.
func (r *Registry) Register(tool Tool) error {
	name := tool.Metadata().Name
	if name == "" {
		return crewerr.Validation("tool has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return crewerr.Validation(fmt.Sprintf("tool %q already registered", name))
	}
	r.tools[name] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset returns a new registry restricted to the named tools. Unknown
// names are an error.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	picked := make([]Tool, 0, len(names))
	for _, name := range names {
		tool, ok := r.Get(name)
		if !ok {
			return nil, crewerr.Configuration(fmt.Sprintf("unknown tool %q", name))
		}
		picked = append(picked, tool)
	}
	return NewRegistry(picked...)
}

// Describe lists metadata for every registered tool, sorted by name.
func (r *Registry) Describe() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates the input, runs the named tool under the timeout, and
// stamps the execution time. Validation failures and unknown tools return
// an error without invoking the tool.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, opts ExecuteOptions) (Result, error) {
	tool, ok := r.Get(name)
	if !ok {
		return Result{}, crewerr.Validation(fmt.Sprintf("unknown tool %q", name)).With("tool", name)
	}
	if err := ValidateInput(tool.Metadata(), input); err != nil {
		return Result{}, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Execute(ctx, input, opts)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		return result, crewerr.ToolExecution(name, "", err)
	}
	return result, nil
}

// Func adapts a plain function into a Tool.
type Func struct {
	Meta Metadata
	Run  func(ctx context.Context, input map[string]any) (any, error)
}

// Metadata returns the adapter's metadata.
func (f Func) Metadata() Metadata { return f.Meta }

// Execute runs the wrapped function and shapes its outcome into a Result.
func (f Func) Execute(ctx context.Context, input map[string]any, _ ExecuteOptions) (Result, error) {
	value, err := f.Run(ctx, input)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, err
	}
	return Result{Success: true, Result: value}, nil
}
