package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewline/crewline/pkg/crewerr"
	"github.com/crewline/crewline/pkg/models"
	"github.com/crewline/crewline/pkg/tools"
)

// delegationTools synthesizes one "delegate to coworker" tool per other
// agent. Invoking one recursively runs that agent for a sub-task built
// from the tool input.
func (r *Runtime) delegationTools(task models.TaskSpec) []tools.Tool {
	if !r.spec.AllowDelegation {
		return nil
	}
	r.mu.RLock()
	coworkers := make([]*Runtime, len(r.coworkers))
	copy(coworkers, r.coworkers)
	r.mu.RUnlock()

	var out []tools.Tool
	for _, coworker := range coworkers {
		if coworker == r {
			continue
		}
		spec := coworker.Spec()
		target := coworker
		name := "delegate_to_" + roleSlug(spec.Role)
		out = append(out, tools.Func{
			Meta: tools.Metadata{
				Name: name,
				Description: fmt.Sprintf("Delegate a sub-task to coworker %q. Their goal: %s",
					spec.Role, spec.Goal),
				Schema: &tools.Schema{
					Type: "object",
					Properties: map[string]tools.Property{
						"task":    {Type: "string", Description: "What the coworker should do"},
						"context": {Type: "string", Description: "Everything they need to know"},
					},
					Required: []string{"task"},
				},
			},
			Run: func(ctx context.Context, input map[string]any) (any, error) {
				description, _ := input["task"].(string)
				extra, _ := input["context"].(string)
				sub := models.TaskSpec{
					ID:          task.ID + ":delegated:" + name,
					Description: description,
					AgentRef:    spec.ID,
					Priority:    task.Priority,
				}
				output, err := target.Execute(ctx, sub, extra)
				if err != nil {
					return nil, err
				}
				return output.Result, nil
			},
		})
	}
	return out
}

// executionRegistry narrows the agent's tools to the task's toolRefs when
// given, then adds the delegation tools for this task.
func (r *Runtime) executionRegistry(task models.TaskSpec) (*tools.Registry, error) {
	base := r.tools
	if len(task.ToolRefs) > 0 {
		if base == nil {
			return nil, crewerr.Configuration(
				fmt.Sprintf("task %q references tools but agent %q has none", task.ID, r.spec.ID))
		}
		subset, err := base.Subset(task.ToolRefs...)
		if err != nil {
			return nil, fmt.Errorf("task %q tools: %w", task.ID, err)
		}
		base = subset
	}

	delegates := r.delegationTools(task)
	if len(delegates) == 0 {
		return base, nil
	}
	var all []tools.Tool
	if base != nil {
		for _, name := range base.Names() {
			if tool, ok := base.Get(name); ok {
				all = append(all, tool)
			}
		}
	}
	all = append(all, delegates...)
	return tools.NewRegistry(all...)
}

func roleSlug(role string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(role)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
