// Package models defines the shared data types of the crew runtime:
// agents, tasks, outputs, plans, and the message shapes exchanged with
// the LLM port.
package models

import "strings"

// AgentSpec is the immutable identity and behavior of one agent.
// Role, Goal, and Backstory may contain {placeholder} template variables;
// the raw forms are preserved so copies can be re-interpolated.
type AgentSpec struct {
	ID              string   `yaml:"id" json:"id"`
	Role            string   `yaml:"role" json:"role"`
	Goal            string   `yaml:"goal" json:"goal"`
	Backstory       string   `yaml:"backstory,omitempty" json:"backstory,omitempty"`
	LLMRef          string   `yaml:"llm,omitempty" json:"llm,omitempty"`
	ToolRefs        []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	MaxIterations   int      `yaml:"max_iterations,omitempty" json:"maxIterations,omitempty"`
	MemoryEnabled   bool     `yaml:"memory,omitempty" json:"memoryEnabled,omitempty"`
	AllowDelegation bool     `yaml:"allow_delegation,omitempty" json:"allowDelegation,omitempty"`
	MaxRPM          int      `yaml:"max_rpm,omitempty" json:"maxRpm,omitempty"`

	// Raw template forms, preserved before interpolation.
	rawRole      string
	rawGoal      string
	rawBackstory string
}

// Interpolate returns a copy of the spec with {key} placeholders in role,
// goal, and backstory replaced from vars. The original template forms are
// kept on the copy so it can be re-interpolated with different variables.
func (a AgentSpec) Interpolate(vars map[string]string) AgentSpec {
	out := a
	if out.rawRole == "" {
		out.rawRole = a.Role
		out.rawGoal = a.Goal
		out.rawBackstory = a.Backstory
	}
	out.Role = interpolate(out.rawRole, vars)
	out.Goal = interpolate(out.rawGoal, vars)
	out.Backstory = interpolate(out.rawBackstory, vars)
	return out
}

// RawRole returns the unevaluated role template.
func (a AgentSpec) RawRole() string {
	if a.rawRole != "" {
		return a.rawRole
	}
	return a.Role
}

func interpolate(tmpl string, vars map[string]string) string {
	if tmpl == "" || len(vars) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
