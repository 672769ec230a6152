package models

import (
	"fmt"
	"time"
)

// Priority orders tasks in the scheduler's ready queue and the rate
// controller's wait queue.
type Priority int

// Priority levels, ascending.
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// ParsePriority converts a config string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "medium"
	}
}

// CachingStrategy selects how a task's output is cached.
// Only CachingNone and CachingMemory are dispatched; disk and hybrid are
// reserved and rejected at execution time.
type CachingStrategy string

const (
	CachingNone   CachingStrategy = "none"
	CachingMemory CachingStrategy = "memory"
	CachingDisk   CachingStrategy = "disk"
	CachingHybrid CachingStrategy = "hybrid"
)

// Valid reports whether the strategy is a known word (including reserved ones).
func (c CachingStrategy) Valid() bool {
	switch c {
	case "", CachingNone, CachingMemory, CachingDisk, CachingHybrid:
		return true
	}
	return false
}

// TaskSpec is one unit of work owned by exactly one agent.
type TaskSpec struct {
	ID             string          `yaml:"id" json:"id"`
	Description    string          `yaml:"description" json:"description"`
	AgentRef       string          `yaml:"agent" json:"agent"`
	ExpectedOutput string          `yaml:"expected_output,omitempty" json:"expectedOutput,omitempty"`
	ContextSeeds   []string        `yaml:"context,omitempty" json:"context,omitempty"`
	Priority       Priority        `yaml:"-" json:"priority"`
	Async          bool            `yaml:"async,omitempty" json:"async,omitempty"`
	Conditional    bool            `yaml:"conditional,omitempty" json:"conditional,omitempty"`
	ToolRefs       []string        `yaml:"tools,omitempty" json:"tools,omitempty"`
	Dependencies   []string        `yaml:"depends_on,omitempty" json:"dependencies,omitempty"`
	Caching        CachingStrategy `yaml:"caching,omitempty" json:"caching,omitempty"`
	MaxRetries     int             `yaml:"max_retries,omitempty" json:"maxRetries,omitempty"`
	Timeout        time.Duration   `yaml:"-" json:"timeoutMs,omitempty"`

	// OutputSchema, when non-nil, is a JSON-schema-like property map the
	// parsed output must satisfy.
	OutputSchema map[string]any `yaml:"output_schema,omitempty" json:"outputSchema,omitempty"`
}

// TokenUsage aggregates token consumption across LLM calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt"`
	CompletionTokens int `json:"completion"`
	TotalTokens      int `json:"total"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// OutputMetadata describes how a TaskOutput was produced.
type OutputMetadata struct {
	TaskID        string        `json:"taskId"`
	AgentID       string        `json:"agentId"`
	ExecutionTime time.Duration `json:"executionTimeMs"`
	TokenUsage    TokenUsage    `json:"tokenUsage"`
	Iterations    int           `json:"iterations,omitempty"`
	CacheHit      bool          `json:"cacheHit,omitempty"`
	Retries       int           `json:"retries,omitempty"`
}

// TaskOutput is the result of executing one task.
type TaskOutput struct {
	Result   string         `json:"result"`
	Metadata OutputMetadata `json:"metadata"`
	// Formatted holds the schema-validated structured value, when the task
	// declared an output schema.
	Formatted any `json:"formatted,omitempty"`
}

// CrewMetrics summarizes a whole crew run.
type CrewMetrics struct {
	ExecutionTime time.Duration `json:"executionTimeMs"`
	TokenUsage    TokenUsage    `json:"tokenUsage"`
	Cost          float64       `json:"cost,omitempty"`
}

// CrewOutput is the aggregate result returned by the orchestrator.
// TaskOutputs are in completion order.
type CrewOutput struct {
	FinalOutput string       `json:"finalOutput"`
	TaskOutputs []TaskOutput `json:"taskOutputs"`
	Metrics     CrewMetrics  `json:"metrics"`
	Timestamp   time.Time    `json:"timestamp"`
}
