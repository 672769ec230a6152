// Package agent runs one role-bearing executor: context assembly, prompt
// rendering under a token budget, the LLM call through the rate controller
// and retry harness, an optional tool loop, structured-output validation,
// and memory writeback.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/crewline/crewline/pkg/agent/prompt"
	"github.com/crewline/crewline/pkg/cache"
	"github.com/crewline/crewline/pkg/crewerr"
	"github.com/crewline/crewline/pkg/llm"
	"github.com/crewline/crewline/pkg/memory"
	"github.com/crewline/crewline/pkg/models"
	"github.com/crewline/crewline/pkg/ratelimit"
	"github.com/crewline/crewline/pkg/retry"
	"github.com/crewline/crewline/pkg/tools"
)

const (
	// DefaultMaxIterations bounds the tool loop when the agent spec does
	// not set its own limit.
	DefaultMaxIterations = 5
	// DefaultPromptBudget is the token budget for the rendered system
	// prompt.
	DefaultPromptBudget = 4096

	resultCacheSize = 256
)

const systemTemplate = `You are {role}.

Your personal goal: {goal}

{backstory}

{context}`

// Options configures a Runtime. LLM and a spec with a role are required;
// everything else degrades gracefully when absent.
type Options struct {
	Spec       models.AgentSpec
	LLM        llm.Client
	LLMOptions llm.Options
	Tools      *tools.Registry
	Rate       ratelimit.Controller
	Retry      retry.Options
	Memory     *memory.Manager
	// ContextBuilder supplies the memory section of the system prompt.
	ContextBuilder *memory.ContextBuilder
	// Evaluator extracts long-term memories from outputs. Nil disables
	// the long-term writeback.
	Evaluator    Evaluator
	PromptBudget int
	Logger       *slog.Logger
}

// Runtime executes tasks on behalf of one agent.
type Runtime struct {
	spec           models.AgentSpec
	llm            llm.Client
	llmOpts        llm.Options
	tools          *tools.Registry
	rate           ratelimit.Controller
	ownRate        ratelimit.Controller
	retryOpts      retry.Options
	memory         *memory.Manager
	contextBuilder *memory.ContextBuilder
	evaluator      Evaluator
	template       *prompt.Template
	log            *slog.Logger
	results        *cache.LRU

	mu        sync.RWMutex
	coworkers []*Runtime
}

// New builds a Runtime from opts.
func New(opts Options) (*Runtime, error) {
	if opts.LLM == nil {
		return nil, crewerr.Configuration("agent: LLM client is required")
	}
	if opts.Spec.Role == "" {
		return nil, crewerr.Configuration("agent: spec has no role")
	}
	budget := opts.PromptBudget
	if budget <= 0 {
		budget = DefaultPromptBudget
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	counter := prompt.Counter(opts.LLM.CountTokens)
	template := prompt.New(systemTemplate, budget, []prompt.Variable{
		{Name: "role", Priority: 40, MinTokens: 50},
		{Name: "goal", Priority: 30, MinTokens: 50},
		{Name: "context", Priority: 20, Proportion: 0.6},
		{Name: "backstory", Priority: 10, Proportion: 0.2},
	}, counter)

	registry := opts.Tools
	if len(opts.Spec.ToolRefs) > 0 {
		if registry == nil {
			return nil, crewerr.Configuration(
				fmt.Sprintf("agent %q references tools but no registry is configured", opts.Spec.ID))
		}
		subset, err := registry.Subset(opts.Spec.ToolRefs...)
		if err != nil {
			return nil, fmt.Errorf("agent %q tools: %w", opts.Spec.ID, err)
		}
		registry = subset
	}

	// A maxRpm on the spec gives the agent its own admission budget layered
	// under the crew-wide controller.
	var ownRate ratelimit.Controller
	if opts.Spec.MaxRPM > 0 {
		own, err := ratelimit.New(ratelimit.Config{MaxRPM: opts.Spec.MaxRPM})
		if err != nil {
			return nil, fmt.Errorf("agent %q rate limit: %w", opts.Spec.ID, err)
		}
		ownRate = own
	}

	return &Runtime{
		spec:           opts.Spec,
		llm:            opts.LLM,
		llmOpts:        opts.LLMOptions,
		tools:          registry,
		rate:           opts.Rate,
		ownRate:        ownRate,
		retryOpts:      opts.Retry,
		memory:         opts.Memory,
		contextBuilder: opts.ContextBuilder,
		evaluator:      opts.Evaluator,
		template:       template,
		log:            logger.With("component", "agent", "role", opts.Spec.Role),
		results:        cache.New(cache.Options{MaxSize: resultCacheSize, UseLRU: true}),
	}, nil
}

// Spec returns the agent's immutable identity.
func (r *Runtime) Spec() models.AgentSpec { return r.spec }

// Close releases the agent-owned rate controller, if any. The shared
// controller belongs to the caller.
func (r *Runtime) Close() {
	if r.ownRate != nil {
		r.ownRate.Close()
	}
}

// SetCoworkers registers the other agents this one may delegate to.
func (r *Runtime) SetCoworkers(coworkers ...*Runtime) {
	r.mu.Lock()
	r.coworkers = coworkers
	r.mu.Unlock()
}

// Execute runs one task to a TaskOutput: assemble context, render the
// prompt, complete through the rate controller and retry harness, loop on
// tool requests, validate structured output, write memory back.
func (r *Runtime) Execute(ctx context.Context, task models.TaskSpec, extraContext string) (models.TaskOutput, error) {
	start := time.Now()
	var zero models.TaskOutput

	useCache, err := cachingEnabled(task)
	if err != nil {
		return zero, err
	}

	assembled := r.assembleContext(ctx, task, extraContext)

	cacheKey := resultCacheKey(task, assembled)
	if useCache {
		if cached, ok := r.results.Get(cacheKey); ok {
			output := cached.(models.TaskOutput)
			output.Metadata.CacheHit = true
			return output, nil
		}
	}

	system, err := r.template.Render(map[string]string{
		"role":      r.spec.Role,
		"goal":      r.spec.Goal,
		"backstory": r.spec.Backstory,
		"context":   assembled,
	})
	if err != nil {
		return zero, err
	}

	registry, err := r.executionRegistry(task)
	if err != nil {
		return zero, err
	}

	messages := []models.Message{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: r.userMessage(task, registry)},
	}

	maxIterations := r.spec.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	var usage models.TokenUsage
	var final llm.Result
	iterations := 0
	retries := 0
	for {
		iterations++
		result, attempts, err := r.complete(ctx, messages, task)
		retries += attempts - 1
		if err != nil {
			return zero, crewerr.TaskExecution(task.ID, r.spec.ID, err)
		}
		usage.Add(models.TokenUsage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.TotalTokens,
		})
		final = result

		call, ok := parseToolCall(result.Content)
		if !ok || registry == nil {
			break
		}
		if iterations >= maxIterations {
			r.log.Warn("Tool loop hit iteration limit", "task_id", task.ID, "max_iterations", maxIterations)
			break
		}
		toolResult, toolErr := registry.Execute(ctx, call.Tool, call.Input, tools.ExecuteOptions{Timeout: task.Timeout})
		if toolErr != nil && toolResult.Error == "" {
			toolResult = tools.Result{Success: false, Error: toolErr.Error()}
		}
		payload, _ := json.Marshal(toolResult)
		messages = append(messages,
			models.Message{Role: models.RoleAssistant, Content: result.Content},
			models.Message{Role: models.RoleTool, Name: call.Tool, Content: string(payload)},
		)
	}

	output := models.TaskOutput{
		Result: strings.TrimSpace(final.Content),
		Metadata: models.OutputMetadata{
			TaskID:     task.ID,
			AgentID:    r.spec.ID,
			TokenUsage: usage,
			Iterations: iterations,
			Retries:    retries,
		},
	}

	if len(task.OutputSchema) > 0 {
		if err := r.validateStructured(ctx, task, messages, &output); err != nil {
			return zero, err
		}
	}

	r.writeback(ctx, task, output.Result)

	output.Metadata.ExecutionTime = time.Since(start)
	if useCache {
		r.results.Set(cacheKey, output)
	}
	return output, nil
}

// assembleContext joins the task's context seeds, the caller-supplied
// extra context, and the contextual memory with blank lines. Memory
// failures degrade to what is available.
func (r *Runtime) assembleContext(ctx context.Context, task models.TaskSpec, extraContext string) string {
	parts := make([]string, 0, len(task.ContextSeeds)+2)
	for _, seed := range task.ContextSeeds {
		if seed != "" {
			parts = append(parts, seed)
		}
	}
	if extraContext != "" {
		parts = append(parts, extraContext)
	}
	if r.spec.MemoryEnabled && r.contextBuilder != nil {
		built, err := r.contextBuilder.Build(ctx, task.ID, task.Description)
		switch {
		case err != nil:
			r.log.Warn("Contextual memory unavailable", "task_id", task.ID, "error", err)
		case built != "":
			parts = append(parts, built)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (r *Runtime) userMessage(task models.TaskSpec, registry *tools.Registry) string {
	var b strings.Builder
	b.WriteString(task.Description)
	if task.ExpectedOutput != "" {
		b.WriteString("\n\nExpected output: ")
		b.WriteString(task.ExpectedOutput)
	}
	if len(task.OutputSchema) > 0 {
		b.WriteString("\n\nRespond with a single JSON object matching the expected schema.")
	}
	if registry != nil {
		described := registry.Describe()
		if len(described) > 0 {
			b.WriteString("\n\nYou may call a tool by replying with only a JSON object ")
			b.WriteString(`{"tool": "<name>", "input": {...}}. Available tools:`)
			for _, meta := range described {
				b.WriteString("\n- ")
				b.WriteString(meta.Name)
				if meta.Description != "" {
					b.WriteString(": ")
					b.WriteString(meta.Description)
				}
			}
		}
	}
	return b.String()
}

// complete runs one LLM call through the rate controller and the retry
// harness, returning the attempt count alongside the result.
func (r *Runtime) complete(ctx context.Context, messages []models.Message, task models.TaskSpec) (llm.Result, int, error) {
	opts := r.retryOpts
	opts.OperationName = "llm:" + task.ID
	if opts.Timeout == 0 && task.Timeout > 0 {
		opts.Timeout = task.Timeout
	}

	attempts := 0
	result, err := retry.Do(ctx, func(ctx context.Context) (llm.Result, error) {
		attempts++
		if err := r.admit(ctx, int(task.Priority)); err != nil {
			return llm.Result{}, err
		}
		callStart := time.Now()
		res, err := r.llm.Complete(ctx, messages, r.llmOpts)
		switch {
		case err == nil:
			r.markCompleted(time.Since(callStart))
		case crewerr.CodeOf(err) == crewerr.CodeRateLimit:
			r.markThrottled()
		}
		return res, err
	}, opts)
	if attempts == 0 {
		attempts = 1
	}
	return result, attempts, err
}

// admit acquires an LLM admission, agent-owned budget first, then the
// shared crew controller.
func (r *Runtime) admit(ctx context.Context, priority int) error {
	if r.ownRate != nil {
		if err := r.ownRate.Admit(ctx, priority); err != nil {
			return err
		}
	}
	if r.rate != nil {
		return r.rate.Admit(ctx, priority)
	}
	return nil
}

func (r *Runtime) markCompleted(duration time.Duration) {
	if r.ownRate != nil {
		r.ownRate.MarkCompleted(duration)
	}
	if r.rate != nil {
		r.rate.MarkCompleted(duration)
	}
}

func (r *Runtime) markThrottled() {
	if r.ownRate != nil {
		r.ownRate.MarkThrottled()
	}
	if r.rate != nil {
		r.rate.MarkThrottled()
	}
}

// validateStructured parses and validates the output against the task's
// schema, re-prompting the model on failure up to the retry budget.
func (r *Runtime) validateStructured(ctx context.Context, task models.TaskSpec, messages []models.Message, output *models.TaskOutput) error {
	schema, err := schemaFrom(task.OutputSchema)
	if err != nil {
		return err
	}
	meta := tools.Metadata{Name: "output", Schema: schema}

	attemptsLeft := r.retryOpts.MaxAttempts
	if attemptsLeft <= 0 {
		attemptsLeft = 3
	}
	for {
		formatted, verr := parseStructured(output.Result, meta)
		if verr == nil {
			output.Formatted = formatted
			return nil
		}
		attemptsLeft--
		if attemptsLeft <= 0 {
			return crewerr.TaskExecution(task.ID, r.spec.ID, verr)
		}

		messages = append(messages,
			models.Message{Role: models.RoleAssistant, Content: output.Result},
			models.Message{Role: models.RoleUser, Content: "The previous output failed validation: " +
				verr.Error() + ". Respond with only a JSON object matching the expected schema."},
		)
		result, attempts, cerr := r.complete(ctx, messages, task)
		output.Metadata.Retries += attempts
		if cerr != nil {
			return crewerr.TaskExecution(task.ID, r.spec.ID, cerr)
		}
		usage := models.TokenUsage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.TotalTokens,
		}
		output.Metadata.TokenUsage.Add(usage)
		output.Result = strings.TrimSpace(result.Content)
	}
}

func parseStructured(result string, meta tools.Metadata) (map[string]any, error) {
	raw, ok := extractJSONObject(result)
	if !ok {
		return nil, crewerr.Validation("output is not a JSON object")
	}
	var formatted map[string]any
	if err := json.Unmarshal([]byte(raw), &formatted); err != nil {
		return nil, crewerr.Wrap(crewerr.CodeValidation, "output JSON does not parse", err)
	}
	if err := tools.ValidateInput(meta, formatted); err != nil {
		return nil, err
	}
	return formatted, nil
}

// schemaFrom converts the task's loosely typed output schema into the tool
// schema shape via a JSON round trip.
func schemaFrom(raw map[string]any) (*tools.Schema, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, crewerr.Wrap(crewerr.CodeValidation, "output schema does not serialize", err)
	}
	var schema tools.Schema
	if err := json.Unmarshal(encoded, &schema); err != nil {
		return nil, crewerr.Wrap(crewerr.CodeValidation, "output schema is malformed", err)
	}
	return &schema, nil
}

// writeback records the output in short-term memory and, when an evaluator
// and long-term memory are configured, persists an evaluated entry plus the
// extracted entities. Memory failures are logged, never fatal.
func (r *Runtime) writeback(ctx context.Context, task models.TaskSpec, result string) {
	if !r.spec.MemoryEnabled || r.memory == nil || result == "" {
		return
	}

	r.memory.Remember(models.MemoryEntry{
		Content: result,
		Kind:    models.MemoryResult,
		Source:  r.spec.Role,
		Metadata: map[string]any{
			"task_id":  task.ID,
			"agent_id": r.spec.ID,
		},
	})

	if r.memory.LongTerm() == nil || r.evaluator == nil {
		return
	}
	eval, err := r.evaluator.Evaluate(ctx, task, result)
	if err != nil {
		r.log.Warn("Output evaluation failed", "task_id", task.ID, "error", err)
		return
	}

	entry := models.MemoryEntry{
		Content:    result,
		Kind:       models.MemoryReflection,
		Importance: eval.Quality,
		Source:     r.spec.Role,
		Metadata: map[string]any{
			"task_id":     task.ID,
			"agent_id":    r.spec.ID,
			"quality":     eval.Quality,
			"suggestions": eval.Suggestions,
		},
	}
	if _, err := r.memory.Persist(ctx, entry); err != nil {
		r.log.Warn("Long-term memory write failed", "task_id", task.ID, "error", err)
	}

	for _, extracted := range eval.Entities {
		if extracted.Name == "" {
			continue
		}
		attrs := map[string]any{}
		if extracted.Description != "" {
			attrs["description"] = extracted.Description
		}
		recorded := r.memory.RecordEntity(extracted.Name, extracted.Type, attrs, r.spec.Role)
		for _, rel := range extracted.Relationships {
			if rel.Target == "" {
				continue
			}
			target, _ := r.memory.Entities().AddOrUpdate(rel.Target, extracted.Type, nil, r.spec.Role)
			err := r.memory.Entities().AddRelationship(recorded.ID, models.Relationship{
				Relation:   rel.Relation,
				EntityID:   target.ID,
				Confidence: rel.Confidence,
			})
			if err != nil {
				r.log.Warn("Relationship write failed", "entity", extracted.Name, "error", err)
			}
		}
	}

	if r.contextBuilder != nil {
		r.contextBuilder.Invalidate()
	}
}

// cachingEnabled maps the task's caching strategy onto the result cache.
// The disk and hybrid strategies are reserved: declared but not dispatched,
// so configuring one is an error rather than a silent downgrade.
func cachingEnabled(task models.TaskSpec) (bool, error) {
	switch task.Caching {
	case "", models.CachingNone:
		return false, nil
	case models.CachingMemory:
		return true, nil
	case models.CachingDisk, models.CachingHybrid:
		return false, crewerr.Configuration(
			fmt.Sprintf("task %q: caching strategy %q is not available", task.ID, task.Caching))
	default:
		return false, crewerr.Configuration(
			fmt.Sprintf("task %q: unknown caching strategy %q", task.ID, task.Caching))
	}
}

func resultCacheKey(task models.TaskSpec, assembledContext string) string {
	sum := sha256.Sum256([]byte(task.ID + "\x00" + task.Description + "\x00" + assembledContext))
	return hex.EncodeToString(sum[:])
}
