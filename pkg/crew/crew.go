// Package crew validates a bundle of agents and tasks and executes it as
// one unit, sequentially or under a hierarchical manager.
package crew

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crewline/crewline/pkg/agent"
	"github.com/crewline/crewline/pkg/crewerr"
	"github.com/crewline/crewline/pkg/events"
	"github.com/crewline/crewline/pkg/llm"
	"github.com/crewline/crewline/pkg/memory"
	"github.com/crewline/crewline/pkg/models"
	"github.com/crewline/crewline/pkg/planner"
	"github.com/crewline/crewline/pkg/ratelimit"
	"github.com/crewline/crewline/pkg/retry"
	"github.com/crewline/crewline/pkg/tools"
)

// Process selects the execution strategy.
type Process string

// Execution strategies.
const (
	ProcessSequential   Process = "sequential"
	ProcessHierarchical Process = "hierarchical"
)

// Options configures a Crew.
type Options struct {
	Name    string
	Agents  []models.AgentSpec
	Tasks   []models.TaskSpec
	Process Process

	// LLM is the shared client for every agent.
	LLM        llm.Client
	LLMOptions llm.Options
	// LLMs are named clients selected per agent via AgentSpec.LLMRef;
	// agents without a ref use the shared LLM.
	LLMs map[string]llm.Client
	// ManagerSpec is the hierarchical manager's identity. Nil with a
	// ManagerLLM set synthesizes a default manager.
	ManagerSpec *models.AgentSpec
	// ManagerLLM overrides LLM for the manager agent.
	ManagerLLM llm.Client

	Tools *tools.Registry
	Rate  ratelimit.Controller
	Retry retry.Options

	// MemoryEnabled builds a crew-owned memory manager when Memory is nil.
	MemoryEnabled bool
	// Memory shares an externally owned manager across crews.
	Memory        *memory.Manager
	MemoryOptions memory.ManagerOptions

	Evaluator    agent.Evaluator
	PromptBudget int
	// Variables interpolate {placeholder} templates in agent specs.
	Variables map[string]string

	Bus    *events.Bus
	Logger *slog.Logger
}

// Crew is one validated, executable bundle.
type Crew struct {
	name       string
	process    Process
	tasks      []models.TaskSpec
	agents     map[string]*agent.Runtime
	manager    *agent.Runtime
	memory     *memory.Manager
	ownsMemory bool
	bus        *events.Bus
	log        *slog.Logger
}

// New validates opts and builds the agent runtimes.
func New(ctx context.Context, opts Options) (*Crew, error) {
	if opts.Process == "" {
		opts.Process = ProcessSequential
	}
	if err := validate(opts); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = "crew"
	}
	log := logger.With("component", "crew", "crew", name)

	mem := opts.Memory
	ownsMemory := false
	if mem == nil && opts.MemoryEnabled {
		memOpts := opts.MemoryOptions
		if memOpts.Bus == nil {
			memOpts.Bus = opts.Bus
		}
		built, err := memory.NewManager(ctx, memOpts)
		if err != nil {
			return nil, fmt.Errorf("initializing crew memory: %w", err)
		}
		mem = built
		ownsMemory = true
	}

	var contextBuilder *memory.ContextBuilder
	if mem != nil {
		contextBuilder = memory.NewContextBuilder(memory.BuilderOptions{Manager: mem})
	}

	c := &Crew{
		name:       name,
		process:    opts.Process,
		tasks:      topoOrder(opts.Tasks),
		agents:     make(map[string]*agent.Runtime, len(opts.Agents)),
		memory:     mem,
		ownsMemory: ownsMemory,
		bus:        opts.Bus,
		log:        log,
	}

	runtimes := make([]*agent.Runtime, 0, len(opts.Agents)+1)
	for _, spec := range opts.Agents {
		spec = spec.Interpolate(opts.Variables)
		client := opts.LLM
		if spec.LLMRef != "" {
			client = opts.LLMs[spec.LLMRef]
		}
		runtime, err := agent.New(agent.Options{
			Spec:           spec,
			LLM:            client,
			LLMOptions:     opts.LLMOptions,
			Tools:          opts.Tools,
			Rate:           opts.Rate,
			Retry:          opts.Retry,
			Memory:         mem,
			ContextBuilder: contextBuilder,
			Evaluator:      opts.Evaluator,
			PromptBudget:   opts.PromptBudget,
			Logger:         logger,
		})
		if err != nil {
			c.release()
			return nil, err
		}
		c.agents[spec.ID] = runtime
		runtimes = append(runtimes, runtime)
	}

	if opts.Process == ProcessHierarchical {
		managerSpec := opts.ManagerSpec
		if managerSpec == nil {
			managerSpec = &models.AgentSpec{
				ID:   "manager",
				Role: "Crew Manager",
				Goal: "Coordinate the crew's tasks and integrate their results",
			}
		}
		managerLLM := opts.ManagerLLM
		if managerLLM == nil && managerSpec.LLMRef != "" {
			managerLLM = opts.LLMs[managerSpec.LLMRef]
		}
		if managerLLM == nil {
			managerLLM = opts.LLM
		}
		manager, err := agent.New(agent.Options{
			Spec:         *managerSpec,
			LLM:          managerLLM,
			LLMOptions:   opts.LLMOptions,
			Rate:         opts.Rate,
			Retry:        opts.Retry,
			Memory:       mem,
			Evaluator:    opts.Evaluator,
			PromptBudget: opts.PromptBudget,
			Logger:       logger,
		})
		if err != nil {
			c.release()
			return nil, err
		}
		c.manager = manager
		runtimes = append(runtimes, manager)
	}

	for _, runtime := range runtimes {
		runtime.SetCoworkers(runtimes...)
	}
	return c, nil
}

// Kickoff executes the crew and assembles the aggregate output.
func (c *Crew) Kickoff(ctx context.Context) (models.CrewOutput, error) {
	start := time.Now()
	c.publish(events.CrewStarted, c.name)
	c.log.Info("Crew run started", "process", string(c.process), "tasks", len(c.tasks))

	var outputs []models.TaskOutput
	var finalOutput string
	var err error
	switch c.process {
	case ProcessHierarchical:
		var result planner.Result
		p, perr := planner.New(planner.Options{Manager: c.manager, Agents: c.agents, Logger: c.log})
		if perr == nil {
			result, err = p.Run(ctx, c.tasks, "")
		} else {
			err = perr
		}
		outputs, finalOutput = result.TaskOutputs, result.FinalOutput
	default:
		outputs, finalOutput, err = c.runSequential(ctx)
	}
	if err != nil {
		c.publish(events.CrewFailed, c.name)
		c.log.Error("Crew run failed", "error", err)
		return models.CrewOutput{}, err
	}

	usage := models.TokenUsage{}
	for _, out := range outputs {
		usage.Add(out.Metadata.TokenUsage)
	}
	output := models.CrewOutput{
		FinalOutput: finalOutput,
		TaskOutputs: outputs,
		Metrics: models.CrewMetrics{
			ExecutionTime: time.Since(start),
			TokenUsage:    usage,
		},
		Timestamp: time.Now(),
	}
	c.publish(events.CrewCompleted, c.name)
	c.log.Info("Crew run completed", "duration", output.Metrics.ExecutionTime, "total_tokens", usage.TotalTokens)
	return output, nil
}

// runSequential executes the sync prefix in dependency (topological)
// order, each task seeing its predecessors' results, then the async suffix
// concurrently against the final accumulated context. The crew result is
// the last async task's output by submission order, or the last sync
// task's when there is no async suffix.
func (c *Crew) runSequential(ctx context.Context) ([]models.TaskOutput, string, error) {
	syncTasks, asyncTasks := splitAsyncSuffix(c.tasks)

	var outputs []models.TaskOutput
	var contextParts []string
	finalOutput := ""
	for _, task := range syncTasks {
		output, err := c.agents[task.AgentRef].Execute(ctx, task, strings.Join(contextParts, "\n\n"))
		if err != nil {
			return nil, "", err
		}
		outputs = append(outputs, output)
		contextParts = append(contextParts, "Task result: "+output.Result)
		finalOutput = output.Result
	}

	if len(asyncTasks) == 0 {
		return outputs, finalOutput, nil
	}

	entering := strings.Join(contextParts, "\n\n")
	byID := make(map[string]models.TaskOutput, len(asyncTasks))
	var mu sync.Mutex
	g, groupCtx := errgroup.WithContext(ctx)
	for _, task := range asyncTasks {
		task := task
		g.Go(func() error {
			output, err := c.agents[task.AgentRef].Execute(groupCtx, task, entering)
			if err != nil {
				return err
			}
			mu.Lock()
			outputs = append(outputs, output)
			byID[task.ID] = output
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}
	finalOutput = byID[asyncTasks[len(asyncTasks)-1].ID].Result
	return outputs, finalOutput, nil
}

// ResetMemory clears the selected memory kind. It errors when the crew has
// no memory manager.
func (c *Crew) ResetMemory(ctx context.Context, kind memory.Kind) error {
	if c.memory == nil {
		return crewerr.Configuration("crew has no memory manager")
	}
	return c.memory.Reset(ctx, kind)
}

// Memory exposes the crew's memory manager; nil when memory is disabled.
func (c *Crew) Memory() *memory.Manager { return c.memory }

// Stop releases crew-owned resources. Shared memory managers are left
// running.
func (c *Crew) Stop() {
	c.release()
}

func (c *Crew) release() {
	for _, runtime := range c.agents {
		runtime.Close()
	}
	if c.manager != nil {
		c.manager.Close()
	}
	if c.ownsMemory && c.memory != nil {
		c.memory.Stop()
	}
}

func (c *Crew) publish(eventType events.Type, payload any) {
	if c.bus != nil {
		c.bus.Publish(eventType, payload)
	}
}

// validate enforces the crew invariants: non-empty agents and tasks, a
// manager for hierarchical crews, resolvable references, the async-suffix
// rule, no conditional async tasks, no dependencies on async tasks, and an
// acyclic dependency relation.
func validate(opts Options) error {
	if len(opts.Agents) == 0 {
		return crewerr.Validation("crew has no agents")
	}
	if len(opts.Tasks) == 0 {
		return crewerr.Validation("crew has no tasks")
	}
	if opts.LLM == nil {
		return crewerr.Configuration("crew has no LLM client")
	}
	switch opts.Process {
	case ProcessSequential, ProcessHierarchical:
	default:
		return crewerr.Validation(fmt.Sprintf("unknown process %q", opts.Process))
	}
	if opts.Process == ProcessHierarchical && opts.ManagerSpec == nil && opts.ManagerLLM == nil {
		return crewerr.Validation("hierarchical crew needs a manager agent or a manager LLM")
	}

	agentIDs := make(map[string]bool, len(opts.Agents))
	for _, spec := range opts.Agents {
		if spec.ID == "" {
			return crewerr.Validation("agent has an empty id")
		}
		if agentIDs[spec.ID] {
			return crewerr.Validation(fmt.Sprintf("duplicate agent id %q", spec.ID))
		}
		agentIDs[spec.ID] = true
		if spec.LLMRef != "" && opts.LLMs[spec.LLMRef] == nil {
			return crewerr.Validation(fmt.Sprintf("agent %q references unknown LLM %q", spec.ID, spec.LLMRef))
		}
	}
	if opts.ManagerSpec != nil && opts.ManagerSpec.LLMRef != "" &&
		opts.ManagerLLM == nil && opts.LLMs[opts.ManagerSpec.LLMRef] == nil {
		return crewerr.Validation(fmt.Sprintf("manager references unknown LLM %q", opts.ManagerSpec.LLMRef))
	}

	taskIDs := make(map[string]bool, len(opts.Tasks))
	for _, task := range opts.Tasks {
		if task.ID == "" {
			return crewerr.Validation("task has an empty id")
		}
		if taskIDs[task.ID] {
			return crewerr.Validation(fmt.Sprintf("duplicate task id %q", task.ID))
		}
		taskIDs[task.ID] = true
	}

	asyncIDs := make(map[string]bool)
	for _, task := range opts.Tasks {
		if task.Async {
			asyncIDs[task.ID] = true
		}
	}

	sawAsync := false
	for _, task := range opts.Tasks {
		if !agentIDs[task.AgentRef] {
			return crewerr.Validation(fmt.Sprintf("task %q references unknown agent %q", task.ID, task.AgentRef))
		}
		for _, dep := range task.Dependencies {
			if !taskIDs[dep] {
				return crewerr.Validation(fmt.Sprintf("task %q depends on unknown task %q", task.ID, dep))
			}
			// Async tasks run concurrently with no completion signal the
			// sequential loop could wait on.
			if asyncIDs[dep] {
				return crewerr.Validation(fmt.Sprintf("task %q depends on async task %q", task.ID, dep))
			}
		}
		if task.Async {
			if task.Conditional {
				return crewerr.Validation(fmt.Sprintf("task %q is conditional and cannot be async", task.ID))
			}
			sawAsync = true
		} else if sawAsync {
			return crewerr.Validation("async tasks must form a contiguous suffix of the task list")
		}
		if !task.Caching.Valid() {
			return crewerr.Validation(fmt.Sprintf("task %q has unknown caching strategy %q", task.ID, task.Caching))
		}
	}

	return checkAcyclic(opts.Tasks)
}

// topoOrder reorders a validated task list so every task follows its
// dependencies, keeping the declared order among independent tasks. Since
// no task may depend on an async task, the async suffix stays contiguous
// and last.
func topoOrder(tasks []models.TaskSpec) []models.TaskSpec {
	index := make(map[string]int, len(tasks))
	for i, task := range tasks {
		index[task.ID] = i
	}
	indegree := make([]int, len(tasks))
	dependents := make(map[int][]int, len(tasks))
	for i, task := range tasks {
		for _, dep := range task.Dependencies {
			indegree[i]++
			dependents[index[dep]] = append(dependents[index[dep]], i)
		}
	}

	var ready []int
	for i, n := range indegree {
		if n == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]models.TaskSpec, 0, len(tasks))
	for len(ready) > 0 {
		best := 0
		for k := range ready {
			if ready[k] < ready[best] {
				best = k
			}
		}
		i := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		out = append(out, tasks[i])
		for _, next := range dependents[i] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return out
}

// checkAcyclic runs Kahn's algorithm over the dependency relation.
func checkAcyclic(tasks []models.TaskSpec) error {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		indegree[task.ID] += 0
		for _, dep := range task.Dependencies {
			indegree[task.ID]++
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}

	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(tasks) {
		return crewerr.Validation("task dependencies contain a cycle")
	}
	return nil
}

// splitAsyncSuffix separates the validated task list into its sync prefix
// and async suffix.
func splitAsyncSuffix(tasks []models.TaskSpec) (syncTasks, asyncTasks []models.TaskSpec) {
	for i, task := range tasks {
		if task.Async {
			return tasks[:i], tasks[i:]
		}
	}
	return tasks, nil
}
