// Package planner runs the hierarchical process: a manager agent turns the
// crew's tasks into an ExecutionPlan, the planner executes it with
// sequential steps and parallel groups, and a synthesis step integrates
// the results when the plan asks for one.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/crewline/crewline/pkg/agent"
	"github.com/crewline/crewline/pkg/crewerr"
	"github.com/crewline/crewline/pkg/models"
)

const planningPrompt = `Plan the execution of the tasks below. Respond with only a JSON object:
{"taskOrder": [<taskId string or parallel group number>, ...], "parallelGroups": {"<number>": [<taskId>, ...]}, "significantTasks": [<taskId>, ...], "synthesisRequired": <bool>}
Tasks that can run concurrently belong in one parallel group.

Tasks:
`

const synthesisDirective = `

Integrate the task results above into one coherent summary that answers the overall objective.`

const synthesisFallback = "Synthesis was not produced; the aggregate results are provided individually per task."

// Options configures a Planner.
type Options struct {
	// Manager plans the run and owns the synthesis task.
	Manager *agent.Runtime
	// Agents maps agent ids to their runtimes.
	Agents map[string]*agent.Runtime
	Logger *slog.Logger
}

// Result is the outcome of one hierarchical run.
type Result struct {
	FinalOutput  string
	CompletedIDs []string
	Context      string
	// TaskOutputs holds every task's output in completion order, the
	// synthesis excluded.
	TaskOutputs []models.TaskOutput
	Synthesized bool
}

// Planner executes crews under a manager agent.
type Planner struct {
	manager *agent.Runtime
	agents  map[string]*agent.Runtime
	log     *slog.Logger
}

// New builds a Planner.
func New(opts Options) (*Planner, error) {
	if opts.Manager == nil {
		return nil, crewerr.Configuration("planner: manager agent is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		manager: opts.Manager,
		agents:  opts.Agents,
		log:     logger.With("component", "planner"),
	}, nil
}

// Run plans and executes tasks against inputContext.
func (p *Planner) Run(ctx context.Context, tasks []models.TaskSpec, inputContext string) (Result, error) {
	byID := make(map[string]models.TaskSpec, len(tasks))
	ids := make([]string, len(tasks))
	known := make(map[string]bool, len(tasks))
	for i, task := range tasks {
		byID[task.ID] = task
		ids[i] = task.ID
		known[task.ID] = true
	}
	if len(tasks) == 0 {
		return Result{}, crewerr.Validation("planner: no tasks to run")
	}

	plan := p.plan(ctx, tasks, known, ids)

	result := Result{Context: inputContext}
	for _, item := range plan.TaskOrder {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if item.IsGroup {
			if err := p.runGroup(ctx, plan, item.GroupID, byID, &result); err != nil {
				return Result{}, err
			}
			continue
		}
		task, ok := byID[item.TaskID]
		if !ok {
			return Result{}, crewerr.Validation(fmt.Sprintf("plan references unknown task %q", item.TaskID))
		}
		output, err := p.runTask(ctx, task, result.Context)
		if err != nil {
			return Result{}, err
		}
		p.record(plan, task.ID, output, &result)
	}

	if plan.SynthesisRequired {
		p.synthesize(ctx, &result)
	}
	return result, nil
}

// plan asks the manager for an ExecutionPlan, falling back to a trivial
// sequential plan when the response does not parse or validate.
func (p *Planner) plan(ctx context.Context, tasks []models.TaskSpec, known map[string]bool, ids []string) *models.ExecutionPlan {
	var b strings.Builder
	b.WriteString(planningPrompt)
	for _, task := range tasks {
		role := task.AgentRef
		if runtime, ok := p.agents[task.AgentRef]; ok {
			role = runtime.Spec().Role
		}
		fmt.Fprintf(&b, "- id: %s | description: %s | agentRole: %s | priority: %s | async: %t\n",
			task.ID, task.Description, role, task.Priority, task.Async)
	}

	output, err := p.manager.Execute(ctx, models.TaskSpec{
		ID:          "execution-plan",
		Description: b.String(),
	}, "")
	if err != nil {
		p.log.Warn("Planning call failed, falling back to sequential order", "error", err)
		return models.SequentialPlan(ids)
	}

	plan, err := ExtractPlan(output.Result)
	if err == nil {
		err = plan.Validate(known)
	}
	if err != nil {
		p.log.Warn("Execution plan rejected, falling back to sequential order", "error", err)
		return models.SequentialPlan(ids)
	}
	return plan
}

func (p *Planner) runTask(ctx context.Context, task models.TaskSpec, runningContext string) (models.TaskOutput, error) {
	runtime, ok := p.agents[task.AgentRef]
	if !ok {
		return models.TaskOutput{}, crewerr.Configuration(
			fmt.Sprintf("task %q references unknown agent %q", task.ID, task.AgentRef))
	}
	return runtime.Execute(ctx, task, runningContext)
}

// runGroup executes one parallel group. Every member sees the same
// entering context; significant results feed the running context once per
// member in completion order.
func (p *Planner) runGroup(ctx context.Context, plan *models.ExecutionPlan, groupID int, byID map[string]models.TaskSpec, result *Result) error {
	members, ok := plan.ParallelGroups[strconv.Itoa(groupID)]
	if !ok {
		return crewerr.Validation(fmt.Sprintf("plan references undefined parallel group %d", groupID))
	}

	entering := result.Context
	type completion struct {
		id     string
		output models.TaskOutput
	}
	var mu sync.Mutex
	var completions []completion

	g, groupCtx := errgroup.WithContext(ctx)
	for _, id := range members {
		task, ok := byID[id]
		if !ok {
			return crewerr.Validation(fmt.Sprintf("plan references unknown task %q", id))
		}
		g.Go(func() error {
			output, err := p.runTask(groupCtx, task, entering)
			if err != nil {
				return err
			}
			mu.Lock()
			completions = append(completions, completion{id: task.ID, output: output})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, c := range completions {
		p.record(plan, c.id, c.output, result)
	}
	return nil
}

// record folds one completed task into the running result.
func (p *Planner) record(plan *models.ExecutionPlan, id string, output models.TaskOutput, result *Result) {
	result.TaskOutputs = append(result.TaskOutputs, output)
	result.CompletedIDs = append(result.CompletedIDs, id)
	if plan.Significant(id) {
		result.Context += "\n\nTask result: " + output.Result
		result.FinalOutput = output.Result
	}
}

// synthesize runs the manager-owned synthesis task over the accumulated
// context. Failure falls back to an aggregate message rather than failing
// the run.
func (p *Planner) synthesize(ctx context.Context, result *Result) {
	output, err := p.manager.Execute(ctx, models.TaskSpec{
		ID:          "synthesis",
		Description: "Synthesize the final answer." + synthesisDirective,
		Priority:    models.PriorityCritical,
		Caching:     models.CachingNone,
	}, result.Context)
	if err != nil {
		p.log.Warn("Synthesis failed, returning aggregate results", "error", err)
		result.FinalOutput = synthesisFallback
		return
	}
	result.FinalOutput = output.Result
	result.Synthesized = true
}
