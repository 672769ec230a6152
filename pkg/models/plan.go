package models

import (
	"encoding/json"
	"fmt"
)

// PlanItem is one entry of ExecutionPlan.TaskOrder: either a task id or a
// numeric parallel-group id. Exactly one field is set.
type PlanItem struct {
	TaskID  string
	GroupID int
	IsGroup bool
}

// UnmarshalJSON accepts either a JSON string (task id) or a number (group id).
func (p *PlanItem) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		p.TaskID = s
		p.IsGroup = false
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		p.GroupID = n
		p.IsGroup = true
		return nil
	}
	return fmt.Errorf("plan item must be a task id string or a group number, got %s", string(data))
}

// MarshalJSON emits the wire form: string for tasks, number for groups.
func (p PlanItem) MarshalJSON() ([]byte, error) {
	if p.IsGroup {
		return json.Marshal(p.GroupID)
	}
	return json.Marshal(p.TaskID)
}

// ExecutionPlan is the manager agent's topological order with parallel
// groups. Wire keys match the JSON the planning prompt demands.
type ExecutionPlan struct {
	TaskOrder         []PlanItem       `json:"taskOrder"`
	ParallelGroups    map[string][]string `json:"parallelGroups,omitempty"`
	SignificantTasks  []string         `json:"significantTasks,omitempty"`
	SynthesisRequired bool             `json:"synthesisRequired,omitempty"`
}

// Validate checks that every task id appears exactly once across TaskOrder
// and ParallelGroups combined, and that all referenced ids are known.
func (p *ExecutionPlan) Validate(known map[string]bool) error {
	seen := make(map[string]bool)
	record := func(id string) error {
		if !known[id] {
			return fmt.Errorf("plan references unknown task %q", id)
		}
		if seen[id] {
			return fmt.Errorf("task %q appears more than once in plan", id)
		}
		seen[id] = true
		return nil
	}
	for _, item := range p.TaskOrder {
		if item.IsGroup {
			group, ok := p.ParallelGroups[fmt.Sprintf("%d", item.GroupID)]
			if !ok {
				return fmt.Errorf("plan references undefined parallel group %d", item.GroupID)
			}
			for _, id := range group {
				if err := record(id); err != nil {
					return err
				}
			}
			continue
		}
		if err := record(item.TaskID); err != nil {
			return err
		}
	}
	return nil
}

// Significant reports whether id should feed the running context. An empty
// SignificantTasks set means every task is significant.
func (p *ExecutionPlan) Significant(id string) bool {
	if len(p.SignificantTasks) == 0 {
		return true
	}
	for _, s := range p.SignificantTasks {
		if s == id {
			return true
		}
	}
	return false
}

// SequentialPlan builds the trivial fallback plan: every task in order,
// no groups, no synthesis.
func SequentialPlan(taskIDs []string) *ExecutionPlan {
	items := make([]PlanItem, len(taskIDs))
	for i, id := range taskIDs {
		items[i] = PlanItem{TaskID: id}
	}
	return &ExecutionPlan{TaskOrder: items}
}
