package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crewline/crewline/pkg/crewerr"
	"github.com/crewline/crewline/pkg/llm"
	"github.com/crewline/crewline/pkg/models"
)

// ExtractedRelation is one directed edge an evaluator found in a task
// output.
type ExtractedRelation struct {
	Relation   string  `json:"relation"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
}

// ExtractedEntity is one entity an evaluator found in a task output.
type ExtractedEntity struct {
	Name          string              `json:"name"`
	Type          string              `json:"type"`
	Description   string              `json:"description"`
	Relationships []ExtractedRelation `json:"relationships"`
}

// Evaluation grades a task output and lists what is worth remembering.
type Evaluation struct {
	Quality     float64           `json:"quality"`
	Suggestions []string          `json:"suggestions"`
	Entities    []ExtractedEntity `json:"entities"`
}

// Evaluator turns a task output into a long-term memory evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, task models.TaskSpec, output string) (Evaluation, error)
}

const evaluatorPrompt = `Evaluate the task output below. Respond with only a JSON object:
{"quality": <0..1>, "suggestions": ["..."], "entities": [{"name": "...", "type": "...", "description": "...", "relationships": [{"relation": "...", "target": "...", "confidence": <0..1>}]}]}

Task: %s

Output:
%s`

// LLMEvaluator asks a language model to grade an output and extract
// entities from it.
type LLMEvaluator struct {
	client llm.Client
	opts   llm.Options
}

// NewLLMEvaluator builds an evaluator over client.
func NewLLMEvaluator(client llm.Client, opts llm.Options) *LLMEvaluator {
	return &LLMEvaluator{client: client, opts: opts}
}

// Evaluate runs one completion and parses the evaluation JSON.
func (e *LLMEvaluator) Evaluate(ctx context.Context, task models.TaskSpec, output string) (Evaluation, error) {
	res, err := e.client.Complete(ctx, []models.Message{
		{Role: models.RoleUser, Content: fmt.Sprintf(evaluatorPrompt, task.Description, output)},
	}, e.opts)
	if err != nil {
		return Evaluation{}, fmt.Errorf("evaluating task %q: %w", task.ID, err)
	}

	raw, ok := extractJSONObject(res.Content)
	if !ok {
		return Evaluation{}, crewerr.Validation(
			fmt.Sprintf("evaluator returned no JSON object for task %q", task.ID))
	}
	var eval Evaluation
	if err := json.Unmarshal([]byte(raw), &eval); err != nil {
		return Evaluation{}, crewerr.Wrap(crewerr.CodeValidation,
			fmt.Sprintf("evaluator JSON for task %q does not parse", task.ID), err)
	}

	eval.Quality = clamp01(eval.Quality)
	for i := range eval.Entities {
		eval.Entities[i].Name = strings.TrimSpace(eval.Entities[i].Name)
		for j := range eval.Entities[i].Relationships {
			rel := &eval.Entities[i].Relationships[j]
			rel.Confidence = clamp01(rel.Confidence)
		}
	}
	return eval, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
