package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/crewline/crewline/pkg/models"
)

var fencedPlanPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractPlan pulls an ExecutionPlan out of model output. Three stages:
// a fenced JSON block, then the top-level object containing "taskOrder",
// then the whole string.
func ExtractPlan(content string) (*models.ExecutionPlan, error) {
	if match := fencedPlanPattern.FindStringSubmatch(content); match != nil {
		if plan, err := decodePlan(match[1]); err == nil {
			return plan, nil
		}
	}
	if raw, ok := objectAround(content, `"taskOrder"`); ok {
		if plan, err := decodePlan(raw); err == nil {
			return plan, nil
		}
	}
	return decodePlan(strings.TrimSpace(content))
}

func decodePlan(raw string) (*models.ExecutionPlan, error) {
	var plan models.ExecutionPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("execution plan does not parse: %w", err)
	}
	if len(plan.TaskOrder) == 0 {
		return nil, fmt.Errorf("execution plan has an empty taskOrder")
	}
	return &plan, nil
}

// objectAround returns the JSON object enclosing the first occurrence of
// marker, found by scanning back to the nearest brace and matching forward.
func objectAround(content, marker string) (string, bool) {
	at := strings.Index(content, marker)
	if at < 0 {
		return "", false
	}
	start := strings.LastIndex(content[:at], "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return content[start : i+1], true
			}
		}
	}
	return "", false
}
