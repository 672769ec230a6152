package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// extractJSONObject pulls a JSON object out of model output: a fenced block
// first, then the whole trimmed string when it is itself an object.
func extractJSONObject(content string) (string, bool) {
	if match := fencedObjectPattern.FindStringSubmatch(content); match != nil {
		return match[1], true
	}
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed, true
	}
	return "", false
}

// toolCall is the text protocol for tool requests: the model replies with a
// JSON object naming the tool and its input.
type toolCall struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

func parseToolCall(content string) (toolCall, bool) {
	raw, ok := extractJSONObject(content)
	if !ok {
		return toolCall{}, false
	}
	var call toolCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil || call.Tool == "" {
		return toolCall{}, false
	}
	if call.Input == nil {
		call.Input = map[string]any{}
	}
	return call, true
}
