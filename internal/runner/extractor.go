package runner

import (
	"encoding/json"
	"strings"
)

// ToolCall is one parsed tool invocation from the model's output.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// ToolCallExtractor scans streamed model text for tool-call markers.
// Extract receives the unconsumed buffer and returns the calls found in
// complete lines plus the remaining text (at most one incomplete trailing
// line). Implementations can be swapped for provider-native protocols.
type ToolCallExtractor interface {
	Extract(buf string) (calls []ToolCall, rest string)
}

// MarkerExtractor parses simple line-oriented markers. A call line is
//
//	TOOL_CALL: name {"arg": 1}
//	FUNCTION: {"name": "name", "arguments": {"arg": 1}}
//
// Either marker accepts either body form. Lines without a marker pass
// through untouched.
type MarkerExtractor struct{}

var markers = []string{"TOOL_CALL:", "FUNCTION:"}

// Extract implements ToolCallExtractor.
func (MarkerExtractor) Extract(buf string) ([]ToolCall, string) {
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		return nil, buf
	}
	complete, rest := buf[:idx], buf[idx+1:]

	var calls []ToolCall
	for _, line := range strings.Split(complete, "\n") {
		if call, ok := parseCallLine(line); ok {
			calls = append(calls, call)
		}
	}
	return calls, rest
}

func parseCallLine(line string) (ToolCall, bool) {
	trimmed := strings.TrimSpace(line)
	for _, marker := range markers {
		if !strings.HasPrefix(trimmed, marker) {
			continue
		}
		body := strings.TrimSpace(trimmed[len(marker):])
		if body == "" {
			return ToolCall{}, false
		}
		return parseCallBody(body)
	}
	return ToolCall{}, false
}

func parseCallBody(body string) (ToolCall, bool) {
	if strings.HasPrefix(body, "{") {
		var envelope struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(body), &envelope); err != nil || envelope.Name == "" {
			return ToolCall{}, false
		}
		return ToolCall{Name: envelope.Name, Arguments: envelope.Arguments}, true
	}

	name, rest, _ := strings.Cut(body, " ")
	call := ToolCall{Name: name}
	rest = strings.TrimSpace(rest)
	if rest != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(rest), &args); err != nil {
			return ToolCall{}, false
		}
		call.Arguments = args
	}
	return call, true
}
