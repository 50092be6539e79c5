package agent

import (
	"encoding/json"
	"strings"
)

// Parsed is the result of scanning model output for tool calls. Text holds
// whatever the model said outside the tool-call markup.
type Parsed struct {
	Calls []ToolCall
	Text  string
}

const (
	toolCallOpenTag  = "<tool_call>"
	toolCallCloseTag = "</tool_call>"
)

// ParseResponse extracts tool calls from model output. Models emit calls in
// several shapes depending on their chat template, so three strategies run in
// order: explicit <tool_call> tags, fenced code blocks, then a bare JSON
// object anywhere in the text. The first strategy that yields calls wins.
// Parsing never fails; output with no recognizable calls comes back unchanged
// as plain text, and truncated JSON is repaired by closing open braces.
func ParseResponse(text string) Parsed {
	if calls, remaining, ok := parseTagged(text); ok {
		return Parsed{Calls: calls, Text: strings.TrimSpace(remaining)}
	}
	if calls, remaining, ok := parseFenced(text); ok {
		return Parsed{Calls: calls, Text: strings.TrimSpace(remaining)}
	}
	if calls, remaining, ok := parseBare(text); ok {
		return Parsed{Calls: calls, Text: strings.TrimSpace(remaining)}
	}
	return Parsed{Text: strings.TrimSpace(text)}
}

// parseTagged handles <tool_call>{...}</tool_call> blocks. A missing closing
// tag (truncated generation) is tolerated: the JSON is recovered by brace
// balancing from the opening tag onward.
func parseTagged(text string) ([]ToolCall, string, bool) {
	var calls []ToolCall
	var out strings.Builder
	rest := text

	for {
		start := strings.Index(rest, toolCallOpenTag)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		body := rest[start+len(toolCallOpenTag):]

		end := strings.Index(body, toolCallCloseTag)
		var candidate, after string
		if end >= 0 {
			candidate = body[:end]
			after = body[end+len(toolCallCloseTag):]
		} else {
			candidate = body
			after = ""
		}

		if call, ok := decodeToolCall(extractObject(candidate)); ok {
			calls = append(calls, call)
		}
		rest = after
	}

	return calls, out.String(), len(calls) > 0
}

// parseFenced handles calls wrapped in markdown code fences, optionally
// labeled (```json, ```tool_call).
func parseFenced(text string) ([]ToolCall, string, bool) {
	var calls []ToolCall
	var out strings.Builder
	rest := text

	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		afterOpen := rest[start+3:]
		// Skip the language label on the opening fence line.
		body := afterOpen
		if nl := strings.IndexByte(afterOpen, '\n'); nl >= 0 {
			body = afterOpen[nl+1:]
		}
		end := strings.Index(body, "```")
		var candidate, after string
		if end >= 0 {
			candidate = body[:end]
			after = body[end+3:]
		} else {
			candidate = body
			after = ""
		}

		if call, ok := decodeToolCall(extractObject(candidate)); ok {
			calls = append(calls, call)
			rest = after
			continue
		}
		// Not a tool call: keep the fence verbatim and move past the opener.
		out.WriteString(rest[:start+3])
		rest = afterOpen
	}

	return calls, out.String(), len(calls) > 0
}

// parseBare handles a naked JSON object embedded in prose.
func parseBare(text string) ([]ToolCall, string, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		obj, consumed := balanceObject(text[i:])
		if obj == "" {
			continue
		}
		if call, ok := decodeToolCall(obj); ok {
			remaining := text[:i] + text[i+consumed:]
			return []ToolCall{call}, remaining, true
		}
	}
	return nil, text, false
}

// extractObject pulls the first balanced JSON object out of a candidate
// block, repairing truncation.
func extractObject(s string) string {
	idx := strings.IndexByte(s, '{')
	if idx < 0 {
		return ""
	}
	obj, _ := balanceObject(s[idx:])
	return obj
}

// maxRepairDepth caps how many closing braces truncation repair will add.
const maxRepairDepth = 8

// balanceObject returns the JSON object starting at s[0] ('{'), tracking
// brace depth outside of strings. If the input ends before the object
// closes, the missing closing braces are appended. The second return is how
// many bytes of s the object spans.
func balanceObject(s string) (string, int) {
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], i + 1
			}
		}
	}

	if depth > 0 && depth <= maxRepairDepth {
		repaired := s
		if inString {
			repaired += `"`
		}
		repaired += strings.Repeat("}", depth)
		return repaired, len(s)
	}
	return "", 0
}

// decodeToolCall accepts {"name": ..., "arguments": {...}}, tolerating
// "parameters" or "args" as the argument key.
func decodeToolCall(candidate string) (ToolCall, bool) {
	if candidate == "" {
		return ToolCall{}, false
	}
	var raw struct {
		Name       string         `json:"name"`
		Arguments  map[string]any `json:"arguments"`
		Parameters map[string]any `json:"parameters"`
		Args       map[string]any `json:"args"`
	}
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil {
		return ToolCall{}, false
	}
	if raw.Name == "" {
		return ToolCall{}, false
	}
	args := raw.Arguments
	if args == nil {
		args = raw.Parameters
	}
	if args == nil {
		args = raw.Args
	}
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{Name: raw.Name, Arguments: args}, true
}
