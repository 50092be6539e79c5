package agent

import (
	"strings"
	"testing"
)

func TestParseTaggedBlock(t *testing.T) {
	p := ParseResponse(`Let me check that.
<tool_call>{"name": "bash", "arguments": {"command": "ls -la"}}</tool_call>`)

	if len(p.Calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(p.Calls))
	}
	if p.Calls[0].Name != "bash" {
		t.Errorf("name = %q", p.Calls[0].Name)
	}
	if got := p.Calls[0].Arguments["command"]; got != "ls -la" {
		t.Errorf("command = %v", got)
	}
	if p.Text != "Let me check that." {
		t.Errorf("text = %q", p.Text)
	}
}

func TestParseMultipleTaggedBlocks(t *testing.T) {
	p := ParseResponse(`<tool_call>{"name": "read_file", "arguments": {"path": "a.go"}}</tool_call>
<tool_call>{"name": "read_file", "arguments": {"path": "b.go"}}</tool_call>`)

	if len(p.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(p.Calls))
	}
	if p.Calls[1].Arguments["path"] != "b.go" {
		t.Errorf("second call args = %v", p.Calls[1].Arguments)
	}
}

func TestParseTruncatedTaggedBlockRepaired(t *testing.T) {
	// Generation cut off mid-object: no closing tag, unbalanced braces.
	p := ParseResponse(`<tool_call>{"name": "grep", "arguments": {"pattern": "TODO"`)

	if len(p.Calls) != 1 {
		t.Fatalf("expected repaired call, got %d calls (text %q)", len(p.Calls), p.Text)
	}
	if p.Calls[0].Name != "grep" {
		t.Errorf("name = %q", p.Calls[0].Name)
	}
	if p.Calls[0].Arguments["pattern"] != "TODO" {
		t.Errorf("arguments = %v", p.Calls[0].Arguments)
	}
}

func TestParseFencedJSON(t *testing.T) {
	p := ParseResponse("I'll search for it.\n```json\n{\"name\": \"glob\", \"arguments\": {\"pattern\": \"**/*.go\"}}\n```\n")

	if len(p.Calls) != 1 || p.Calls[0].Name != "glob" {
		t.Fatalf("calls = %+v", p.Calls)
	}
	if p.Text != "I'll search for it." {
		t.Errorf("text = %q", p.Text)
	}
}

func TestParseFencedWithoutLabel(t *testing.T) {
	p := ParseResponse("```\n{\"name\": \"memory_search\", \"arguments\": {\"query\": \"birthday\"}}\n```")
	if len(p.Calls) != 1 || p.Calls[0].Name != "memory_search" {
		t.Fatalf("calls = %+v", p.Calls)
	}
}

func TestParseBareJSON(t *testing.T) {
	p := ParseResponse(`Sure: {"name": "write_file", "arguments": {"path": "x.txt", "content": "hi"}} running now.`)

	if len(p.Calls) != 1 || p.Calls[0].Name != "write_file" {
		t.Fatalf("calls = %+v", p.Calls)
	}
	if !strings.Contains(p.Text, "Sure:") || !strings.Contains(p.Text, "running now.") {
		t.Errorf("surrounding text lost: %q", p.Text)
	}
}

func TestParsePlainTextUntouched(t *testing.T) {
	in := "The capital of France is Paris. No tools needed."
	p := ParseResponse(in)
	if len(p.Calls) != 0 {
		t.Fatalf("unexpected calls: %+v", p.Calls)
	}
	if p.Text != in {
		t.Errorf("text = %q, want input unchanged", p.Text)
	}
}

func TestParseOrdinaryJSONNotATool(t *testing.T) {
	p := ParseResponse(`Here is the config: {"port": 8080, "host": "localhost"}`)
	if len(p.Calls) != 0 {
		t.Fatalf("json without a name field parsed as call: %+v", p.Calls)
	}
}

func TestParseOrdinaryCodeFencePreserved(t *testing.T) {
	in := "Example:\n```go\nfunc main() {}\n```\nThat's it."
	p := ParseResponse(in)
	if len(p.Calls) != 0 {
		t.Fatalf("unexpected calls: %+v", p.Calls)
	}
	if !strings.Contains(p.Text, "func main() {}") {
		t.Errorf("code block lost: %q", p.Text)
	}
}

func TestParseParameterAliases(t *testing.T) {
	for _, in := range []string{
		`<tool_call>{"name": "bash", "parameters": {"command": "pwd"}}</tool_call>`,
		`<tool_call>{"name": "bash", "args": {"command": "pwd"}}</tool_call>`,
	} {
		p := ParseResponse(in)
		if len(p.Calls) != 1 {
			t.Fatalf("ParseResponse(%q): %d calls", in, len(p.Calls))
		}
		if p.Calls[0].Arguments["command"] != "pwd" {
			t.Errorf("ParseResponse(%q): arguments = %v", in, p.Calls[0].Arguments)
		}
	}
}

func TestParseMissingArgumentsDefaultsEmpty(t *testing.T) {
	p := ParseResponse(`<tool_call>{"name": "memory_search"}</tool_call>`)
	if len(p.Calls) != 1 {
		t.Fatalf("calls = %+v", p.Calls)
	}
	if p.Calls[0].Arguments == nil {
		t.Error("arguments nil, want empty map")
	}
}

func TestParseMalformedTagIgnored(t *testing.T) {
	p := ParseResponse(`<tool_call>this is not json at all</tool_call> but here is text`)
	if len(p.Calls) != 0 {
		t.Fatalf("unexpected calls: %+v", p.Calls)
	}
	if !strings.Contains(p.Text, "but here is text") {
		t.Errorf("text = %q", p.Text)
	}
}

// Re-parsing the residual text must yield no further calls.
func TestParseIdempotentOnResidualText(t *testing.T) {
	inputs := []string{
		`thinking <tool_call>{"name": "bash", "arguments": {"command": "ls"}}</tool_call> done`,
		"```json\n{\"name\": \"grep\", \"arguments\": {\"pattern\": \"x\"}}\n```",
		`{"name": "glob", "arguments": {"pattern": "*.md"}}`,
		"plain text only",
	}
	for _, in := range inputs {
		first := ParseResponse(in)
		second := ParseResponse(first.Text)
		if len(second.Calls) != 0 {
			t.Errorf("ParseResponse(%q): residual text produced calls %+v", in, second.Calls)
		}
		if second.Text != first.Text {
			t.Errorf("ParseResponse(%q): text changed on re-parse: %q -> %q", in, first.Text, second.Text)
		}
	}
}

func TestBalanceObjectNestedAndStrings(t *testing.T) {
	obj, n := balanceObject(`{"a": {"b": "}"}, "c": [1]} trailing`)
	if obj != `{"a": {"b": "}"}, "c": [1]}` {
		t.Errorf("obj = %q", obj)
	}
	if n != len(obj) {
		t.Errorf("consumed = %d, want %d", n, len(obj))
	}
}
