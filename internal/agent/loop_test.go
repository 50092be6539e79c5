package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/light"
)

// scriptCompleter replays canned responses and records every conversation it
// was shown.
type scriptCompleter struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	seen      [][]light.Message
}

func (s *scriptCompleter) Complete(ctx context.Context, messages []light.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]light.Message, len(messages))
	copy(copied, messages)
	s.seen = append(s.seen, copied)

	idx := len(s.seen) - 1
	if idx < len(s.errs) && s.errs[idx] != nil {
		return "", s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return "", nil
}

func (s *scriptCompleter) Probe(ctx context.Context) error { return nil }

func (s *scriptCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// recordingToolbox returns scripted outputs and records executed calls.
type recordingToolbox struct {
	mu       sync.Mutex
	executed []ToolCall
	output   func(call ToolCall) ToolResult
}

func (r *recordingToolbox) Execute(ctx context.Context, call ToolCall) ToolResult {
	r.mu.Lock()
	r.executed = append(r.executed, call)
	r.mu.Unlock()
	if r.output != nil {
		return r.output(call)
	}
	return ToolResult{Name: call.Name, OK: true, Output: "ok"}
}

func (r *recordingToolbox) Specs() []ToolSpec {
	return []ToolSpec{
		{Name: "bash", Description: "Run a shell command.", Arguments: `{"command": "..."}`},
		{Name: "read_file", Description: "Read a file.", Arguments: `{"path": "..."}`},
	}
}

func (r *recordingToolbox) executedCalls() []ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ToolCall(nil), r.executed...)
}

func testLoopConfig() config.LoopConfig {
	return config.LoopConfig{
		MaxIterations: 5,
		MaxToolCalls:  10,
		Deadline:      time.Minute,
		ToolTimeout:   time.Second,
	}
}

func toolCallText(name, argKey, argVal string) string {
	return fmt.Sprintf(`<tool_call>{"name": %q, "arguments": {%q: %q}}</tool_call>`, name, argKey, argVal)
}

func TestRunToolThenAnswer(t *testing.T) {
	completer := &scriptCompleter{responses: []string{
		"Checking the directory.\n" + toolCallText("bash", "command", "ls"),
		"There are three files: a, b, c.",
	}}
	toolbox := &recordingToolbox{}
	loop := NewLoop(completer, toolbox, testLoopConfig(), nil, nil)

	report, err := loop.Run(context.Background(), Input{Prompt: "what files are here?"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Finish != FinishComplete {
		t.Errorf("finish = %s, want complete", report.Finish)
	}
	if report.Text != "There are three files: a, b, c." {
		t.Errorf("text = %q", report.Text)
	}
	if report.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", report.ToolCalls)
	}

	calls := toolbox.executedCalls()
	if len(calls) != 1 || calls[0].Name != "bash" {
		t.Fatalf("executed = %+v", calls)
	}

	// The tool result must have been fed back before the final answer.
	last := completer.seen[1]
	found := false
	for _, m := range last {
		if strings.Contains(m.Content, "<tool_result") && strings.Contains(m.Content, "ok") {
			found = true
		}
	}
	if !found {
		t.Error("tool result never fed back to the model")
	}
}

func TestRunPlainAnswerGetsOneNudge(t *testing.T) {
	completer := &scriptCompleter{responses: []string{
		"The capital of France is Paris.",
		"The capital of France is Paris.",
	}}
	loop := NewLoop(completer, &recordingToolbox{}, testLoopConfig(), nil, nil)

	report, err := loop.Run(context.Background(), Input{Prompt: "capital of France?"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Finish != FinishComplete {
		t.Errorf("finish = %s", report.Finish)
	}
	if completer.callCount() != 2 {
		t.Errorf("model called %d times, want 2 (answer, nudge, answer)", completer.callCount())
	}
	nudgeSeen := completer.seen[1]
	if got := nudgeSeen[len(nudgeSeen)-1].Content; got != nudgeMessage {
		t.Errorf("last message before retry = %q, want nudge", got)
	}
}

func TestRunPlainAnswerAfterToolsCompletesWithoutNudge(t *testing.T) {
	completer := &scriptCompleter{responses: []string{
		toolCallText("bash", "command", "date"),
		"It is Tuesday.",
	}}
	loop := NewLoop(completer, &recordingToolbox{}, testLoopConfig(), nil, nil)

	report, _ := loop.Run(context.Background(), Input{Prompt: "what day is it?"})
	if report.Finish != FinishComplete {
		t.Errorf("finish = %s", report.Finish)
	}
	if completer.callCount() != 2 {
		t.Errorf("model called %d times, want 2", completer.callCount())
	}
}

func TestRunToolLimitExecutesNothingOver(t *testing.T) {
	cfg := testLoopConfig()
	cfg.MaxToolCalls = 1
	completer := &scriptCompleter{responses: []string{
		toolCallText("bash", "command", "ls"),
		"I still need more info.\n" +
			toolCallText("read_file", "path", "a.go") + "\n" +
			toolCallText("read_file", "path", "b.go"),
	}}
	toolbox := &recordingToolbox{}
	loop := NewLoop(completer, toolbox, cfg, nil, nil)

	report, err := loop.Run(context.Background(), Input{Prompt: "inspect"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Finish != FinishToolLimit {
		t.Fatalf("finish = %s, want tool_limit", report.Finish)
	}
	if got := len(toolbox.executedCalls()); got != 1 {
		t.Errorf("executed %d calls, want only the first batch", got)
	}
	if report.Text != "I still need more info." {
		t.Errorf("text = %q, want accompanying reasoning", report.Text)
	}
}

func TestRunEmptyResponse(t *testing.T) {
	completer := &scriptCompleter{responses: []string{""}}
	loop := NewLoop(completer, &recordingToolbox{}, testLoopConfig(), nil, nil)

	report, err := loop.Run(context.Background(), Input{Prompt: "hello?"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Finish != FinishEmptyResponse {
		t.Errorf("finish = %s, want empty_response", report.Finish)
	}
}

func TestRunMaxIterationsSummarizes(t *testing.T) {
	cfg := testLoopConfig()
	cfg.MaxIterations = 2
	completer := &scriptCompleter{responses: []string{
		toolCallText("bash", "command", "ls"),
		toolCallText("bash", "command", "pwd"),
		"Summary: looked around, found nothing unusual.",
	}}
	loop := NewLoop(completer, &recordingToolbox{}, cfg, nil, nil)

	report, err := loop.Run(context.Background(), Input{Prompt: "explore"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Finish != FinishMaxIterations {
		t.Errorf("finish = %s, want max_iterations", report.Finish)
	}
	if report.Text != "Summary: looked around, found nothing unusual." {
		t.Errorf("text = %q, want summary", report.Text)
	}
	if report.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", report.Iterations)
	}

	summaryConv := completer.seen[2]
	last := summaryConv[len(summaryConv)-1].Content
	if !strings.Contains(last, "Stop using tools") {
		t.Errorf("summary request = %q", last)
	}
}

func TestRunDeadline(t *testing.T) {
	cfg := testLoopConfig()
	cfg.Deadline = 20 * time.Millisecond
	blocking := &blockingCompleter{}
	loop := NewLoop(blocking, &recordingToolbox{}, cfg, nil, nil)

	report, err := loop.Run(context.Background(), Input{Prompt: "slow"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Finish != FinishTimeout {
		t.Errorf("finish = %s, want timeout", report.Finish)
	}
}

type blockingCompleter struct{}

func (b *blockingCompleter) Complete(ctx context.Context, _ []light.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
func (b *blockingCompleter) Probe(ctx context.Context) error { return nil }

func TestRunBackendError(t *testing.T) {
	wantErr := errors.New("connection reset")
	completer := &scriptCompleter{errs: []error{wantErr}}
	loop := NewLoop(completer, &recordingToolbox{}, testLoopConfig(), nil, nil)

	report, err := loop.Run(context.Background(), Input{Prompt: "hi"})
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want wrapped backend error", err)
	}
	if report.Finish != FinishError {
		t.Errorf("finish = %s, want error", report.Finish)
	}
}

func TestRunUnknownToolFedBack(t *testing.T) {
	completer := &scriptCompleter{responses: []string{
		toolCallText("teleport", "destination", "mars"),
		"Apparently I cannot teleport. Done.",
	}}
	toolbox := &recordingToolbox{output: func(call ToolCall) ToolResult {
		return ToolResult{Name: call.Name, OK: false, Output: "unknown tool \"teleport\""}
	}}
	loop := NewLoop(completer, toolbox, testLoopConfig(), nil, nil)

	report, err := loop.Run(context.Background(), Input{Prompt: "go to mars"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Finish != FinishComplete {
		t.Errorf("finish = %s", report.Finish)
	}

	followup := completer.seen[1]
	last := followup[len(followup)-1].Content
	if !strings.Contains(last, "ok=false") || !strings.Contains(last, "unknown tool") {
		t.Errorf("failure result not fed back: %q", last)
	}
}

func TestRunSystemPromptListsTools(t *testing.T) {
	completer := &scriptCompleter{responses: []string{"", ""}}
	loop := NewLoop(completer, &recordingToolbox{}, testLoopConfig(), nil, nil)
	loop.Run(context.Background(), Input{Prompt: "x"})

	system := completer.seen[0][0]
	if system.Role != light.RoleSystem {
		t.Fatalf("first message role = %q", system.Role)
	}
	for _, want := range []string{"bash", "read_file", "<tool_call>"} {
		if !strings.Contains(system.Content, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestRunStreamsDeltas(t *testing.T) {
	completer := &scriptCompleter{responses: []string{
		"Looking now.\n" + toolCallText("bash", "command", "ls"),
		"All done.",
	}}
	loop := NewLoop(completer, &recordingToolbox{}, testLoopConfig(), nil, nil)

	var mu sync.Mutex
	var deltas []string
	report, _ := loop.Run(context.Background(), Input{
		Prompt: "look",
		OnDelta: func(text string) {
			mu.Lock()
			deltas = append(deltas, text)
			mu.Unlock()
		},
	})
	if report.Finish != FinishComplete {
		t.Fatalf("finish = %s", report.Finish)
	}

	joined := strings.Join(deltas, "\n")
	if !strings.Contains(joined, "Looking now.") {
		t.Errorf("reasoning delta missing: %v", deltas)
	}
	if !strings.Contains(joined, "[tool: bash]") {
		t.Errorf("tool notice missing: %v", deltas)
	}
}
