// Package agent runs the tool-use loop that lets the light backend answer
// with tool calls: parse the model's output, execute requested tools, feed
// results back, and stop under iteration, tool-call, and deadline bounds.
package agent

import (
	"context"
	"time"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of executing a single tool call.
type ToolResult struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"-"`
}

// ToolSpec describes a tool for the model's system prompt.
type ToolSpec struct {
	Name        string
	Description string
	// Arguments is a short human-readable parameter sketch, e.g.
	// `{"command": "shell command to run"}`.
	Arguments string
}

// Toolbox executes tool calls. Execute never panics: failures, including an
// unknown tool name, come back as a ToolResult with OK=false so the model
// sees them and can correct course.
type Toolbox interface {
	Execute(ctx context.Context, call ToolCall) ToolResult
	Specs() []ToolSpec
}

// FinishReason says why a run stopped.
type FinishReason string

const (
	FinishComplete      FinishReason = "complete"
	FinishTimeout       FinishReason = "timeout"
	FinishToolLimit     FinishReason = "tool_limit"
	FinishMaxIterations FinishReason = "max_iterations"
	FinishEmptyResponse FinishReason = "empty_response"
	FinishError         FinishReason = "error"
)

// Report summarizes one completed run.
type Report struct {
	Text       string
	Finish     FinishReason
	Iterations int
	ToolCalls  int
	Duration   time.Duration
}
