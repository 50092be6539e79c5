package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/light"
	"github.com/hearthd/hearth/internal/observability"
)

const defaultSystemPrompt = "You are a capable assistant running inside a local gateway. " +
	"Answer directly when you can. When you need to inspect or change the " +
	"machine, call a tool."

const nudgeMessage = "Either call one of the available tools or give your final answer now."

// Loop drives the tool-use conversation with the light backend.
type Loop struct {
	completer light.Completer
	toolbox   Toolbox
	cfg       config.LoopConfig
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewLoop wires a Loop from its collaborators.
func NewLoop(completer light.Completer, toolbox Toolbox, cfg config.LoopConfig, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Loop{completer: completer, toolbox: toolbox, cfg: cfg, logger: logger, metrics: metrics}
}

// Input is one run of the loop.
type Input struct {
	Prompt  string
	History []light.Message
	// OnDelta, when set, receives intermediate reasoning text and tool
	// activity notices as they happen.
	OnDelta func(text string)
}

// Run executes the loop to completion. The returned Report always carries a
// finish reason; err is non-nil only when the run ended on a backend error.
func (l *Loop) Run(ctx context.Context, in Input) (*Report, error) {
	start := time.Now()
	if l.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Deadline)
		defer cancel()
	}

	messages := l.seedMessages(in)
	report := &Report{}
	var lastText string
	nudged := false
	ranTools := false

	finish := func(reason FinishReason, text string) *Report {
		report.Finish = reason
		report.Text = text
		report.Duration = time.Since(start)
		l.metrics.LoopRuns.WithLabelValues(string(reason)).Inc()
		l.logger.Info(ctx, "loop finished",
			"finish_reason", string(reason),
			"iterations", report.Iterations,
			"tool_calls", report.ToolCalls,
			"duration_ms", report.Duration.Milliseconds(),
		)
		return report
	}

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		report.Iterations = iter + 1

		if ctx.Err() != nil {
			return finish(FinishTimeout, lastText), nil
		}

		completion, err := l.completer.Complete(ctx, messages)
		if err != nil {
			if ctx.Err() != nil {
				return finish(FinishTimeout, lastText), nil
			}
			return finish(FinishError, lastText), fmt.Errorf("light backend: %w", err)
		}

		parsed := ParseResponse(completion)
		if parsed.Text != "" {
			lastText = parsed.Text
			l.emitDelta(in, parsed.Text)
		}

		if len(parsed.Calls) == 0 {
			if strings.TrimSpace(completion) == "" {
				return finish(FinishEmptyResponse, lastText), nil
			}
			// A first-iteration answer with no tool use gets one nudge in
			// case the model forgot its tools; afterwards plain text is the
			// final answer.
			if iter == 0 && !nudged && l.hasTools() {
				nudged = true
				messages = append(messages,
					light.Message{Role: light.RoleAssistant, Content: completion},
					light.Message{Role: light.RoleUser, Content: nudgeMessage},
				)
				continue
			}
			return finish(FinishComplete, parsed.Text), nil
		}

		if report.ToolCalls+len(parsed.Calls) > l.cfg.MaxToolCalls {
			// Over budget: execute nothing and surface whatever reasoning
			// accompanied the calls.
			return finish(FinishToolLimit, lastText), nil
		}

		messages = append(messages, light.Message{Role: light.RoleAssistant, Content: completion})
		var results strings.Builder
		for _, call := range parsed.Calls {
			if ctx.Err() != nil {
				return finish(FinishTimeout, lastText), nil
			}
			result := l.executeCall(ctx, in, call)
			report.ToolCalls++
			fmt.Fprintf(&results, "<tool_result name=%q ok=%t>\n%s\n</tool_result>\n", result.Name, result.OK, result.Output)
		}
		ranTools = true
		messages = append(messages, light.Message{Role: light.RoleUser, Content: results.String()})
	}

	// Iterations exhausted mid-work: ask once for a plain summary, no tools.
	if ranTools {
		if text := l.summarize(ctx, messages); text != "" {
			return finish(FinishMaxIterations, text), nil
		}
	}
	return finish(FinishMaxIterations, lastText), nil
}

func (l *Loop) seedMessages(in Input) []light.Message {
	system := l.cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	if instructions := l.toolInstructions(); instructions != "" {
		system += "\n\n" + instructions
	}

	messages := make([]light.Message, 0, len(in.History)+2)
	messages = append(messages, light.Message{Role: light.RoleSystem, Content: system})
	messages = append(messages, in.History...)
	messages = append(messages, light.Message{Role: light.RoleUser, Content: in.Prompt})
	return messages
}

// toolInstructions renders the toolbox into the tool-calling contract the
// parser understands.
func (l *Loop) toolInstructions() string {
	specs := l.specs()
	if len(specs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, spec := range specs {
		fmt.Fprintf(&b, "- %s: %s Arguments: %s\n", spec.Name, spec.Description, spec.Arguments)
	}
	b.WriteString("\nTo call a tool, respond with:\n")
	b.WriteString("<tool_call>{\"name\": \"tool_name\", \"arguments\": {...}}</tool_call>\n")
	b.WriteString("One tool call per block. Tool results come back in <tool_result> blocks.")
	return b.String()
}

func (l *Loop) executeCall(ctx context.Context, in Input, call ToolCall) ToolResult {
	l.emitDelta(in, fmt.Sprintf("[tool: %s]", call.Name))

	callCtx := ctx
	if l.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.cfg.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	result := l.toolbox.Execute(callCtx, call)
	result.Duration = time.Since(start)

	status := "success"
	if !result.OK {
		status = "error"
	}
	l.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
	l.metrics.ToolDurationSeconds.WithLabelValues(call.Name).Observe(result.Duration.Seconds())
	l.logger.Debug(ctx, "tool executed",
		"tool", call.Name,
		"ok", result.OK,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result
}

// summarize asks for a final plain-text wrap-up after the iteration budget
// ran out. Best effort: an error or tool-bearing reply yields "".
func (l *Loop) summarize(ctx context.Context, messages []light.Message) string {
	messages = append(messages, light.Message{
		Role:    light.RoleUser,
		Content: "Stop using tools. Summarize what you found and answer the original question now.",
	})
	completion, err := l.completer.Complete(ctx, messages)
	if err != nil {
		return ""
	}
	return ParseResponse(completion).Text
}

func (l *Loop) specs() []ToolSpec {
	if l.toolbox == nil {
		return nil
	}
	return l.toolbox.Specs()
}

func (l *Loop) hasTools() bool {
	return len(l.specs()) > 0
}

func (l *Loop) emitDelta(in Input, text string) {
	if in.OnDelta != nil {
		in.OnDelta(text)
	}
}
