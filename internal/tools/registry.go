// Package tools implements the fixed tool registry the agent loop executes
// against: shell, file access, search, and memory tools, all rooted in a
// configured workspace directory.
package tools

import (
	"context"
	"fmt"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/observability"
)

// maxToolOutput caps what any single tool feeds back to the model.
const maxToolOutput = 32 * 1024

type handler func(ctx context.Context, args map[string]any) (string, error)

// Registry is the fixed tool set. It implements agent.Toolbox.
type Registry struct {
	workspace string
	memory    *memoryStore
	logger    *observability.Logger
	handlers  map[string]handler
	specs     []agent.ToolSpec
}

// NewRegistry builds the registry rooted at cfg.Workspace.
func NewRegistry(cfg config.ToolsConfig, logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &Registry{
		workspace: cfg.Workspace,
		memory:    newMemoryStore(cfg.MemoryFile),
		logger:    logger,
	}
	r.register()
	return r
}

func (r *Registry) register() {
	r.handlers = map[string]handler{
		"bash":          r.runBash,
		"read_file":     r.readFile,
		"write_file":    r.writeFile,
		"edit_file":     r.editFile,
		"glob":          r.runGlob,
		"grep":          r.runGrep,
		"memory_search": r.searchMemory,
		"memory_store":  r.storeMemory,
	}
	r.specs = []agent.ToolSpec{
		{Name: "bash", Description: "Run a shell command in the workspace.", Arguments: `{"command": "shell command"}`},
		{Name: "read_file", Description: "Read a file's contents.", Arguments: `{"path": "relative or workspace path"}`},
		{Name: "write_file", Description: "Create or overwrite a file.", Arguments: `{"path": "...", "content": "..."}`},
		{Name: "edit_file", Description: "Replace an exact string in a file.", Arguments: `{"path": "...", "old_string": "...", "new_string": "...", "replace_all": false}`},
		{Name: "glob", Description: "List files matching a glob pattern (supports **).", Arguments: `{"pattern": "**/*.go"}`},
		{Name: "grep", Description: "Search file contents with a regular expression.", Arguments: `{"pattern": "regexp", "path": "optional subdirectory"}`},
		{Name: "memory_search", Description: "Search stored memories.", Arguments: `{"query": "...", "limit": 5}`},
		{Name: "memory_store", Description: "Store a memory for later recall.", Arguments: `{"text": "..."}`},
	}
}

// Specs lists the registered tools for the model's system prompt.
func (r *Registry) Specs() []agent.ToolSpec {
	return r.specs
}

// Execute runs one tool call. It never panics; every failure, including an
// unknown tool name, becomes an OK=false result the model can react to.
func (r *Registry) Execute(ctx context.Context, call agent.ToolCall) (result agent.ToolResult) {
	result.Name = call.Name
	defer func() {
		if rec := recover(); rec != nil {
			result.OK = false
			result.Output = fmt.Sprintf("tool %q panicked: %v", call.Name, rec)
			r.logger.Error(ctx, "tool panicked", "tool", call.Name, "panic", fmt.Sprint(rec))
		}
	}()

	h, ok := r.handlers[call.Name]
	if !ok {
		result.Output = fmt.Sprintf("unknown tool %q", call.Name)
		return result
	}

	output, err := h(ctx, call.Arguments)
	if err != nil {
		result.Output = err.Error()
		return result
	}
	result.OK = true
	result.Output = truncateOutput(output)
	return result
}

func truncateOutput(s string) string {
	if len(s) <= maxToolOutput {
		return s
	}
	return s[:maxToolOutput] + "\n[output truncated]"
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func optionalString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func optionalInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func optionalBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
