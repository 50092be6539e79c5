package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	return NewRegistry(config.ToolsConfig{
		Workspace:  dir,
		MemoryFile: filepath.Join(dir, ".state", "memory.jsonl"),
	}, nil)
}

func mustWrite(t *testing.T, r *Registry, rel, content string) {
	t.Helper()
	path := filepath.Join(r.workspace, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func run(t *testing.T, r *Registry, name string, args map[string]any) agent.ToolResult {
	t.Helper()
	return r.Execute(context.Background(), agent.ToolCall{Name: name, Arguments: args})
}

func TestUnknownTool(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, "teleport", nil)
	if res.OK {
		t.Fatal("unknown tool reported OK")
	}
	if !strings.Contains(res.Output, `unknown tool "teleport"`) {
		t.Errorf("output = %q", res.Output)
	}
}

func TestBash(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, "bash", map[string]any{"command": "echo hello && echo world"})
	if !res.OK {
		t.Fatalf("bash failed: %s", res.Output)
	}
	if res.Output != "hello\nworld" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestBashNonZeroExit(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, "bash", map[string]any{"command": "echo oops >&2; exit 3"})
	if res.OK {
		t.Fatal("expected failure result for non-zero exit")
	}
	if !strings.Contains(res.Output, "oops") {
		t.Errorf("stderr not captured: %q", res.Output)
	}
}

func TestBashTimeout(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := r.Execute(ctx, agent.ToolCall{Name: "bash", Arguments: map[string]any{"command": "sleep 10"}})
	if res.OK {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Output, "timed out") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestReadWriteEdit(t *testing.T) {
	r := newTestRegistry(t)

	res := run(t, r, "write_file", map[string]any{"path": "notes/plan.txt", "content": "step one\nstep two\n"})
	if !res.OK {
		t.Fatalf("write_file: %s", res.Output)
	}

	res = run(t, r, "read_file", map[string]any{"path": "notes/plan.txt"})
	if !res.OK || res.Output != "step one\nstep two\n" {
		t.Fatalf("read_file = %+v", res)
	}

	res = run(t, r, "edit_file", map[string]any{
		"path":       "notes/plan.txt",
		"old_string": "step two",
		"new_string": "step 2",
	})
	if !res.OK {
		t.Fatalf("edit_file: %s", res.Output)
	}

	res = run(t, r, "read_file", map[string]any{"path": "notes/plan.txt"})
	if !strings.Contains(res.Output, "step 2") {
		t.Errorf("edit not applied: %q", res.Output)
	}
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	r := newTestRegistry(t)
	mustWrite(t, r, "f.txt", "dup dup")

	res := run(t, r, "edit_file", map[string]any{"path": "f.txt", "old_string": "dup", "new_string": "x"})
	if res.OK {
		t.Fatal("expected failure for ambiguous old_string")
	}

	res = run(t, r, "edit_file", map[string]any{"path": "f.txt", "old_string": "dup", "new_string": "x", "replace_all": true})
	if !res.OK {
		t.Fatalf("replace_all failed: %s", res.Output)
	}
	data, _ := os.ReadFile(filepath.Join(r.workspace, "f.txt"))
	if string(data) != "x x" {
		t.Errorf("content = %q", data)
	}
}

func TestEditMissingString(t *testing.T) {
	r := newTestRegistry(t)
	mustWrite(t, r, "f.txt", "content")
	res := run(t, r, "edit_file", map[string]any{"path": "f.txt", "old_string": "absent", "new_string": "x"})
	if res.OK {
		t.Fatal("expected failure when old_string absent")
	}
}

func TestPathEscapeRejected(t *testing.T) {
	r := newTestRegistry(t)
	for _, path := range []string{"../outside.txt", "../../etc/passwd", "/etc/passwd"} {
		res := run(t, r, "read_file", map[string]any{"path": path})
		if res.OK {
			t.Errorf("read_file(%q) escaped the workspace", path)
		}
		res = run(t, r, "write_file", map[string]any{"path": path, "content": "x"})
		if res.OK {
			t.Errorf("write_file(%q) escaped the workspace", path)
		}
	}
}

func TestGlob(t *testing.T) {
	r := newTestRegistry(t)
	mustWrite(t, r, "a.go", "package a")
	mustWrite(t, r, "sub/b.go", "package b")
	mustWrite(t, r, "sub/deep/c.go", "package c")
	mustWrite(t, r, "readme.md", "# hi")

	res := run(t, r, "glob", map[string]any{"pattern": "**/*.go"})
	if !res.OK {
		t.Fatalf("glob: %s", res.Output)
	}
	for _, want := range []string{"a.go", filepath.Join("sub", "b.go"), filepath.Join("sub", "deep", "c.go")} {
		if !strings.Contains(res.Output, want) {
			t.Errorf("glob output missing %q: %s", want, res.Output)
		}
	}
	if strings.Contains(res.Output, "readme.md") {
		t.Errorf("glob matched non-go file: %s", res.Output)
	}
}

func TestGlobNoMatches(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, "glob", map[string]any{"pattern": "*.rs"})
	if !res.OK {
		t.Fatalf("glob: %s", res.Output)
	}
	if !strings.Contains(res.Output, "no files match") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestGrep(t *testing.T) {
	r := newTestRegistry(t)
	mustWrite(t, r, "x.go", "package x\n// FIXME: broken\n")
	mustWrite(t, r, "y.go", "package y\n")

	res := run(t, r, "grep", map[string]any{"pattern": "FIXME"})
	if !res.OK {
		t.Fatalf("grep: %s", res.Output)
	}
	if !strings.Contains(res.Output, "x.go:2:") {
		t.Errorf("output = %q", res.Output)
	}
	if strings.Contains(res.Output, "y.go") {
		t.Errorf("matched wrong file: %q", res.Output)
	}
}

func TestGrepBadPattern(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, "grep", map[string]any{"pattern": "[unclosed"})
	if res.OK {
		t.Fatal("expected failure for invalid regexp")
	}
	if !strings.Contains(res.Output, "invalid pattern") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestMemoryStoreAndSearch(t *testing.T) {
	r := newTestRegistry(t)

	for _, text := range []string{
		"the printer wifi password is hunter2",
		"dentist appointment on friday",
		"server rack key is in the top drawer",
	} {
		if res := run(t, r, "memory_store", map[string]any{"text": text}); !res.OK {
			t.Fatalf("memory_store: %s", res.Output)
		}
	}

	res := run(t, r, "memory_search", map[string]any{"query": "printer password"})
	if !res.OK {
		t.Fatalf("memory_search: %s", res.Output)
	}
	if !strings.Contains(res.Output, "hunter2") {
		t.Errorf("best match missing: %q", res.Output)
	}
	if strings.Contains(res.Output, "dentist") {
		t.Errorf("irrelevant memory returned: %q", res.Output)
	}
}

func TestMemorySearchEmpty(t *testing.T) {
	r := newTestRegistry(t)
	res := run(t, r, "memory_search", map[string]any{"query": "anything"})
	if !res.OK {
		t.Fatalf("memory_search on empty store: %s", res.Output)
	}
	if !strings.Contains(res.Output, "no memories match") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestMissingArguments(t *testing.T) {
	r := newTestRegistry(t)
	cases := []struct {
		tool string
		args map[string]any
	}{
		{"bash", map[string]any{}},
		{"read_file", map[string]any{}},
		{"write_file", map[string]any{"path": "f.txt"}},
		{"edit_file", map[string]any{"path": "f.txt"}},
		{"glob", map[string]any{}},
		{"grep", map[string]any{}},
		{"memory_search", map[string]any{}},
		{"memory_store", map[string]any{}},
	}
	for _, tc := range cases {
		if res := run(t, r, tc.tool, tc.args); res.OK {
			t.Errorf("%s with missing args reported OK", tc.tool)
		}
	}
}

func TestSpecsCoverAllHandlers(t *testing.T) {
	r := newTestRegistry(t)
	specs := r.Specs()
	if len(specs) != len(r.handlers) {
		t.Fatalf("%d specs for %d handlers", len(specs), len(r.handlers))
	}
	for _, spec := range specs {
		if _, ok := r.handlers[spec.Name]; !ok {
			t.Errorf("spec %q has no handler", spec.Name)
		}
	}
}
