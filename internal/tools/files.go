package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadSize caps read_file so a huge file cannot blow up the conversation.
const maxReadSize = 256 * 1024

// resolvePath maps a tool-supplied path into the workspace and rejects
// anything that escapes it.
func (r *Registry) resolvePath(path string) (string, error) {
	root, err := filepath.Abs(r.workspace)
	if err != nil {
		return "", err
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if candidate != root && !strings.HasPrefix(candidate, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return candidate, nil
}

func (r *Registry) readFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	resolved, err := r.resolvePath(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%q is a directory", path)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	if len(data) > maxReadSize {
		return string(data[:maxReadSize]) + "\n[file truncated]", nil
	}
	return string(data), nil
}

func (r *Registry) writeFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", "content")
	}
	resolved, err := r.resolvePath(path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

func (r *Registry) editFile(ctx context.Context, args map[string]any) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	oldString, err := stringArg(args, "old_string")
	if err != nil {
		return "", err
	}
	newString, ok := args["new_string"].(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", "new_string")
	}
	resolved, err := r.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	content := string(data)

	count := strings.Count(content, oldString)
	if count == 0 {
		return "", fmt.Errorf("old_string not found in %s", path)
	}
	replaceAll := optionalBool(args, "replace_all")
	if count > 1 && !replaceAll {
		return "", fmt.Errorf("old_string appears %d times in %s; make it unique or set replace_all", count, path)
	}

	var updated string
	replaced := count
	if replaceAll {
		updated = strings.ReplaceAll(content, oldString, newString)
	} else {
		updated = strings.Replace(content, oldString, newString, 1)
		replaced = 1
	}

	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("replaced %d occurrence(s) in %s", replaced, path), nil
}
