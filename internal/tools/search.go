package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxGlobResults = 200
	maxGrepMatches = 100
)

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
}

func (r *Registry) runGlob(ctx context.Context, args map[string]any) (string, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return "", err
	}

	root, err := filepath.Abs(r.workspace)
	if err != nil {
		return "", err
	}

	var matches []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if globMatch(pattern, rel) {
			matches = append(matches, rel)
			if len(matches) >= maxGlobResults {
				return fs.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return "", walkErr
	}

	if len(matches) == 0 {
		return "no files match " + pattern, nil
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), nil
}

// globMatch matches slash-separated glob patterns where ** crosses directory
// boundaries and the remaining segments follow filepath.Match rules.
func globMatch(pattern, rel string) bool {
	return segmentsMatch(
		strings.Split(filepath.ToSlash(pattern), "/"),
		strings.Split(filepath.ToSlash(rel), "/"),
	)
}

func segmentsMatch(pat, path []string) bool {
	if len(pat) == 0 {
		return len(path) == 0
	}
	if pat[0] == "**" {
		if segmentsMatch(pat[1:], path) {
			return true
		}
		return len(path) > 0 && segmentsMatch(pat, path[1:])
	}
	if len(path) == 0 {
		return false
	}
	ok, err := filepath.Match(pat[0], path[0])
	if err != nil || !ok {
		return false
	}
	return segmentsMatch(pat[1:], path[1:])
}

func (r *Registry) runGrep(ctx context.Context, args map[string]any) (string, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return "", err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %v", err)
	}

	searchRoot := r.workspace
	if sub := optionalString(args, "path"); sub != "" {
		resolved, err := r.resolvePath(sub)
		if err != nil {
			return "", err
		}
		searchRoot = resolved
	}
	root, err := filepath.Abs(searchRoot)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	matches := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		n, err := grepFile(re, root, path, &b, maxGrepMatches-matches)
		if err != nil {
			return nil
		}
		matches += n
		if matches >= maxGrepMatches {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return "", walkErr
	}

	if matches == 0 {
		return "no matches for " + pattern, nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func grepFile(re *regexp.Regexp, root, path string, out *strings.Builder, budget int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, 1024)
	n, _ := f.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return 0, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	matches := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			fmt.Fprintf(out, "%s:%d:%s\n", rel, lineNo, line)
			matches++
			if matches >= budget {
				break
			}
		}
	}
	return matches, nil
}
