package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryEntry is one line in the JSONL memory file.
type memoryEntry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// memoryStore is a flat JSONL-backed memory for the memory_search and
// memory_store tools. Recall is keyword overlap; semantic retrieval lives in
// an external service this store does not replace.
type memoryStore struct {
	mu   sync.Mutex
	path string
}

func newMemoryStore(path string) *memoryStore {
	return &memoryStore{path: path}
}

func (m *memoryStore) store(text string) (memoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == "" {
		return memoryEntry{}, fmt.Errorf("memory storage is not configured")
	}
	entry := memoryEntry{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return memoryEntry{}, err
	}
	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return memoryEntry{}, err
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return memoryEntry{}, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return memoryEntry{}, err
	}
	return entry, nil
}

func (m *memoryStore) search(query string, limit int) ([]memoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == "" {
		return nil, fmt.Errorf("memory storage is not configured")
	}
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	queryWords := strings.Fields(strings.ToLower(query))

	type scored struct {
		entry memoryEntry
		score int
	}
	var hits []scored
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry memoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		lower := strings.ToLower(entry.Text)
		score := 0
		for _, w := range queryWords {
			if strings.Contains(lower, w) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{entry: entry, score: score})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.CreatedAt.After(hits[j].entry.CreatedAt)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]memoryEntry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out, nil
}

func (r *Registry) storeMemory(ctx context.Context, args map[string]any) (string, error) {
	text, err := stringArg(args, "text")
	if err != nil {
		return "", err
	}
	entry, err := r.memory.store(text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("stored memory %s", entry.ID), nil
}

func (r *Registry) searchMemory(ctx context.Context, args map[string]any) (string, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}
	limit := optionalInt(args, "limit", 5)

	entries, err := r.memory.search(query, limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "no memories match " + query, nil
	}

	var b strings.Builder
	for _, entry := range entries {
		fmt.Fprintf(&b, "[%s] %s\n", entry.CreatedAt.Format("2006-01-02"), entry.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
