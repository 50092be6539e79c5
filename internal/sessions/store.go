// Package sessions holds multi-turn conversation state keyed by
// caller-supplied session keys.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single entry in a session's conversation history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one multi-turn conversation. BackendToken carries the heavy
// backend's own session identifier so follow-up calls can resume its context
// without resending full history.
type Session struct {
	Key          string    `json:"key"`
	Turns        []Turn    `json:"turns"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
	BackendToken string    `json:"-"`
}

// Summary is the listing view of a session.
type Summary struct {
	Key          string    `json:"key"`
	Turns        int       `json:"turns"`
	LastActivity time.Time `json:"lastActivity"`
}

// Store is an in-memory session store with TTL-based expiry. Sessions past
// their TTL are treated as absent on access; a periodic sweep additionally
// reclaims memory. Loss on process restart is an accepted limitation —
// durable persistence belongs to an external collaborator.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl      time.Duration
	maxTurns int
	nowFunc  func() time.Time

	onCount func(int)
}

// Options configures a Store.
type Options struct {
	// TTL after which an idle session is treated as absent. Zero disables expiry.
	TTL time.Duration
	// MaxTurns bounds per-session history; oldest turns are trimmed beyond it.
	MaxTurns int
	// OnCount, when set, is called with the session count after every mutation.
	OnCount func(int)
}

// NewStore creates an empty session store.
func NewStore(opts Options) *Store {
	return &Store{
		sessions: map[string]*Session{},
		ttl:      opts.TTL,
		maxTurns: opts.MaxTurns,
		nowFunc:  time.Now,
		onCount:  opts.OnCount,
	}
}

// SetNowFunc sets a custom time function for testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

func (s *Store) expired(session *Session, now time.Time) bool {
	if s.ttl <= 0 {
		return false
	}
	last := session.LastActivity
	if last.IsZero() {
		last = session.CreatedAt
	}
	return now.Sub(last) >= s.ttl
}

// getOrCreateLocked returns the live session for key, discarding an expired
// one. Callers must hold the write lock.
func (s *Store) getOrCreateLocked(key string) *Session {
	now := s.nowFunc()
	if session, ok := s.sessions[key]; ok {
		if !s.expired(session, now) {
			return session
		}
		delete(s.sessions, key)
	}
	session := &Session{
		Key:          key,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.sessions[key] = session
	return session
}

// GetOrCreate returns a snapshot of the session for key, creating a fresh
// empty session when none exists or the existing one has expired.
func (s *Store) GetOrCreate(ctx context.Context, key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.getOrCreateLocked(key)
	s.reportCountLocked()
	return cloneSession(session)
}

// AppendTurn records a completed turn on the session for key, creating the
// session if needed, and bumps its activity timestamp.
func (s *Store) AppendTurn(ctx context.Context, key string, role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.getOrCreateLocked(key)
	now := s.nowFunc()
	session.Turns = append(session.Turns, Turn{Role: role, Content: content, Timestamp: now})
	session.LastActivity = now
	if s.maxTurns > 0 && len(session.Turns) > s.maxTurns {
		excess := len(session.Turns) - s.maxTurns
		session.Turns = append([]Turn(nil), session.Turns[excess:]...)
	}
	s.reportCountLocked()
}

// History returns up to limit most recent turns for key. An expired or
// unknown session yields an empty history.
func (s *Store) History(ctx context.Context, key string, limit int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok || s.expired(session, s.nowFunc()) {
		return []Turn{}
	}
	turns := session.Turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// List returns summaries of live sessions, most recently active first.
func (s *Store) List(ctx context.Context) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowFunc()
	out := make([]Summary, 0, len(s.sessions))
	for _, session := range s.sessions {
		if s.expired(session, now) {
			continue
		}
		out = append(out, Summary{
			Key:          session.Key,
			Turns:        len(session.Turns),
			LastActivity: session.LastActivity,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Reset removes the session for key. Returns true if one existed.
func (s *Store) Reset(ctx context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.sessions[key]
	delete(s.sessions, key)
	s.reportCountLocked()
	return ok
}

// Len returns the number of sessions currently held, including any that are
// expired but not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SetBackendToken stores the heavy backend's session token for key.
func (s *Store) SetBackendToken(ctx context.Context, key, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[key]; ok {
		session.BackendToken = token
	}
}

// BackendToken returns the heavy backend's session token for key, or "".
func (s *Store) BackendToken(ctx context.Context, key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[key]
	if !ok || s.expired(session, s.nowFunc()) {
		return ""
	}
	return session.BackendToken
}

// ClearBackendToken drops a stale heavy-backend token so the next turn falls
// back to a fresh, full-context invocation.
func (s *Store) ClearBackendToken(ctx context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[key]; ok {
		session.BackendToken = ""
	}
}

// Sweep removes expired sessions and returns how many were dropped.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	dropped := 0
	for key, session := range s.sessions {
		if s.expired(session, now) {
			delete(s.sessions, key)
			dropped++
		}
	}
	s.reportCountLocked()
	return dropped
}

// StartSweeper runs Sweep on the given interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

func (s *Store) reportCountLocked() {
	if s.onCount != nil {
		s.onCount(len(s.sessions))
	}
}

func cloneSession(session *Session) *Session {
	if session == nil {
		return nil
	}
	clone := *session
	clone.Turns = make([]Turn, len(session.Turns))
	copy(clone.Turns, session.Turns)
	return &clone
}
