package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrPendingTimeout is delivered when a tracked request sees no response in
// time.
var ErrPendingTimeout = errors.New("request timed out")

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequests correlates server-initiated req frames with the res frames
// clients send back. Each id resolves or rejects exactly once; late,
// duplicate, or unknown responses are dropped silently.
type pendingRequests struct {
	mu      sync.Mutex
	waiting map[string]chan pendingResult
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiting: map[string]chan pendingResult{}}
}

// Track registers id and returns the channel its outcome will arrive on. The
// timer rejects the request with ErrPendingTimeout if nothing arrives first.
func (p *pendingRequests) Track(id string, timeout time.Duration) <-chan pendingResult {
	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	p.waiting[id] = ch
	p.mu.Unlock()

	if timeout > 0 {
		time.AfterFunc(timeout, func() {
			p.Reject(id, ErrPendingTimeout)
		})
	}
	return ch
}

// Resolve completes a tracked request. Returns false if the id is unknown or
// already settled.
func (p *pendingRequests) Resolve(id string, payload json.RawMessage) bool {
	return p.settle(id, pendingResult{payload: payload})
}

// Reject fails a tracked request. Returns false if the id is unknown or
// already settled.
func (p *pendingRequests) Reject(id string, err error) bool {
	return p.settle(id, pendingResult{err: err})
}

func (p *pendingRequests) settle(id string, result pendingResult) bool {
	p.mu.Lock()
	ch, ok := p.waiting[id]
	if ok {
		delete(p.waiting, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- result
	return true
}

func (p *pendingRequests) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
