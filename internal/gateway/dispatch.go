package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/admission"
	"github.com/hearthd/hearth/internal/agent"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/heavy"
	"github.com/hearthd/hearth/internal/light"
	"github.com/hearthd/hearth/internal/observability"
	"github.com/hearthd/hearth/internal/router"
	"github.com/hearthd/hearth/internal/sessions"
)

// heavyRunner and loopRunner are the two backend execution paths, narrowed
// to interfaces so tests can substitute them.
type heavyRunner interface {
	Invoke(ctx context.Context, req heavy.Request) (*heavy.Result, error)
}

type loopRunner interface {
	Run(ctx context.Context, in agent.Input) (*agent.Report, error)
}

type broadcaster interface {
	BroadcastEvent(event string, payload any)
}

// maxHistoryTurns bounds how much prior conversation rides along on a fresh
// heavy invocation or a light-loop run.
const maxHistoryTurns = 20

// retentionWindow bounds how long finished-run bookkeeping (idempotency
// keys, terminal markers) is kept before lazy pruning.
const retentionWindow = time.Hour

type idempotencyEntry struct {
	runID string
	at    time.Time
}

// dispatcher owns a chat run from accepted request to terminal event:
// route, admit, invoke, persist, broadcast.
type dispatcher struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	store     *sessions.Store
	router    *router.Router
	admission *admission.Controller
	heavy     heavyRunner
	loop      loopRunner
	events    broadcaster

	mu          sync.Mutex
	idempotency map[string]idempotencyEntry
	terminal    map[string]time.Time
	tails       map[string]chan struct{}
	done        sync.WaitGroup
	nowFunc     func() time.Time
}

func newDispatcher(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics,
	store *sessions.Store, rt *router.Router, adm *admission.Controller,
	hv heavyRunner, loop loopRunner, events broadcaster) *dispatcher {
	return &dispatcher{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		store:       store,
		router:      rt,
		admission:   adm,
		heavy:       hv,
		loop:        loop,
		events:      events,
		idempotency: map[string]idempotencyEntry{},
		terminal:    map[string]time.Time{},
		tails:       map[string]chan struct{}{},
		nowFunc:     time.Now,
	}
}

// Submit accepts a chat message and returns the run id immediately; the run
// proceeds asynchronously and ends with exactly one terminal chat event. A
// repeated idempotency key returns the original run id without reprocessing.
// Runs on the same session are chained so turns land in submission order;
// runs on different sessions proceed in parallel.
func (d *dispatcher) Submit(sessionKey, message, hint, idempotencyKey string) (string, bool) {
	d.mu.Lock()
	d.pruneLocked()
	if idempotencyKey != "" {
		if entry, ok := d.idempotency[idempotencyKey]; ok {
			d.mu.Unlock()
			return entry.runID, true
		}
	}
	runID := uuid.NewString()
	if idempotencyKey != "" {
		d.idempotency[idempotencyKey] = idempotencyEntry{runID: runID, at: d.nowFunc()}
	}
	prev := d.tails[sessionKey]
	turn := make(chan struct{})
	d.tails[sessionKey] = turn
	d.mu.Unlock()

	d.done.Add(1)
	go func() {
		defer d.done.Done()
		defer func() {
			close(turn)
			d.mu.Lock()
			if d.tails[sessionKey] == turn {
				delete(d.tails, sessionKey)
			}
			d.mu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		d.run(runID, sessionKey, message, hint)
	}()
	return runID, false
}

// pruneLocked drops finished-run bookkeeping past the retention window so
// the maps stay bounded in a long-running daemon.
func (d *dispatcher) pruneLocked() {
	cutoff := d.nowFunc().Add(-retentionWindow)
	for key, entry := range d.idempotency {
		if entry.at.Before(cutoff) {
			delete(d.idempotency, key)
		}
	}
	for runID, at := range d.terminal {
		if at.Before(cutoff) {
			delete(d.terminal, runID)
		}
	}
}

// Wait blocks until all in-flight runs finish. Used in shutdown and tests.
func (d *dispatcher) Wait() {
	d.done.Wait()
}

func (d *dispatcher) run(runID, sessionKey, message, hint string) {
	ctx := observability.WithRunID(context.Background(), runID)
	ctx = observability.WithSessionKey(ctx, sessionKey)

	history := d.store.History(ctx, sessionKey, maxHistoryTurns)
	d.store.AppendTurn(ctx, sessionKey, sessions.RoleUser, message)

	decision := d.router.Route(ctx, message, router.Hint(hint))
	d.logger.Info(ctx, "run started",
		"backend", string(decision.Backend),
		"score", decision.Score,
		"route_reason", decision.Reason,
	)

	if decision.Backend == router.BackendHeavy {
		d.runHeavy(ctx, runID, sessionKey, message, history)
		return
	}
	d.runLight(ctx, runID, sessionKey, message, history)
}

func (d *dispatcher) runHeavy(ctx context.Context, runID, sessionKey, message string, history []sessions.Turn) {
	waitStart := time.Now()
	acquireCtx, cancel := context.WithTimeout(ctx, d.cfg.Admission.AcquireTimeout)
	defer cancel()

	if err := d.admission.Acquire(acquireCtx); err != nil {
		d.emitError(runID, sessionKey, "the heavy backend is busy; try again shortly")
		return
	}
	defer d.admission.Release()
	d.metrics.AdmissionWaitSeconds.Observe(time.Since(waitStart).Seconds())

	token := d.store.BackendToken(ctx, sessionKey)
	res, err := d.heavy.Invoke(ctx, heavy.Request{
		Prompt:      buildHeavyPrompt(history, message, token),
		ResumeToken: token,
		// If the token is stale the invoker retries on a fresh backend
		// session, which has none of the context the token named.
		FallbackPrompt: buildHeavyPrompt(history, message, ""),
	})
	if err != nil {
		if errors.Is(err, heavy.ErrUnavailable) {
			d.router.Invalidate()
		}
		d.logger.Error(ctx, "heavy run failed", "error", err)
		d.emitError(runID, sessionKey, heavyErrorMessage(err))
		return
	}

	if res.Retried {
		d.store.ClearBackendToken(ctx, sessionKey)
	}
	if res.SessionToken != "" {
		d.store.SetBackendToken(ctx, sessionKey, res.SessionToken)
	}

	d.store.AppendTurn(ctx, sessionKey, sessions.RoleAssistant, res.Text)
	d.emitFinal(runID, sessionKey, res.Text, map[string]any{
		"backend":    "heavy",
		"numTurns":   res.NumTurns,
		"durationMs": res.Duration.Milliseconds(),
		"costUsd":    res.CostUSD,
	})
}

func (d *dispatcher) runLight(ctx context.Context, runID, sessionKey, message string, history []sessions.Turn) {
	report, err := d.loop.Run(ctx, agent.Input{
		Prompt:  message,
		History: toLightMessages(history),
		OnDelta: func(text string) {
			d.events.BroadcastEvent("agent", map[string]any{
				"runId":      runID,
				"sessionKey": sessionKey,
				"stream":     true,
				"data":       map[string]any{"delta": text},
			})
		},
	})
	if err != nil {
		d.logger.Error(ctx, "light run failed", "error", err)
		d.emitError(runID, sessionKey, "the assistant backend failed: "+err.Error())
		return
	}

	text := report.Text
	if text == "" {
		text = "I was unable to produce an answer."
	}
	d.store.AppendTurn(ctx, sessionKey, sessions.RoleAssistant, text)
	d.emitFinal(runID, sessionKey, text, map[string]any{
		"backend":      "light",
		"finishReason": string(report.Finish),
		"iterations":   report.Iterations,
		"toolCalls":    report.ToolCalls,
	})
}

// markTerminal reserves the single terminal event for runID.
func (d *dispatcher) markTerminal(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, done := d.terminal[runID]; done {
		return false
	}
	d.terminal[runID] = d.nowFunc()
	return true
}

func (d *dispatcher) emitFinal(runID, sessionKey, content string, meta map[string]any) {
	if !d.markTerminal(runID) {
		return
	}
	d.events.BroadcastEvent("chat", map[string]any{
		"runId":      runID,
		"sessionKey": sessionKey,
		"state":      "final",
		"message":    map[string]any{"role": "assistant", "content": content},
		"meta":       meta,
	})
}

func (d *dispatcher) emitError(runID, sessionKey, message string) {
	if !d.markTerminal(runID) {
		return
	}
	d.events.BroadcastEvent("chat", map[string]any{
		"runId":        runID,
		"sessionKey":   sessionKey,
		"state":        "error",
		"errorMessage": message,
	})
}

// buildHeavyPrompt inlines recent history when there is no backend session
// to resume; a live resume token means the backend already has the context.
func buildHeavyPrompt(history []sessions.Turn, message, resumeToken string) string {
	if resumeToken != "" || len(history) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, turn := range history {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	b.WriteString("\nCurrent message:\n")
	b.WriteString(message)
	return b.String()
}

func heavyErrorMessage(err error) string {
	switch {
	case errors.Is(err, heavy.ErrTimeout):
		return "the heavy backend timed out"
	case errors.Is(err, heavy.ErrUnavailable):
		return "the heavy backend is not available"
	default:
		return "the heavy backend failed: " + err.Error()
	}
}

func toLightMessages(history []sessions.Turn) []light.Message {
	out := make([]light.Message, 0, len(history))
	for _, turn := range history {
		role := light.RoleUser
		if turn.Role == sessions.RoleAssistant {
			role = light.RoleAssistant
		}
		out = append(out, light.Message{Role: role, Content: turn.Content})
	}
	return out
}
