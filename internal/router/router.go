// Package router decides which backend serves a chat turn: the heavy
// subprocess backend for complex work, the light HTTP backend for everything
// else. Decisions combine a complexity score with cached availability probes.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hearthd/hearth/internal/observability"
)

// Backend names a routing target.
type Backend string

const (
	BackendHeavy Backend = "heavy"
	BackendLight Backend = "light"
)

// ProbeFunc reports whether a backend is reachable. A nil error means up.
type ProbeFunc func(ctx context.Context) error

// Decision is the outcome of routing one request.
type Decision struct {
	Backend        Backend `json:"backend"`
	Score          float64 `json:"score"`
	Reason         string  `json:"reason"`
	HeavyAvailable bool    `json:"heavyAvailable"`
	LightAvailable bool    `json:"lightAvailable"`
}

// Options configures a Router.
type Options struct {
	// Threshold is the score at or above which the heavy backend is chosen.
	Threshold float64
	// ProbeTTL is how long a probe result is trusted before re-probing.
	ProbeTTL time.Duration
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration

	HeavyProbe ProbeFunc
	LightProbe ProbeFunc

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Router scores prompts and picks a backend. Probe results are cached per
// backend with a TTL so routing stays cheap on the hot path.
type Router struct {
	threshold    float64
	probeTimeout time.Duration

	heavy *probeCache
	light *probeCache

	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a Router. Missing probes are treated as always-up so the
// router degrades to pure score-based routing.
func New(opts Options) *Router {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.5
	}
	if opts.ProbeTTL <= 0 {
		opts.ProbeTTL = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NopMetrics()
	}
	return &Router{
		threshold:    opts.Threshold,
		probeTimeout: opts.ProbeTimeout,
		heavy:        newProbeCache(opts.HeavyProbe, opts.ProbeTTL),
		light:        newProbeCache(opts.LightProbe, opts.ProbeTTL),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
}

// Route scores the prompt and picks a backend given current availability.
// When only one backend is reachable it is used regardless of score; when
// neither is, the light backend is returned so the failure surfaces at
// invocation time with a useful error.
func (r *Router) Route(ctx context.Context, prompt string, hint Hint) Decision {
	score := ScoreComplexity(prompt, hint)
	r.metrics.ComplexityScore.Observe(score)

	heavyUp := r.heavy.available(ctx, r.probeTimeout)
	lightUp := r.light.available(ctx, r.probeTimeout)

	d := Decision{
		Score:          score,
		HeavyAvailable: heavyUp,
		LightAvailable: lightUp,
	}

	var reasonClass string
	switch {
	case !heavyUp && !lightUp:
		d.Backend = BackendLight
		d.Reason = "no backends reachable"
		reasonClass = "fallback"
	case heavyUp && !lightUp:
		d.Backend = BackendHeavy
		d.Reason = "light backend unreachable"
		reasonClass = "availability"
	case !heavyUp && lightUp:
		d.Backend = BackendLight
		d.Reason = "heavy backend unreachable"
		reasonClass = "availability"
	case hint == HintHeavy || hint == HintLight:
		d.Backend = Backend(hint)
		d.Reason = fmt.Sprintf("caller hint %s", hint)
		reasonClass = "hint"
	case score >= r.threshold:
		d.Backend = BackendHeavy
		d.Reason = fmt.Sprintf("score %.2f >= threshold %.2f", score, r.threshold)
		reasonClass = "score"
	default:
		d.Backend = BackendLight
		d.Reason = fmt.Sprintf("score %.2f < threshold %.2f", score, r.threshold)
		reasonClass = "score"
	}

	r.metrics.RouteDecisions.WithLabelValues(string(d.Backend), reasonClass).Inc()
	r.logger.Debug(ctx, "route decision",
		"backend", string(d.Backend),
		"score", score,
		"reason", d.Reason,
		"heavy_up", heavyUp,
		"light_up", lightUp,
	)
	return d
}

// Availability reports current backend reachability using the same cached
// probes Route consults.
func (r *Router) Availability(ctx context.Context) (heavyUp, lightUp bool) {
	return r.heavy.available(ctx, r.probeTimeout), r.light.available(ctx, r.probeTimeout)
}

// Invalidate drops cached probe results so the next Route re-probes. Called
// after a backend invocation fails with an unavailability error.
func (r *Router) Invalidate() {
	r.heavy.invalidate()
	r.light.invalidate()
}

// probeCache memoizes one backend's reachability for a TTL window.
type probeCache struct {
	mu      sync.Mutex
	probe   ProbeFunc
	ttl     time.Duration
	up      bool
	checked time.Time
	nowFunc func() time.Time
}

func newProbeCache(probe ProbeFunc, ttl time.Duration) *probeCache {
	return &probeCache{probe: probe, ttl: ttl, nowFunc: time.Now}
}

func (p *probeCache) available(ctx context.Context, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.probe == nil {
		return true
	}
	now := p.nowFunc()
	if !p.checked.IsZero() && now.Sub(p.checked) < p.ttl {
		return p.up
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p.up = p.probe(probeCtx) == nil
	p.checked = now
	return p.up
}

func (p *probeCache) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checked = time.Time{}
}
