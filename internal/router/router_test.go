package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func up(context.Context) error   { return nil }
func down(context.Context) error { return errors.New("unreachable") }

const heavyPrompt = "refactor the storage engine and debug the deadlock in the worker pool"

func TestRouteScoreAboveThresholdPicksHeavy(t *testing.T) {
	r := New(Options{Threshold: 0.5, HeavyProbe: up, LightProbe: up})
	d := r.Route(context.Background(), heavyPrompt, HintNone)
	if d.Backend != BackendHeavy {
		t.Fatalf("backend = %s, want heavy (score %v, reason %q)", d.Backend, d.Score, d.Reason)
	}
	if !d.HeavyAvailable || !d.LightAvailable {
		t.Errorf("availability = %v/%v, want both up", d.HeavyAvailable, d.LightAvailable)
	}
}

func TestRouteScoreBelowThresholdPicksLight(t *testing.T) {
	r := New(Options{Threshold: 0.5, HeavyProbe: up, LightProbe: up})
	d := r.Route(context.Background(), "hi, are you up?", HintNone)
	if d.Backend != BackendLight {
		t.Fatalf("backend = %s, want light (score %v)", d.Backend, d.Score)
	}
}

func TestRouteHeavyDownFallsBackToLight(t *testing.T) {
	r := New(Options{Threshold: 0.5, HeavyProbe: down, LightProbe: up})
	d := r.Route(context.Background(), heavyPrompt, HintNone)
	if d.Backend != BackendLight {
		t.Fatalf("backend = %s, want light when heavy is down", d.Backend)
	}
	if d.Reason != "heavy backend unreachable" {
		t.Errorf("reason = %q, want unavailability reason", d.Reason)
	}
	if d.Score < 0.5 {
		t.Errorf("score = %v, expected the complexity score still reported", d.Score)
	}
}

func TestRouteLightDownUsesHeavyRegardlessOfScore(t *testing.T) {
	r := New(Options{Threshold: 0.5, HeavyProbe: up, LightProbe: down})
	d := r.Route(context.Background(), "hi!", HintNone)
	if d.Backend != BackendHeavy {
		t.Fatalf("backend = %s, want heavy when light is down", d.Backend)
	}
}

func TestRouteNothingReachable(t *testing.T) {
	r := New(Options{Threshold: 0.5, HeavyProbe: down, LightProbe: down})
	d := r.Route(context.Background(), heavyPrompt, HintNone)
	if d.Backend != BackendLight {
		t.Fatalf("backend = %s, want light as last resort", d.Backend)
	}
	if d.Reason != "no backends reachable" {
		t.Errorf("reason = %q, want explicit no-backends reason", d.Reason)
	}
}

func TestRouteHintOverridesScore(t *testing.T) {
	r := New(Options{Threshold: 0.5, HeavyProbe: up, LightProbe: up})
	if d := r.Route(context.Background(), "hi!", HintHeavy); d.Backend != BackendHeavy {
		t.Errorf("heavy hint routed to %s", d.Backend)
	}
	if d := r.Route(context.Background(), heavyPrompt, HintLight); d.Backend != BackendLight {
		t.Errorf("light hint routed to %s", d.Backend)
	}
}

func TestRouteHintDoesNotOverrideAvailability(t *testing.T) {
	r := New(Options{Threshold: 0.5, HeavyProbe: down, LightProbe: up})
	if d := r.Route(context.Background(), "hi!", HintHeavy); d.Backend != BackendLight {
		t.Errorf("heavy hint routed to %s with heavy down, want light", d.Backend)
	}
}

func TestProbeResultsCachedWithinTTL(t *testing.T) {
	var calls atomic.Int64
	probe := func(context.Context) error {
		calls.Add(1)
		return nil
	}
	r := New(Options{Threshold: 0.5, ProbeTTL: time.Hour, HeavyProbe: probe, LightProbe: up})

	for i := 0; i < 5; i++ {
		r.Route(context.Background(), "hello", HintNone)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("probe called %d times within TTL, want 1", got)
	}

	r.Invalidate()
	r.Route(context.Background(), "hello", HintNone)
	if got := calls.Load(); got != 2 {
		t.Errorf("probe called %d times after Invalidate, want 2", got)
	}
}

func TestProbeTimeoutBounded(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	r := New(Options{Threshold: 0.5, ProbeTimeout: 20 * time.Millisecond, HeavyProbe: slow, LightProbe: up})

	start := time.Now()
	d := r.Route(context.Background(), heavyPrompt, HintNone)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Route blocked %v on a hung probe", elapsed)
	}
	if d.Backend != BackendLight {
		t.Errorf("backend = %s, want light when heavy probe hangs", d.Backend)
	}
}

func TestNilProbesTreatedAsUp(t *testing.T) {
	r := New(Options{Threshold: 0.5})
	d := r.Route(context.Background(), heavyPrompt, HintNone)
	if !d.HeavyAvailable || !d.LightAvailable {
		t.Errorf("availability = %v/%v, want both up with nil probes", d.HeavyAvailable, d.LightAvailable)
	}
	if d.Backend != BackendHeavy {
		t.Errorf("backend = %s, want heavy by score", d.Backend)
	}
}
