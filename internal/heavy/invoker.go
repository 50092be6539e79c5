// Package heavy invokes the heavy backend: a coding-agent CLI run as a
// subprocess per request, with structured JSON output and resumable
// backend-side sessions.
package heavy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/observability"
)

// Sentinel errors callers branch on.
var (
	// ErrUnavailable means the backend command could not be started at all.
	ErrUnavailable = errors.New("heavy backend unavailable")
	// ErrTimeout means the subprocess exceeded its deadline and was killed.
	ErrTimeout = errors.New("heavy backend timed out")
	// ErrStaleSession means the resume token no longer names a live
	// backend-side session.
	ErrStaleSession = errors.New("heavy backend session expired")
)

// Request is one heavy-backend invocation.
type Request struct {
	Prompt string
	// ResumeToken is the backend's own session id from a prior Result. Empty
	// starts a fresh backend session.
	ResumeToken string
	// FallbackPrompt carries the full conversation context for the
	// fresh-session retry when ResumeToken turns out stale. A resumed prompt
	// is bare, so retrying it verbatim would lose the history the dead
	// session held.
	FallbackPrompt string
	// SystemPrompt is appended to the backend's default system prompt.
	SystemPrompt string
}

// Result is the parsed outcome of a successful invocation.
type Result struct {
	Text string
	// SessionToken is the backend's session id for resuming follow-up turns.
	SessionToken string
	NumTurns     int
	Duration     time.Duration
	CostUSD      float64
	// Retried is true when a stale resume token forced a fresh-session retry.
	Retried bool
}

// cliOutput is the backend CLI's JSON result envelope.
type cliOutput struct {
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	IsError      bool    `json:"is_error"`
}

// runFunc executes the backend command and returns stdout, stderr, and the
// process error. Swapped out in tests.
type runFunc func(ctx context.Context, name string, args []string) (stdout, stderr []byte, err error)

// Invoker runs the heavy backend subprocess.
type Invoker struct {
	cfg     config.HeavyConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	run     runFunc
}

// NewInvoker creates an Invoker from configuration.
func NewInvoker(cfg config.HeavyConfig, logger *observability.Logger, metrics *observability.Metrics) *Invoker {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	inv := &Invoker{cfg: cfg, logger: logger, metrics: metrics}
	inv.run = inv.runCommand
	return inv
}

// Probe reports whether the backend command is on PATH.
func (i *Invoker) Probe(ctx context.Context) error {
	if _, err := exec.LookPath(i.cfg.Command); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Invoke runs one request to completion. A stale resume token is retried
// exactly once without the token; the returned Result has Retried set so the
// caller can drop the stored token.
func (i *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	res, err := i.invokeOnce(ctx, req)
	if err == nil || !errors.Is(err, ErrStaleSession) || req.ResumeToken == "" {
		return res, err
	}

	i.logger.Warn(ctx, "resume token stale, retrying with fresh session")
	i.metrics.HeavyInvocations.WithLabelValues("retried").Inc()
	req.ResumeToken = ""
	if req.FallbackPrompt != "" {
		req.Prompt = req.FallbackPrompt
	}
	res, err = i.invokeOnce(ctx, req)
	if res != nil {
		res.Retried = true
	}
	return res, err
}

func (i *Invoker) invokeOnce(ctx context.Context, req Request) (*Result, error) {
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	args := i.buildArgs(req)
	start := time.Now()
	stdout, stderr, err := i.run(ctx, i.cfg.Command, args)
	elapsed := time.Since(start)
	i.metrics.HeavyDurationSeconds.Observe(elapsed.Seconds())

	if err != nil {
		combined := string(stdout) + "\n" + string(stderr)
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			i.metrics.HeavyInvocations.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Second))
		case isStartFailure(err):
			i.metrics.HeavyInvocations.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		case isStaleSessionOutput(combined):
			i.metrics.HeavyInvocations.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: token %q", ErrStaleSession, req.ResumeToken)
		default:
			i.metrics.HeavyInvocations.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("heavy backend failed: %v: %s", err, firstLine(stderr))
		}
	}

	res := parseOutput(stdout)
	res.Duration = elapsed
	if res.Text == "" {
		i.metrics.HeavyInvocations.WithLabelValues("error").Inc()
		return nil, errors.New("heavy backend produced no output")
	}
	i.metrics.HeavyInvocations.WithLabelValues("success").Inc()
	i.logger.Info(ctx, "heavy invocation complete",
		"num_turns", res.NumTurns,
		"duration_ms", elapsed.Milliseconds(),
		"resumed", req.ResumeToken != "",
	)
	return res, nil
}

// buildArgs assembles the CLI invocation. The prompt rides in -p so no shell
// interpolation is involved.
func (i *Invoker) buildArgs(req Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "json"}
	if i.cfg.Model != "" {
		args = append(args, "--model", i.cfg.Model)
	}
	if i.cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(i.cfg.MaxTurns))
	}
	if len(i.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(i.cfg.AllowedTools, ","))
	}
	if len(i.cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(i.cfg.DisallowedTools, ","))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	return args
}

func (i *Invoker) runCommand(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if i.cfg.Workdir != "" {
		cmd.Dir = i.cfg.Workdir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// The backend spawns its own tool subprocesses; a timeout has to take
	// the whole process group down, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Give the group a moment to exit on SIGKILL before Wait gives up.
	cmd.WaitDelay = 5 * time.Second
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// parseOutput decodes the CLI's JSON envelope, falling back to treating the
// whole stdout as plain text when the envelope is absent or malformed.
func parseOutput(stdout []byte) *Result {
	var out cliOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &out); err == nil && out.Result != "" {
		return &Result{
			Text:         out.Result,
			SessionToken: out.SessionID,
			NumTurns:     out.NumTurns,
			CostUSD:      out.TotalCostUSD,
		}
	}
	return &Result{Text: strings.TrimSpace(string(stdout))}
}

func isStartFailure(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr)
}

// isStaleSessionOutput recognizes the backend's complaint about an unknown
// session id, which is how an expired resume token surfaces.
func isStaleSessionOutput(combined string) bool {
	lower := strings.ToLower(combined)
	if strings.Contains(lower, "no conversation found") {
		return true
	}
	return strings.Contains(lower, "session") &&
		(strings.Contains(lower, "not found") || strings.Contains(lower, "expired") || strings.Contains(lower, "invalid"))
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
