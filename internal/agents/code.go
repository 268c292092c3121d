package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/isolation"
	"github.com/rendis/flowrun/pkg/schema"
)

// SandboxRequest is one snippet to execute.
type SandboxRequest struct {
	Language string
	Code     string
	Stdin    []byte
	Env      map[string]string
	Timeout  time.Duration
}

// SandboxResult is what a finished snippet produced. ReturnValue is stdout
// parsed as JSON, or nil when stdout is not JSON.
type SandboxResult struct {
	Stdout          string
	Stderr          string
	ReturnValue     any
	ExitCode        int
	PeakMemoryBytes int64
	CPUTimeMs       int64
}

// Sandbox executes untrusted code.
type Sandbox interface {
	Run(ctx context.Context, req SandboxRequest) (*SandboxResult, error)
}

// CodeConfig is the CODE agent config.
type CodeConfig struct {
	Language  string            `json:"language"`
	Code      string            `json:"code"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// CodeStrategy runs a snippet in a Sandbox with the agent inputs as JSON on stdin.
type CodeStrategy struct {
	strategy
	sandbox Sandbox
}

// NewCodeStrategy creates the CODE strategy.
func NewCodeStrategy(s Sandbox) *CodeStrategy {
	return &CodeStrategy{sandbox: s}
}

// Type implements Strategy.
func (c *CodeStrategy) Type() schema.AgentType { return schema.AgentTypeCode }

func (c *CodeStrategy) run(ctx context.Context, call *Call) (any, error) {
	var cfg CodeConfig
	if err := call.Agent.DecodeConfig(&cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Code) == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "agent %s: code is empty", call.Agent.ID)
	}
	stdin, err := json.Marshal(call.Inputs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "encode inputs: %v", err)
	}

	res, err := c.sandbox.Run(ctx, SandboxRequest{
		Language: cfg.Language,
		Code:     cfg.Code,
		Stdin:    stdin,
		Env:      cfg.Env,
		Timeout:  durationMs(cfg.TimeoutMs),
	})
	if err != nil {
		if schema.CodeOf(err) != "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "sandbox: %v", err).WithCause(err)
	}

	call.Metrics(func(m *ResourceMetrics) {
		m.PeakMemoryBytes = res.PeakMemoryBytes
		m.CPUTimeMs = res.CPUTimeMs
	})
	if res.Stderr != "" {
		call.Log(ctx, schema.LogWarn, "stderr: "+tail(res.Stderr, 2048), nil)
	}

	out := map[string]any{
		"stdout":       res.Stdout,
		"stderr":       res.Stderr,
		"return_value": res.ReturnValue,
		"exit_code":    res.ExitCode,
	}
	if res.ExitCode != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "%s code exited with status %d: %s",
			cfg.Language, res.ExitCode, tail(strings.TrimSpace(res.Stderr), 512)).WithDetails(out)
	}
	return out, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ Strategy = (*CodeStrategy)(nil)

// --- process sandbox ---

// interpreters maps a language to the command and flag that run inline code.
var interpreters = map[string][2]string{
	"python":     {"python3", "-c"},
	"python3":    {"python3", "-c"},
	"javascript": {"node", "-e"},
	"js":         {"node", "-e"},
	"node":       {"node", "-e"},
	"sh":         {"sh", "-c"},
	"shell":      {"sh", "-c"},
	"bash":       {"bash", "-c"},
}

// ProcessSandbox runs snippets as child processes through an Isolator.
type ProcessSandbox struct {
	isolator isolation.Isolator
	limits   isolation.ResourceLimits
}

// NewProcessSandbox creates a sandbox. workDir may be empty.
func NewProcessSandbox(iso isolation.Isolator, workDir string) *ProcessSandbox {
	if iso == nil {
		iso = isolation.NewIsolator()
	}
	return &ProcessSandbox{
		isolator: iso,
		limits:   isolation.ResourceLimits{WorkDir: workDir, MaxOutputBytes: defaultMaxResponseBody},
	}
}

// Run implements Sandbox.
func (s *ProcessSandbox) Run(ctx context.Context, req SandboxRequest) (*SandboxResult, error) {
	interp, ok := interpreters[strings.ToLower(req.Language)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unsupported language %q", req.Language)
	}
	path, err := exec.LookPath(interp[0])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "interpreter %s not found", interp[0]).WithCause(err)
	}

	stdout := &limitedBuffer{max: s.limits.MaxOutputBytes}
	stderr := &limitedBuffer{max: s.limits.MaxOutputBytes}
	cmd := exec.Command(path, interp[1], req.Code)
	cmd.Stdin = bytes.NewReader(req.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = sandboxEnv(req.Env)

	limits := s.limits
	limits.Timeout = req.Timeout
	wrapped, cleanup, err := s.isolator.Wrap(ctx, cmd, limits)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	runErr := wrapped.Run()
	res := &SandboxResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if st := wrapped.ProcessState; st != nil {
		res.ExitCode = st.ExitCode()
		res.CPUTimeMs = (st.UserTime() + st.SystemTime()).Milliseconds()
		res.PeakMemoryBytes = isolation.PeakMemoryBytes(st)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", interp[0], runErr)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if res.ExitCode < 0 {
			// Killed by a signal, typically the sandbox timeout.
			return nil, schema.NewErrorf(schema.ErrCodeStepTimeout, "%s process killed after %dms", interp[0], req.Timeout.Milliseconds())
		}
	}

	if trimmed := strings.TrimSpace(res.Stdout); trimmed != "" {
		var v any
		if json.Unmarshal([]byte(trimmed), &v) == nil {
			res.ReturnValue = v
		}
	}
	return res, nil
}

// sandboxEnv passes PATH and HOME through plus the configured variables, in
// a stable order.
func sandboxEnv(extra map[string]string) []string {
	env := []string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// limitedBuffer keeps at most max bytes and silently drops the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - int64(b.buf.Len()); room > 0 {
		if int64(len(p)) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }

var _ Sandbox = (*ProcessSandbox)(nil)
