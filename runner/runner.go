// Package runner executes RUN-step subprocesses: allowlist gating, env
// masking, timeout with process-group termination, and output capture with
// truncation. The executor owns retry and branch selection; this package
// only runs one command and reports what happened.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bewest/sdqctl/engineerr"
)

// maskPatterns mirrors the key-name patterns the spec masks when
// serializing env additions into checkpoints: *KEY*|*SECRET*|*TOKEN*|
// *PASSWORD*|*AUTH*|*CREDENTIAL* (case-insensitive).
var maskPatterns = regexp.MustCompile(`(?i)(KEY|SECRET|TOKEN|PASSWORD|AUTH|CREDENTIAL)`)

const maskedValue = "***"

// MaskEnv returns a copy of env with sensitive values replaced by a fixed
// mask, used both for checkpoint serialization and for anything logged at
// a level above DEBUG.
func MaskEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if maskPatterns.MatchString(k) {
			out[k] = maskedValue
		} else {
			out[k] = v
		}
	}
	return out
}

// DefaultOutputLimit is the hard cap applied when a RUN step does not set
// RUN-OUTPUT-LIMIT.
const DefaultOutputLimit = 1 << 20 // 1 MiB

const truncationMarker = "\n... [output truncated]\n"

// Options configures one subprocess invocation.
type Options struct {
	Command       string
	EnvAdditions  map[string]string
	CWD           string // defaults to WorkspaceRoot if empty
	WorkspaceRoot string
	Timeout       time.Duration // zero = no timeout
	OutputLimit   int           // bytes; 0 = DefaultOutputLimit
	AllowShell    bool          // must be true, mirrors the ALLOW-SHELL global directive
}

// Result is what the executor records for a RUN step.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Run executes one subprocess per Options, enforcing the ALLOW-SHELL gate,
// timeout with process-group kill, and output truncation. Stdout/stderr are
// read concurrently via a pair of reader goroutines managed by an errgroup,
// matching the teacher's stdio-reader-per-stream pattern.
func Run(ctx context.Context, opts Options) (Result, error) {
	if !opts.AllowShell {
		return Result{}, fmt.Errorf("%w: RUN requires ALLOW-SHELL enabled", engineerr.ErrRunCommandFailed)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", opts.Command)
	cwd := opts.CWD
	if cwd == "" {
		cwd = opts.WorkspaceRoot
	}
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), opts.EnvAdditions)
	cmd.SysProcAttr = setpgidAttr()

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("runner: stderr pipe: %w", err)
	}

	limit := opts.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("runner: starting command: %w", err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	g, _ := errgroup.WithContext(runCtx)
	g.Go(func() error { return captureLimited(&stdoutBuf, stdoutPipe, limit) })
	g.Go(func() error { return captureLimited(&stderrBuf, stderrPipe, limit) })
	readErr := g.Wait()

	waitErr := cmd.Wait()
	duration := time.Since(start)

	res := Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}
	if readErr != nil && waitErr == nil {
		waitErr = readErr
	}

	if runCtx.Err() != nil {
		res.TimedOut = true
		killProcessGroup(cmd)
	}

	res.ExitCode = exitCodeOf(waitErr)
	return res, nil
}

func mergeEnv(base []string, additions map[string]string) []string {
	if len(additions) == 0 {
		return base
	}
	keys := make([]string, 0, len(additions))
	for k := range additions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(base), len(base)+len(keys))
	copy(out, base)
	for _, k := range keys {
		out = append(out, k+"="+additions[k])
	}
	return out
}

func captureLimited(dst *bytes.Buffer, src io.Reader, limit int) error {
	buf := make([]byte, 32*1024)
	total := 0
	truncated := false
	for {
		n, err := src.Read(buf)
		if n > 0 && !truncated {
			remaining := limit - total
			if remaining <= 0 {
				truncated = true
				dst.WriteString(truncationMarker)
			} else if n > remaining {
				dst.Write(buf[:remaining])
				dst.WriteString(truncationMarker)
				truncated = true
			} else {
				dst.Write(buf[:n])
			}
			total += n
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func setpgidAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGTERM to the process group, then SIGKILL after a
// short grace period, matching the spec's timeout-enforcement policy.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.AfterFunc(2*time.Second, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}
