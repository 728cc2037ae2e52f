package core

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// RunStatus classifies the outcome of one sandboxed execution.
type RunStatus int

const (
	RunCompleted RunStatus = iota
	RunTimeout
	RunMemoryExceeded
	RunSandboxFailure
)

// RunResult is what the sandbox reports back for a single command.
// ExitCode/Stdout/Stderr/Elapsed are only meaningful for RunCompleted;
// Message is only set for RunSandboxFailure.
type RunResult struct {
	Status   RunStatus
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Elapsed  time.Duration
	Message  string
}

// SandboxRunner executes one command under resource limits with the given
// workspace mounted read-write. Implementations must kill the whole process
// tree when ctx is canceled.
type SandboxRunner interface {
	Run(ctx context.Context, argv []string, workspace, stdin string, wallLimit time.Duration, memLimitBytes int64) RunResult
}

// nsjail exits with this status when its own --time_limit fires.
const nsjailTimeoutExit = 1010

// sandboxWorkDir is the fixed path the workspace is mounted at inside the jail.
const sandboxWorkDir = "/app"

// roMounts are the runtime directories exposed read-only to the child.
var roMounts = []string{"/usr/bin", "/usr/lib", "/lib", "/lib64"}

// NsjailRunner runs commands under nsjail in single-shot mode.
type NsjailRunner struct {
	binary string
}

func NewNsjailRunner(binary string) *NsjailRunner {
	return &NsjailRunner{binary: binary}
}

// buildArgv composes the full nsjail invocation for one command.
// Network namespace inheritance is disabled so the child has no outbound
// network; only the workspace mount is writable.
func (r *NsjailRunner) buildArgv(argv []string, workspace string, wallLimit time.Duration, memLimitBytes int64) []string {
	full := []string{
		r.binary,
		"--mode", "o",
		"--quiet",
		"--log", "/dev/null",
		"--time_limit", strconv.Itoa(ceilSeconds(wallLimit)),
		"--rlimit_as", strconv.FormatInt(ceilMiB(memLimitBytes), 10),
		"--disable_clone_newnet",
	}
	for _, dir := range roMounts {
		full = append(full, "--bindmount_ro", dir+":"+dir)
	}
	full = append(full,
		"--bindmount", workspace+":"+sandboxWorkDir,
		"--cwd", sandboxWorkDir,
		"--",
	)
	return append(full, argv...)
}

// normalizeStdin guarantees the payload ends with exactly one trailing
// newline. Programs reading line-buffered input hang on a missing final
// newline otherwise.
func normalizeStdin(s string) string {
	return strings.TrimRight(s, "\r\n") + "\n"
}

// Run executes argv inside the jail. The outer fence is one second wider
// than the requested wall limit so nsjail's own timeout fires first and
// yields its distinguishable exit status.
func (r *NsjailRunner) Run(ctx context.Context, argv []string, workspace, stdin string, wallLimit time.Duration, memLimitBytes int64) RunResult {
	full := r.buildArgv(argv, workspace, wallLimit, memLimitBytes)

	runCtx, cancel := context.WithTimeout(ctx, wallLimit+time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, full[0], full[1:]...)
	cmd.Stdin = strings.NewReader(normalizeStdin(stdin))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group: nsjail plus anything it spawned.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && ctx.Err() == nil {
		// Our fence expired: nsjail itself hung past its own limit.
		return RunResult{Status: RunTimeout, Elapsed: elapsed}
	}
	if ctx.Err() != nil {
		return RunResult{Status: RunSandboxFailure, Message: "execution canceled: " + ctx.Err().Error()}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Launch or stream failure, not a child exit.
			return RunResult{Status: RunSandboxFailure, Message: err.Error()}
		}
		if exitErr.ExitCode() == nsjailTimeoutExit {
			return RunResult{Status: RunTimeout, Elapsed: elapsed}
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL {
			// Killed inside the wall limit: the address-space rlimit got it.
			return RunResult{Status: RunMemoryExceeded, Elapsed: elapsed}
		}
		return RunResult{
			Status:   RunCompleted,
			ExitCode: exitErr.ExitCode(),
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Elapsed:  elapsed,
		}
	}

	return RunResult{
		Status:  RunCompleted,
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
		Elapsed: elapsed,
	}
}

func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func ceilMiB(bytes int64) int64 {
	const mib = 1024 * 1024
	mb := (bytes + mib - 1) / mib
	if mb < 1 {
		mb = 1
	}
	return mb
}
