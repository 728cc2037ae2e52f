package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxStderrBytes bounds compiler/runtime stderr carried in a verdict so the
// result message stays well under broker frame limits.
const maxStderrBytes = 8 * 1024

// jobSlack pads the per-job hard ceiling over the sum of sandbox limits.
const jobSlack = 10 * time.Second

// Grader runs the full pipeline for one job: language lookup, problem load,
// workspace setup, optional compile, then the case loop. Every fault becomes
// a Verdict; nothing escapes as an error. A Grader is safe for concurrent
// use; each call owns its workspace and sandbox invocations exclusively.
type Grader struct {
	registry     *LanguageRegistry
	problems     ProblemRepository
	sandbox      SandboxRunner
	wallLimit    time.Duration
	memLimit     int64
	compileLimit time.Duration
}

func NewGrader(registry *LanguageRegistry, problems ProblemRepository, sandbox SandboxRunner, cfg Config) *Grader {
	return &Grader{
		registry:     registry,
		problems:     problems,
		sandbox:      sandbox,
		wallLimit:    cfg.WallLimit(),
		memLimit:     cfg.MemoryLimitBytes,
		compileLimit: cfg.CompileLimit(),
	}
}

// Grade produces exactly one verdict for the job.
func (g *Grader) Grade(ctx context.Context, job Job) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			verdict = systemError(fmt.Sprintf("grader panic: %v", r))
		}
	}()

	lang, ok := g.registry.Lookup(job.Language)
	if !ok {
		return systemError("Unsupported language")
	}

	problem, err := g.problems.FindByProblemID(ctx, job.ProblemID)
	if err != nil {
		if errors.Is(err, ErrProblemNotFound) {
			return systemError("Problem or test cases not found")
		}
		return systemError("problem lookup failed: " + err.Error())
	}
	if len(problem.TestCases) == 0 {
		return systemError("no test cases defined for problem")
	}

	// Hard ceiling: compile limit + wall limit per case + slack. Cancellation
	// from here on reaches every sandbox wait.
	ceiling := g.compileLimit + g.wallLimit*time.Duration(len(problem.TestCases)) + jobSlack
	ctx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	workspace, err := os.MkdirTemp("", "judge-*")
	if err != nil {
		return systemError("create workspace: " + err.Error())
	}
	defer os.RemoveAll(workspace)

	srcPath := filepath.Join(workspace, lang.SourceFile)
	if err := os.WriteFile(srcPath, []byte(job.Code), 0o644); err != nil {
		return systemError("write source: " + err.Error())
	}

	if lang.Compiled() {
		if v, ok := g.compile(ctx, lang, workspace); !ok {
			return v
		}
	}

	maxElapsed := 0.0
	for _, tc := range problem.TestCases {
		input := DecodeTestPayload(tc.InputData)
		res := g.sandbox.Run(ctx, lang.RunCmd, workspace, input, g.wallLimit, g.memLimit)
		switch res.Status {
		case RunTimeout:
			return timeLimitExceeded(tc.Ordinal)
		case RunMemoryExceeded:
			return memoryLimitExceeded(tc.Ordinal)
		case RunSandboxFailure:
			return systemError(res.Message)
		}
		if secs := res.Elapsed.Seconds(); secs > maxElapsed {
			maxElapsed = secs
		}
		if res.ExitCode != 0 {
			return runtimeError(tc.Ordinal, truncateOutput(res.Stderr))
		}
		expected := DecodeTestPayload(tc.OutputData)
		if !outputsMatch(string(res.Stdout), expected) {
			return wrongAnswer(tc.Ordinal)
		}
	}

	return accepted(round4(maxElapsed))
}

// compile runs the language's compile command. The bool is false when a
// terminal verdict was produced.
func (g *Grader) compile(ctx context.Context, lang LanguageConfig, workspace string) (Verdict, bool) {
	res := g.sandbox.Run(ctx, lang.CompileCmd, workspace, "", g.compileLimit, g.memLimit)
	switch res.Status {
	case RunTimeout:
		return compileError("compilation timed out"), false
	case RunMemoryExceeded:
		return compileError("compiler exceeded memory limit"), false
	case RunSandboxFailure:
		return compileError(res.Message), false
	}
	if res.ExitCode != 0 {
		return compileError(truncateOutput(res.Stderr)), false
	}
	return Verdict{}, true
}

// outputsMatch applies the deterministic comparison policy: CRLF folded to
// LF on both sides, outer whitespace stripped, then byte-exact.
func outputsMatch(actual, expected string) bool {
	a := strings.TrimSpace(strings.ReplaceAll(actual, "\r\n", "\n"))
	e := strings.TrimSpace(strings.ReplaceAll(expected, "\r\n", "\n"))
	return a == e
}

func truncateOutput(b []byte) string {
	if len(b) > maxStderrBytes {
		b = b[:maxStderrBytes]
	}
	return string(b)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
