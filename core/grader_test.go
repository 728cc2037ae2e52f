package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type sandboxCall struct {
	argv      []string
	workspace string
	stdin     string
	wall      time.Duration
	mem       int64
}

// spySandbox records every invocation and replays canned results in order.
// Once the canned results run out it returns a clean completion.
type spySandbox struct {
	calls   []sandboxCall
	results []RunResult
	onRun   func(sandboxCall)
}

func (s *spySandbox) Run(_ context.Context, argv []string, workspace, stdin string, wall time.Duration, mem int64) RunResult {
	call := sandboxCall{argv: argv, workspace: workspace, stdin: stdin, wall: wall, mem: mem}
	s.calls = append(s.calls, call)
	if s.onRun != nil {
		s.onRun(call)
	}
	if len(s.results) == 0 {
		return RunResult{Status: RunCompleted}
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

type fakeProblemRepo struct {
	problem *Problem
	err     error
}

func (f *fakeProblemRepo) FindByProblemID(context.Context, int64) (*Problem, error) {
	return f.problem, f.err
}

func testConfig() Config {
	return Config{
		TimeLimitSec:       2,
		MemoryLimitBytes:   64 * 1024 * 1024,
		CompileTimeLimitMs: 5000,
	}
}

func newTestGrader(repo ProblemRepository, sandbox SandboxRunner) *Grader {
	return NewGrader(NewLanguageRegistry(), repo, sandbox, testConfig())
}

func oneCaseProblem(input, output string) *Problem {
	return &Problem{ID: 1, ProblemID: 100, TestCases: []TestCase{
		{Ordinal: 1, InputData: input, OutputData: output},
	}}
}

func completed(exit int, stdout, stderr string, elapsed time.Duration) RunResult {
	return RunResult{Status: RunCompleted, ExitCode: exit, Stdout: []byte(stdout), Stderr: []byte(stderr), Elapsed: elapsed}
}

func TestGradeUnsupportedLanguage(t *testing.T) {
	sandbox := &spySandbox{}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("1", "1")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "brainfuck", Code: "+"})
	if v.Status != StatusSystemError || v.Message != "Unsupported language" {
		t.Fatalf("verdict = %+v, want System Error / Unsupported language", v)
	}
	if len(sandbox.calls) != 0 {
		t.Fatalf("sandbox was invoked %d times for unsupported language", len(sandbox.calls))
	}
}

func TestGradeProblemNotFound(t *testing.T) {
	g := newTestGrader(&fakeProblemRepo{err: ErrProblemNotFound}, &spySandbox{})
	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 999, Language: "python", Code: "print(1)"})
	if v.Status != StatusSystemError {
		t.Fatalf("verdict = %+v, want System Error", v)
	}
}

func TestGradeRepositoryFailure(t *testing.T) {
	g := newTestGrader(&fakeProblemRepo{err: errors.New("connection refused")}, &spySandbox{})
	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "print(1)"})
	if v.Status != StatusSystemError {
		t.Fatalf("verdict = %+v, want System Error", v)
	}
}

func TestGradeNoTestCases(t *testing.T) {
	g := newTestGrader(&fakeProblemRepo{problem: &Problem{ID: 1, ProblemID: 100}}, &spySandbox{})
	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "print(1)"})
	if v.Status != StatusSystemError {
		t.Fatalf("verdict = %+v, want System Error", v)
	}
}

func TestGradeAcceptedMaxExecutionTime(t *testing.T) {
	problem := &Problem{ID: 1, ProblemID: 100, TestCases: []TestCase{
		{Ordinal: 1, InputData: "1 2", OutputData: "3"},
		{Ordinal: 2, InputData: "5 7", OutputData: "12"},
		{Ordinal: 3, InputData: "0 0", OutputData: "0"},
	}}
	sandbox := &spySandbox{results: []RunResult{
		completed(0, "3\n", "", 10*time.Millisecond),
		completed(0, "12\n", "", 30*time.Millisecond),
		completed(0, "0\n", "", 20*time.Millisecond),
	}}
	g := newTestGrader(&fakeProblemRepo{problem: problem}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."})
	if v.Status != StatusAccepted {
		t.Fatalf("verdict = %+v, want Accepted", v)
	}
	if v.ExecutionTime != 0.03 {
		t.Fatalf("execution_time = %v, want 0.03 (max per-case elapsed)", v.ExecutionTime)
	}
	if v.FailedCase != 0 {
		t.Fatalf("accepted verdict carries failed_case %d", v.FailedCase)
	}
	if len(sandbox.calls) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(sandbox.calls))
	}
}

func TestGradeExecutionTimeRounding(t *testing.T) {
	sandbox := &spySandbox{results: []RunResult{
		completed(0, "1\n", "", 123456789*time.Nanosecond), // 0.123456789s
	}}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("x", "1")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."})
	if v.ExecutionTime != 0.1235 {
		t.Fatalf("execution_time = %v, want 0.1235 (4 decimal places)", v.ExecutionTime)
	}
}

func TestGradeWrongAnswerFailFast(t *testing.T) {
	problem := &Problem{ID: 1, ProblemID: 100, TestCases: []TestCase{
		{Ordinal: 1, InputData: "1 2", OutputData: "3"},
		{Ordinal: 2, InputData: "5 7", OutputData: "12"},
	}}
	sandbox := &spySandbox{results: []RunResult{
		completed(0, "4\n", "", time.Millisecond),
	}}
	g := newTestGrader(&fakeProblemRepo{problem: problem}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "print(4)"})
	if v.Status != StatusWrongAnswer || v.FailedCase != 1 {
		t.Fatalf("verdict = %+v, want Wrong Answer case 1", v)
	}
	if len(sandbox.calls) != 1 {
		t.Fatalf("cases after the first failure were executed: %d calls", len(sandbox.calls))
	}
}

func TestGradeRuntimeErrorMidway(t *testing.T) {
	problem := &Problem{ID: 1, ProblemID: 100, TestCases: []TestCase{
		{Ordinal: 1, InputData: "a", OutputData: "1"},
		{Ordinal: 2, InputData: "b", OutputData: "2"},
		{Ordinal: 3, InputData: "c", OutputData: "3"},
	}}
	sandbox := &spySandbox{results: []RunResult{
		completed(0, "1\n", "", time.Millisecond),
		completed(1, "", "IndexError: list index out of range", time.Millisecond),
	}}
	g := newTestGrader(&fakeProblemRepo{problem: problem}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."})
	if v.Status != StatusRuntimeError || v.FailedCase != 2 {
		t.Fatalf("verdict = %+v, want Runtime Error case 2", v)
	}
	if !strings.Contains(v.Message, "IndexError") {
		t.Fatalf("message %q does not carry stderr", v.Message)
	}
	if len(sandbox.calls) != 2 {
		t.Fatalf("expected 2 runs before fail-fast stop, got %d", len(sandbox.calls))
	}
}

func TestGradeStderrTruncated(t *testing.T) {
	big := strings.Repeat("x", maxStderrBytes+500)
	sandbox := &spySandbox{results: []RunResult{
		completed(1, "", big, time.Millisecond),
	}}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("a", "1")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."})
	if len(v.Message) != maxStderrBytes {
		t.Fatalf("message length = %d, want truncation to %d", len(v.Message), maxStderrBytes)
	}
}

func TestGradeTimeLimitExceeded(t *testing.T) {
	sandbox := &spySandbox{results: []RunResult{{Status: RunTimeout}}}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("a", "1")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "while True: pass"})
	if v.Status != StatusTimeLimitExceeded || v.FailedCase != 1 {
		t.Fatalf("verdict = %+v, want Time Limit Exceeded case 1", v)
	}
}

func TestGradeMemoryLimitExceeded(t *testing.T) {
	sandbox := &spySandbox{results: []RunResult{{Status: RunMemoryExceeded}}}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("a", "1")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."})
	if v.Status != StatusMemoryLimitExceeded || v.FailedCase != 1 {
		t.Fatalf("verdict = %+v, want Memory Limit Exceeded case 1", v)
	}
}

func TestGradeSandboxFailureIsSystemError(t *testing.T) {
	sandbox := &spySandbox{results: []RunResult{{Status: RunSandboxFailure, Message: "nsjail: no such file"}}}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("a", "1")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."})
	if v.Status != StatusSystemError {
		t.Fatalf("verdict = %+v, want System Error", v)
	}
}

func TestGradeCompileError(t *testing.T) {
	sandbox := &spySandbox{results: []RunResult{
		completed(1, "", "main.cpp:1:1: error: expected unqualified-id", time.Millisecond),
	}}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("a", "1")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "cpp", Code: "syntax error;"})
	if v.Status != StatusCompileError {
		t.Fatalf("verdict = %+v, want Compile Error", v)
	}
	if !strings.Contains(v.Message, "expected unqualified-id") {
		t.Fatalf("message %q does not carry compiler stderr", v.Message)
	}
	if len(sandbox.calls) != 1 {
		t.Fatalf("run loop executed after failed compile: %d calls", len(sandbox.calls))
	}
}

func TestGradeCompileUsesCompileLimits(t *testing.T) {
	sandbox := &spySandbox{}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("a", "")}, sandbox)

	_ = g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "cpp", Code: "int main(){}"})
	if len(sandbox.calls) < 2 {
		t.Fatalf("expected compile + run calls, got %d", len(sandbox.calls))
	}
	compile := sandbox.calls[0]
	if compile.wall != 5*time.Second {
		t.Fatalf("compile wall limit = %s, want 5s", compile.wall)
	}
	if compile.stdin != "" {
		t.Fatalf("compile stdin = %q, want empty", compile.stdin)
	}
	if compile.argv[0] != "/usr/bin/g++" {
		t.Fatalf("compile argv = %v", compile.argv)
	}
	run := sandbox.calls[1]
	if run.wall != 2*time.Second {
		t.Fatalf("run wall limit = %s, want 2s", run.wall)
	}
	if run.argv[0] != "./main" {
		t.Fatalf("run argv = %v", run.argv)
	}
}

func TestGradeCompileTimeout(t *testing.T) {
	sandbox := &spySandbox{results: []RunResult{{Status: RunTimeout}}}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("a", "1")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "cpp", Code: "int main(){}"})
	if v.Status != StatusCompileError {
		t.Fatalf("verdict = %+v, want Compile Error on compile timeout", v)
	}
	if !strings.Contains(v.Message, "timed out") {
		t.Fatalf("message %q lacks timeout clarification", v.Message)
	}
}

func TestGradeInterpretedSkipsCompile(t *testing.T) {
	sandbox := &spySandbox{results: []RunResult{completed(0, "1\n", "", time.Millisecond)}}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("a", "1")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "print(1)"})
	if v.Status != StatusAccepted {
		t.Fatalf("verdict = %+v, want Accepted", v)
	}
	if got := sandbox.calls[0].argv[0]; got != "/usr/bin/python3" {
		t.Fatalf("first sandbox call argv = %v, want the run command", sandbox.calls[0].argv)
	}
}

func TestGradeDecodesInputBeforeRun(t *testing.T) {
	sandbox := &spySandbox{results: []RunResult{completed(0, "3\n", "", time.Millisecond)}}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem(`"1 2\n"`, "3")}, sandbox)

	v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."})
	if v.Status != StatusAccepted {
		t.Fatalf("verdict = %+v, want Accepted", v)
	}
	if sandbox.calls[0].stdin != "1 2\n" {
		t.Fatalf("stdin = %q, want decoded payload", sandbox.calls[0].stdin)
	}
}

func TestGradeOutputNormalization(t *testing.T) {
	cases := []struct {
		name     string
		stdout   string
		expected string
	}{
		{"trailing newline", "42\n", "42"},
		{"trailing spaces", "42  \n", "42"},
		{"crlf vs lf", "foo\r\n", `foo\n`},
		{"leading whitespace", "\n 42", "42"},
		{"interior crlf", "a\r\nb\r\n", `a\nb`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sandbox := &spySandbox{results: []RunResult{completed(0, tc.stdout, "", time.Millisecond)}}
			g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("in", tc.expected)}, sandbox)
			v := g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."})
			if v.Status != StatusAccepted {
				t.Fatalf("stdout %q vs expected %q: verdict = %+v, want Accepted", tc.stdout, tc.expected, v)
			}
		})
	}
}

func TestGradeWritesSourceIntoWorkspace(t *testing.T) {
	code := "print('hello')\n"
	var sourceSeen []byte
	sandbox := &spySandbox{
		results: []RunResult{completed(0, "hello\n", "", time.Millisecond)},
	}
	sandbox.onRun = func(call sandboxCall) {
		data, err := os.ReadFile(filepath.Join(call.workspace, "main.py"))
		if err != nil {
			t.Errorf("source file missing at run time: %v", err)
			return
		}
		sourceSeen = data
	}
	g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("x", "hello")}, sandbox)

	_ = g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: code})
	if !bytes.Equal(sourceSeen, []byte(code)) {
		t.Fatalf("source on disk = %q, want %q", sourceSeen, code)
	}
}

func TestGradeWorkspaceRemovedOnEveryPath(t *testing.T) {
	outcomes := map[string][]RunResult{
		"accepted": {completed(0, "1\n", "", time.Millisecond)},
		"timeout":  {{Status: RunTimeout}},
		"failure":  {{Status: RunSandboxFailure, Message: "boom"}},
	}
	for name, results := range outcomes {
		t.Run(name, func(t *testing.T) {
			sandbox := &spySandbox{results: results}
			g := newTestGrader(&fakeProblemRepo{problem: oneCaseProblem("a", "1")}, sandbox)
			_ = g.Grade(context.Background(), Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."})
			if len(sandbox.calls) == 0 {
				t.Fatal("sandbox never invoked")
			}
			ws := sandbox.calls[0].workspace
			if _, err := os.Stat(ws); !os.IsNotExist(err) {
				t.Fatalf("workspace %s still present after verdict (stat err=%v)", ws, err)
			}
		})
	}
}

func TestGradeIdempotentVerdict(t *testing.T) {
	problem := &Problem{ID: 1, ProblemID: 100, TestCases: []TestCase{
		{Ordinal: 1, InputData: "a", OutputData: "1"},
		{Ordinal: 2, InputData: "b", OutputData: "2"},
	}}
	job := Job{SubmissionID: "s1", ProblemID: 100, Language: "python", Code: "..."}

	run := func() Verdict {
		sandbox := &spySandbox{results: []RunResult{
			completed(0, "1\n", "", time.Millisecond),
			completed(0, "wrong\n", "", time.Millisecond),
		}}
		g := newTestGrader(&fakeProblemRepo{problem: problem}, sandbox)
		return g.Grade(context.Background(), job)
	}

	first, second := run(), run()
	if first.Status != second.Status || first.FailedCase != second.FailedCase {
		t.Fatalf("verdicts differ across runs: %+v vs %+v", first, second)
	}
}
