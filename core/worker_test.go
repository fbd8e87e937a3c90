package core

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// scriptedExecutorFactory produces uncompiled executor instances that
// always emit a fixed "scripted" stdout, optionally after a delay (used
// to give an abort a window to land mid-case).
type scriptedExecutorFactory struct {
	tag   string
	delay time.Duration
}

func (f *scriptedExecutorFactory) Tag() string { return f.tag }

func (f *scriptedExecutorFactory) Create(problemID string, source []byte, opts CreateOptions) (ExecutorInstance, error) {
	return &scriptedInstance{factory: f}, nil
}

type scriptedInstance struct {
	factory *scriptedExecutorFactory
}

func (s *scriptedInstance) Launch(ctx context.Context, req LaunchRequest) (*ChildResult, error) {
	if s.factory.delay > 0 {
		select {
		case <-time.After(s.factory.delay):
		case <-ctx.Done():
			return &ChildResult{Aborted: true}, nil
		}
	}
	return &ChildResult{Stdout: []byte("scripted")}, nil
}
func (s *scriptedInstance) Cleanup() error                             { return nil }
func (s *scriptedInstance) RuntimeVersions() ([]RuntimeVersion, error) { return nil, nil }
func (s *scriptedInstance) PopulateResult(cr *ChildResult, result *Result) {
	populateResultFromChild(cr, result)
}
func (s *scriptedInstance) WorkDir() string { return "" }

type staticProblemSource struct {
	problem *Problem
}

func (s *staticProblemSource) Load(id string) (*Problem, error) { return s.problem, nil }

func plainCase(pos int, expected string, batch int) PlainCase {
	return PlainCase{
		Position:       pos,
		Input:          []byte("in"),
		ExpectedOutput: []byte(expected),
		Points:         10,
		Checker:        "identical",
		BatchNumber:    batch,
	}
}

func newTestEnv(problem *Problem, factory ExecutorFactory) *WorkerEnv {
	registry := NewRegistry()
	registry.Register(factory)
	return &WorkerEnv{
		Registry: registry,
		Checkers: NewCheckerRegistry(),
		Cache:    NewArtifactCache(10),
		Problems: &staticProblemSource{problem: problem},
	}
}

func drive(t *testing.T, env *WorkerEnv, sub Submission) ([]ResultEvent, []IPCTag) {
	t.Helper()
	launcher := &InProcessLauncher{Env: env}
	sup := NewSupervisor(launcher, nil)

	var tags []IPCTag
	events, err := sup.BeginGrading(context.Background(), sub, func(msg IPCMessage) {
		tags = append(tags, msg.Tag)
	})
	if err != nil {
		t.Fatalf("BeginGrading: %v", err)
	}
	return events, tags
}

// S1: two plain cases, both accepted.
func TestScenarioTwoPlainCasesAccepted(t *testing.T) {
	cases := []TestCase{
		{Plain: ptrPlain(plainCase(1, "scripted", 0))},
		{Plain: ptrPlain(plainCase(2, "scripted", 0))},
	}
	problem := NewProblem("p", 1.0, 65536, false, GraderStandard, func() ([]TestCase, error) { return cases, nil })
	env := newTestEnv(&problem, &scriptedExecutorFactory{tag: "lang"})

	events, tags := drive(t, env, Submission{ID: 1, ProblemID: "p", Language: "lang"})

	if len(events) != 2 {
		t.Fatalf("expected 2 result events, got %d", len(events))
	}
	for _, ev := range events {
		if !ev.Result.ResultFlag.Has(FlagAC) {
			t.Fatalf("expected AC for case %d, got %s", ev.CaseNumber, ev.Result.ResultFlag)
		}
	}
	assertTagSequence(t, tags, TagHello, TagGradingBegin, TagResult, TagResult, TagGradingEnd, TagBye)
}

// S2: a case whose executor times out must surface TLE, not AC.
func TestScenarioTimeLimitExceeded(t *testing.T) {
	cases := []TestCase{{Plain: ptrPlain(plainCase(1, "scripted", 0))}}
	problem := NewProblem("p", 1.0, 65536, false, GraderStandard, func() ([]TestCase, error) { return cases, nil })
	env := newTestEnv(&problem, &tleExecutorFactory{})

	events, _ := drive(t, env, Submission{ID: 2, ProblemID: "p", Language: "lang"})

	if len(events) != 1 {
		t.Fatalf("expected 1 result event, got %d", len(events))
	}
	if !events[0].Result.ResultFlag.Has(FlagTLE) {
		t.Fatalf("expected TLE, got %s", events[0].Result.ResultFlag)
	}
	if events[0].Result.ResultFlag.Has(FlagAC) {
		t.Fatalf("TLE case must not be AC")
	}
}

type tleExecutorFactory struct{}

func (f *tleExecutorFactory) Tag() string { return "lang" }
func (f *tleExecutorFactory) Create(problemID string, source []byte, opts CreateOptions) (ExecutorInstance, error) {
	return &tleInstance{}, nil
}

type tleInstance struct{}

func (t *tleInstance) Launch(ctx context.Context, req LaunchRequest) (*ChildResult, error) {
	return &ChildResult{IsTLE: true}, nil
}
func (t *tleInstance) Cleanup() error                             { return nil }
func (t *tleInstance) RuntimeVersions() ([]RuntimeVersion, error) { return nil, nil }
func (t *tleInstance) PopulateResult(cr *ChildResult, result *Result) {
	populateResultFromChild(cr, result)
}
func (t *tleInstance) WorkDir() string { return "" }

// S3: a CompiledInstance whose Compile fails must short-circuit the
// whole grading event grammar to COMPILE_ERROR; GRADING_BEGIN must never
// be emitted.
func TestScenarioCompileErrorSkipsGrading(t *testing.T) {
	cases := []TestCase{{Plain: ptrPlain(plainCase(1, "scripted", 0))}}
	problem := NewProblem("p", 1.0, 65536, false, GraderStandard, func() ([]TestCase, error) { return cases, nil })
	env := newTestEnv(&problem, &failingCompileFactory{})

	events, tags := drive(t, env, Submission{ID: 3, ProblemID: "p", Language: "lang"})

	if len(events) != 0 {
		t.Fatalf("expected no result events on compile error, got %d", len(events))
	}
	for _, tag := range tags {
		if tag == TagGradingBegin {
			t.Fatalf("GRADING_BEGIN must not be emitted after a compile error")
		}
	}
	assertTagSequence(t, tags, TagHello, TagCompileError, TagBye)
}

type failingCompileFactory struct{}

func (f *failingCompileFactory) Tag() string { return "lang" }
func (f *failingCompileFactory) Create(problemID string, source []byte, opts CreateOptions) (ExecutorInstance, error) {
	return &failingCompileInstance{}, nil
}

type failingCompileInstance struct{}

func (f *failingCompileInstance) Launch(ctx context.Context, req LaunchRequest) (*ChildResult, error) {
	return nil, fmt.Errorf("must not launch an uncompiled instance")
}
func (f *failingCompileInstance) Cleanup() error                             { return nil }
func (f *failingCompileInstance) RuntimeVersions() ([]RuntimeVersion, error) { return nil, nil }
func (f *failingCompileInstance) PopulateResult(cr *ChildResult, result *Result) {}
func (f *failingCompileInstance) WorkDir() string                           { return "" }
func (f *failingCompileInstance) Compile(ctx context.Context) ([]byte, error) {
	return nil, &CompileError{Output: []byte("syntax error on line 1")}
}
func (f *failingCompileInstance) BinaryCacheKey() []byte { return []byte("key") }
func (f *failingCompileInstance) ExecutablePath() string { return "" }
func (f *failingCompileInstance) MarkCached(bool)        {}
func (f *failingCompileInstance) IsCached() bool         { return false }

// S4: a case whose output differs only by whitespace against an
// identical checker with pe_allowed must come back WA, not AC.
func TestScenarioPresentationError(t *testing.T) {
	cases := []TestCase{{Plain: ptrPlain(PlainCase{
		Position:       1,
		Input:          []byte("in"),
		ExpectedOutput: []byte(" scripted \n"),
		Points:         10,
		Checker:        "identical",
		CheckerOptions: map[string]string{"pe_allowed": "true"},
	})}}
	problem := NewProblem("p", 1.0, 65536, false, GraderStandard, func() ([]TestCase, error) { return cases, nil })
	env := newTestEnv(&problem, &scriptedExecutorFactory{tag: "lang"})

	events, _ := drive(t, env, Submission{ID: 4, ProblemID: "p", Language: "lang"})
	if len(events) != 1 {
		t.Fatalf("expected 1 result event, got %d", len(events))
	}
	if events[0].Result.ResultFlag.Has(FlagAC) {
		t.Fatalf("whitespace-only mismatch under strict identical compare must not be AC")
	}
}

// S5: short_circuit must suppress execution of every case after the
// first non-AC result, across batch boundaries.
func TestScenarioShortCircuitSpansBatches(t *testing.T) {
	cases := []TestCase{
		{Plain: ptrPlain(plainCase(1, "wrong", 0))},
		{Batch: &BatchCase{Number: 1, Cases: []PlainCase{plainCase(2, "scripted", 1), plainCase(3, "scripted", 1)}}},
		{Plain: ptrPlain(plainCase(4, "scripted", 0))},
	}
	problem := NewProblem("p", 1.0, 65536, false, GraderStandard, func() ([]TestCase, error) { return cases, nil })
	env := newTestEnv(&problem, &scriptedExecutorFactory{tag: "lang"})

	events, _ := drive(t, env, Submission{ID: 5, ProblemID: "p", Language: "lang", ShortCircuit: true})

	if len(events) != 4 {
		t.Fatalf("expected 4 result events, got %d", len(events))
	}
	if events[0].Result.ResultFlag.Has(FlagAC) {
		t.Fatalf("first case was scripted to fail, must not be AC")
	}
	for i := 1; i < 4; i++ {
		if !events[i].Result.ResultFlag.Has(FlagSC) {
			t.Fatalf("case %d after a failure under short_circuit must carry SC, got %s", i+1, events[i].Result.ResultFlag)
		}
	}
}

// S6: an abort mid-grading must stop the worker after at most the
// in-flight case, emit GRADING_ABORTED then BYE, and the worker must no
// longer be reachable afterward.
func TestScenarioAbortMidGrading(t *testing.T) {
	cases := []TestCase{
		{Plain: ptrPlain(plainCase(1, "scripted", 0))},
		{Plain: ptrPlain(plainCase(2, "scripted", 0))},
		{Plain: ptrPlain(plainCase(3, "scripted", 0))},
	}
	problem := NewProblem("p", 1.0, 65536, false, GraderStandard, func() ([]TestCase, error) { return cases, nil })
	env := newTestEnv(&problem, &scriptedExecutorFactory{tag: "lang", delay: 200 * time.Millisecond})

	launcher := &InProcessLauncher{Env: env}
	sup := NewSupervisor(launcher, nil)

	var tags []IPCTag
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := sup.BeginGrading(context.Background(), Submission{ID: 6, ProblemID: "p", Language: "lang"}, func(msg IPCMessage) {
			tags = append(tags, msg.Tag)
		})
		if err != nil {
			t.Errorf("BeginGrading: %v", err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	sup.AbortGrading()
	<-done

	foundAborted := false
	for _, tag := range tags {
		if tag == TagGradingAborted {
			foundAborted = true
		}
	}
	if !foundAborted {
		t.Fatalf("expected GRADING_ABORTED in event stream, got %v", tags)
	}
	if tags[len(tags)-1] != TagBye {
		t.Fatalf("expected the stream to end with BYE, got %v", tags)
	}
	if sup.CurrentSubmission() != nil {
		t.Fatalf("supervisor must be idle once BeginGrading returns")
	}
}

func ptrPlain(c PlainCase) *PlainCase { return &c }

func assertTagSequence(t *testing.T, got []IPCTag, want ...IPCTag) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("tag sequence length mismatch: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tag %d: got %s, want %s (full sequence got=%v want=%v)", i, got[i], want[i], got, want)
		}
	}
}
