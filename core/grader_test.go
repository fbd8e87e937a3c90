package core

import (
	"context"
	"testing"
)

type fakeExecutor struct {
	result *ChildResult
	err    error
}

func (f *fakeExecutor) Launch(ctx context.Context, req LaunchRequest) (*ChildResult, error) {
	return f.result, f.err
}
func (f *fakeExecutor) Cleanup() error                             { return nil }
func (f *fakeExecutor) RuntimeVersions() ([]RuntimeVersion, error) { return nil, nil }
func (f *fakeExecutor) PopulateResult(cr *ChildResult, result *Result) {
	populateResultFromChild(cr, result)
}
func (f *fakeExecutor) WorkDir() string { return "" }

func newGrader() *Grader {
	problem := NewProblem("p", 1.0, 65536, false, GraderStandard, nil)
	return &Grader{Problem: &problem, Checkers: NewCheckerRegistry(), Language: "cpp"}
}

func TestGradeCaseAcceptsMatchingOutput(t *testing.T) {
	g := newGrader()
	exec := &fakeExecutor{result: &ChildResult{ExecutionTime: 0.01, Stdout: []byte("5")}}
	fc := flatCase{case_: PlainCase{Position: 1, ExpectedOutput: []byte("5"), Points: 50, Checker: "identical"}}

	result := g.GradeCase(context.Background(), exec, fc)
	if !result.ResultFlag.Has(FlagAC) {
		t.Fatalf("expected AC, got flags %s", result.ResultFlag)
	}
	if result.Points != 50 {
		t.Fatalf("expected full points, got %v", result.Points)
	}
}

func TestGradeCaseWrongAnswerScoresZero(t *testing.T) {
	g := newGrader()
	exec := &fakeExecutor{result: &ChildResult{ExecutionTime: 0.01, Stdout: []byte("6")}}
	fc := flatCase{case_: PlainCase{Position: 1, ExpectedOutput: []byte("5"), Points: 50, Checker: "identical"}}

	result := g.GradeCase(context.Background(), exec, fc)
	if result.ResultFlag.Has(FlagAC) {
		t.Fatalf("expected WA, got AC")
	}
	if !result.ResultFlag.Has(FlagWA) {
		t.Fatalf("expected WA flag set, got %s", result.ResultFlag)
	}
	if result.Points != 0 {
		t.Fatalf("wrong answer must score 0, got %v", result.Points)
	}
}

func TestGradeCasePointsWithinBounds(t *testing.T) {
	g := newGrader()
	cases := []struct {
		name   string
		output string
		points float64
	}{
		{"exact match", "42", 30},
		{"mismatch", "43", 30},
	}
	for _, c := range cases {
		exec := &fakeExecutor{result: &ChildResult{Stdout: []byte(c.output)}}
		fc := flatCase{case_: PlainCase{Position: 1, ExpectedOutput: []byte("42"), Points: c.points, Checker: "identical"}}
		result := g.GradeCase(context.Background(), exec, fc)
		if result.Points < 0 || result.Points > c.points {
			t.Fatalf("%s: points %v out of bounds [0,%v]", c.name, result.Points, c.points)
		}
		if result.Points > 0 && !result.ResultFlag.Has(FlagAC) {
			t.Fatalf("%s: nonzero points without AC flag", c.name)
		}
	}
}

func TestGradeCaseTLESkipsChecker(t *testing.T) {
	g := newGrader()
	exec := &fakeExecutor{result: &ChildResult{IsTLE: true}}
	fc := flatCase{case_: PlainCase{Position: 1, ExpectedOutput: []byte("5"), Points: 50, Checker: "identical"}}

	result := g.GradeCase(context.Background(), exec, fc)
	if !result.ResultFlag.Has(FlagTLE) {
		t.Fatalf("expected TLE flag, got %s", result.ResultFlag)
	}
	if result.ResultFlag.Has(FlagAC) {
		t.Fatalf("TLE case must not also be AC")
	}
	if result.ResultFlag.Has(FlagWA) {
		t.Fatalf("a skipped checker must not also stack WA onto the failure flag, got %s", result.ResultFlag)
	}
	if result.Points != 0 {
		t.Fatalf("TLE must score 0, got %v", result.Points)
	}
}

func TestGradeCaseInvalidUnicodeFailsChecker(t *testing.T) {
	g := newGrader()
	exec := &fakeExecutor{result: &ChildResult{Stdout: []byte{0xff, 0xfe, 0xfd}}}
	fc := flatCase{case_: PlainCase{Position: 1, ExpectedOutput: []byte("5"), Points: 50, Checker: "identical"}}

	result := g.GradeCase(context.Background(), exec, fc)
	if result.ResultFlag.Has(FlagAC) {
		t.Fatalf("invalid unicode output must not be AC")
	}
	if result.Feedback != "invalid unicode" {
		t.Fatalf("expected invalid-unicode feedback, got %q", result.Feedback)
	}
	if result.Points != 0 {
		t.Fatalf("invalid unicode must score 0, got %v", result.Points)
	}
}

func TestGradeCaseRuntimeErrorSetsRTE(t *testing.T) {
	g := newGrader()
	exec := &fakeExecutor{result: &ChildResult{ExitCode: 1, Stderr: []byte("segfault")}}
	fc := flatCase{case_: PlainCase{Position: 1, ExpectedOutput: []byte("5"), Points: 50, Checker: "identical"}}

	result := g.GradeCase(context.Background(), exec, fc)
	if !result.ResultFlag.Has(FlagRTE) {
		t.Fatalf("expected RTE flag, got %s", result.ResultFlag)
	}
}
