package core

import (
	"context"
	"unicode/utf8"
)

// Grader turns one case into a Result by running the submission's
// executor against it and scoring the output (spec.md §4.4).
type Grader struct {
	Problem  *Problem
	Checkers *CheckerRegistry
	Language string
}

// GradeCase runs the full launch/communicate/check/fold protocol for one
// case against inst, which the caller owns and has already compiled if
// necessary (spec.md §4.4 steps 1-8).
func (g *Grader) GradeCase(ctx context.Context, inst ExecutorInstance, fc flatCase) Result {
	c := fc.case_
	result := Result{
		CasePosition: c.Position,
		BatchNumber:  fc.batchNumber,
	}

	wallTime := c.wallTimeFactorOrDefault() * g.Problem.TimeLimit

	cr, err := inst.Launch(ctx, LaunchRequest{
		Stdin:       c.Input,
		Symlinks:    c.Symlinks,
		WallTime:    wallTime,
		TimeLimit:   g.Problem.TimeLimit,
		MemoryLimit: g.Problem.MemoryLimit,
		StdoutCap:   16 << 20,
		StderrCap:   1 << 20,
	})
	if err != nil {
		result.ResultFlag |= FlagIR
		result.ExtendedFeedback = err.Error()
		return result
	}
	if cr.Aborted {
		result.ResultFlag |= FlagIR
		result.Feedback = "grading aborted"
		return result
	}

	inst.PopulateResult(cr, &result)

	// When the case already carries a failure flag (TLE/RTE/OLE/IR/MLE) and
	// the checker doesn't opt into RunOnError, the checker never runs and
	// AC/WA must not be folded on top of it: spec.md's emission invariant
	// is that exactly one of AC, WA, SC, or a failure flag is set.
	check, ran := g.checkResult(inst, c, &result)
	if ran {
		if check.Passed {
			result.ResultFlag |= FlagAC
		} else {
			result.ResultFlag |= FlagWA
		}
		result.Points = check.Points
		if check.Feedback != "" {
			result.Feedback = check.Feedback
		}
		if check.ExtendedFeedback != "" {
			result.ExtendedFeedback = check.ExtendedFeedback
		}
	}
	return result
}

// checkResult invokes the case's checker unless the case already carries a
// failure flag and the checker doesn't opt into RunOnError (spec.md §4.4
// step 5; dmoj graders/base.py check_result). The second return value
// reports whether the checker actually ran, so the caller can skip folding
// AC/WA when it was skipped.
func (g *Grader) checkResult(inst ExecutorInstance, c PlainCase, result *Result) (CheckerResult, bool) {
	spec, ok := g.Checkers.Lookup(c.Checker)
	if !ok {
		return CheckerResult{Passed: false, Points: 0, Feedback: "unknown checker: " + c.Checker}, true
	}
	hasFailure := result.ResultFlag&^(FlagAC|FlagWA) != 0
	if hasFailure && !spec.RunOnError {
		return CheckerResult{Passed: false, Points: 0}, false
	}
	if !utf8.Valid(result.ProcOutput) || !utf8.Valid(c.ExpectedOutput) {
		return CheckerResult{Passed: false, Points: 0, Feedback: "invalid unicode"}, true
	}
	cr, err := spec.Run(result.ProcOutput, c.ExpectedOutput, CheckerInput{
		JudgeInput:         c.Input,
		PointValue:         c.Points,
		CasePosition:       c.Position,
		BatchNumber:        c.BatchNumber,
		SubmissionLanguage: g.Language,
		ExecutionTime:      result.ExecutionTime,
		Options:            c.CheckerOptions,
	})
	if err != nil {
		return CheckerResult{Passed: false, Points: 0, Feedback: "checker error: " + err.Error()}, true
	}
	return cr, true
}
