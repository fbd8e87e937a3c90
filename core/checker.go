package core

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// CheckerResult is what a checker reports about one case's output
// (spec.md §4.3), mirroring dmoj's CheckerResult.
type CheckerResult struct {
	Passed           bool
	Points           float64
	Feedback         string
	ExtendedFeedback string
}

// CheckerInput bundles everything a checker is allowed to look at beyond
// the two byte strings being compared.
type CheckerInput struct {
	JudgeInput         []byte
	PointValue         float64
	CasePosition       int
	BatchNumber        int
	SubmissionLanguage string
	ExecutionTime      float64
	Options            map[string]string
}

// CheckerFunc compares a submission's output against the expected output.
type CheckerFunc func(procOutput, judgeOutput []byte, in CheckerInput) (CheckerResult, error)

// CheckerSpec names a checker and whether it must still run when the case
// already carries a failure flag (TLE/RTE/etc. — normally skipped, per
// spec.md §4.4 step 5).
type CheckerSpec struct {
	Run        CheckerFunc
	RunOnError bool
}

// CheckerRegistry maps a PlainCase.Checker tag to its implementation.
type CheckerRegistry struct {
	mu    sync.RWMutex
	specs map[string]CheckerSpec
}

func NewCheckerRegistry() *CheckerRegistry {
	r := &CheckerRegistry{specs: map[string]CheckerSpec{}}
	r.Register("identical", CheckerSpec{Run: identicalChecker})
	r.Register("standard", CheckerSpec{Run: standardChecker})
	r.Register("custom", CheckerSpec{Run: luaChecker})
	return r
}

func (r *CheckerRegistry) Register(tag string, spec CheckerSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[tag] = spec
}

func (r *CheckerRegistry) Lookup(tag string) (CheckerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tag == "" {
		tag = "standard"
	}
	spec, ok := r.specs[tag]
	return spec, ok
}

// identicalChecker requires a byte-for-byte match, falling back to the
// whitespace-tolerant comparison only to distinguish a genuine wrong
// answer from a presentation error (spec.md §4.3; dmoj checkers/identical.py).
func identicalChecker(procOutput, judgeOutput []byte, in CheckerInput) (CheckerResult, error) {
	if bytes.Equal(procOutput, judgeOutput) {
		return CheckerResult{Passed: true, Points: in.PointValue}, nil
	}
	peAllowed := in.Options["pe_allowed"] != "false"
	if peAllowed && normalizeWhitespace(procOutput) == normalizeWhitespace(judgeOutput) {
		return CheckerResult{Passed: false, Points: 0, Feedback: "Presentation Error, check your whitespace"}, nil
	}
	return CheckerResult{Passed: false, Points: 0}, nil
}

// standardChecker tolerates any difference in whitespace runs, matching
// dmoj checkers/standard.py's judge/process strip-then-compare contract
// extended to interior whitespace.
func standardChecker(procOutput, judgeOutput []byte, in CheckerInput) (CheckerResult, error) {
	if normalizeWhitespace(procOutput) == normalizeWhitespace(judgeOutput) {
		return CheckerResult{Passed: true, Points: in.PointValue}, nil
	}
	return CheckerResult{Passed: false, Points: 0}, nil
}

// normalizeWhitespace collapses runs of ASCII whitespace to a single space
// and trims the ends, so trailing newlines and column padding don't count
// as a wrong answer.
func normalizeWhitespace(b []byte) string {
	var out bytes.Buffer
	inSpace := false
	for _, c := range b {
		switch c {
		case ' ', '\t', '\n', '\r', '\v', '\f':
			inSpace = true
		default:
			if inSpace && out.Len() > 0 {
				out.WriteByte(' ')
			}
			inSpace = false
			out.WriteByte(c)
		}
	}
	return out.String()
}

// luaChecker runs a Lua script named by CheckerOptions["script"] as a
// sandboxed custom checker (spec.md §4.3 "pluggable custom checker"). The
// script receives process_output, judge_output, point_value as globals and
// must set globals passed/points/feedback before returning.
func luaChecker(procOutput, judgeOutput []byte, in CheckerInput) (CheckerResult, error) {
	scriptPath := in.Options["script"]
	if scriptPath == "" {
		return CheckerResult{}, &InternalError{Message: "custom checker: no script configured"}
	}
	src, err := os.ReadFile(scriptPath)
	if err != nil {
		return CheckerResult{}, &InternalError{Message: fmt.Sprintf("custom checker: %v", err)}
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	for _, pair := range []struct {
		n string
		f lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.TabLibName, lua.OpenTable},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(pair.f), NRet: 0, Protect: true}, lua.LString(pair.n)); err != nil {
			return CheckerResult{}, fmt.Errorf("custom checker: sandbox setup: %w", err)
		}
	}

	L.SetGlobal("process_output", lua.LString(procOutput))
	L.SetGlobal("judge_output", lua.LString(judgeOutput))
	L.SetGlobal("judge_input", lua.LString(in.JudgeInput))
	L.SetGlobal("point_value", lua.LNumber(in.PointValue))
	L.SetGlobal("submission_language", lua.LString(in.SubmissionLanguage))
	L.SetGlobal("execution_time", lua.LNumber(in.ExecutionTime))

	if err := L.DoString(string(src)); err != nil {
		return CheckerResult{}, fmt.Errorf("custom checker: %w", err)
	}

	passed := lua.LVAsBool(L.GetGlobal("passed"))
	points := in.PointValue
	if !passed {
		points = 0
	}
	if pv, ok := L.GetGlobal("points").(lua.LNumber); ok {
		points = float64(pv)
	}
	feedback := ""
	if fb, ok := L.GetGlobal("feedback").(lua.LString); ok {
		feedback = string(fb)
	}
	return CheckerResult{Passed: passed, Points: points, Feedback: feedback}, nil
}
