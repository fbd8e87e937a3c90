package core

import "time"

// ResultFlag is a bitset over the verdict outcomes a Result can carry.
// Exactly one of AC, WA, SC, or a failure flag is set at emission time
// (spec.md §3 invariant).
type ResultFlag uint16

const (
	FlagAC ResultFlag = 1 << iota // accepted
	FlagWA                        // wrong answer
	FlagRTE                       // runtime error (non-zero exit)
	FlagTLE                       // time limit exceeded
	FlagMLE                       // memory limit exceeded
	FlagOLE                       // output limit exceeded
	FlagIR                        // invalid return / internal judging issue for this case
	FlagSC                        // short-circuited: skipped because an earlier case failed
)

func (f ResultFlag) Has(bit ResultFlag) bool { return f&bit != 0 }

// String renders the set bits in a stable order, e.g. "TLE" or "AC".
func (f ResultFlag) String() string {
	order := []struct {
		bit  ResultFlag
		name string
	}{
		{FlagAC, "AC"}, {FlagWA, "WA"}, {FlagRTE, "RTE"}, {FlagTLE, "TLE"},
		{FlagMLE, "MLE"}, {FlagOLE, "OLE"}, {FlagIR, "IR"}, {FlagSC, "SC"},
	}
	out := ""
	for _, o := range order {
		if f.Has(o.bit) {
			if out != "" {
				out += "|"
			}
			out += o.name
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// Submission is an immutable value describing a single grading request.
type Submission struct {
	ID            int64
	ProblemID     string
	Language      string
	Source        []byte
	TimeLimit     float64 // seconds
	MemoryLimit   int64   // kilobytes
	ShortCircuit  bool
	Meta          map[string]string
}

// GraderClass names the grading strategy a Problem opts into.
type GraderClass string

const (
	GraderStandard GraderClass = "standard"
)

// Problem is the definition a Submission is graded against. Cases() is
// lazy: implementations of ProblemSource may stream test data from disk
// or a database rather than holding it all in memory at once.
type Problem struct {
	ID            string
	TimeLimit     float64 // seconds, problem default
	MemoryLimit   int64   // kilobytes, problem default
	PretestOnly   bool
	Grader        GraderClass
	loadCases     func() ([]TestCase, error)
}

// NewProblem constructs a Problem bound to a lazy case loader.
func NewProblem(id string, timeLimit float64, memoryLimit int64, pretestOnly bool, grader GraderClass, loadCases func() ([]TestCase, error)) Problem {
	return Problem{
		ID:          id,
		TimeLimit:   timeLimit,
		MemoryLimit: memoryLimit,
		PretestOnly: pretestOnly,
		Grader:      grader,
		loadCases:   loadCases,
	}
}

// Cases returns the problem's flat list of top-level cases (which may
// themselves be Batched). The loader runs on every call; nothing is cached.
func (p *Problem) Cases() ([]TestCase, error) {
	if p.loadCases == nil {
		return nil, nil
	}
	return p.loadCases()
}

// TestCase is either a Plain case or a Batch of plain cases scored
// all-or-nothing. Exactly one of Plain/Batch is populated.
type TestCase struct {
	Batch *BatchCase
	Plain *PlainCase
}

// BatchCase groups inner Plain cases under one batch number; scoring is
// all-or-nothing within the batch (spec.md §3).
type BatchCase struct {
	Number int
	Cases  []PlainCase
}

// PlainCase is a single input/expected-output pair plus its grading
// parameters.
type PlainCase struct {
	Position       int
	Input          []byte
	ExpectedOutput []byte
	Points         float64
	Checker        string            // checker registry tag
	CheckerOptions map[string]string // opaque options passed to the checker
	Symlinks       map[string]string // workdir-relative src -> dst
	WallTimeFactor float64           // >= 1; wall deadline = factor * problem.TimeLimit
	BatchNumber    int               // 0 if not part of a batch
}

func (c *PlainCase) wallTimeFactorOrDefault() float64 {
	if c.WallTimeFactor < 1 {
		return 1
	}
	return c.WallTimeFactor
}

// flatCase is a case paired with the batch number it was flattened from
// (0 if not batched), used internally by the worker's grading loop.
type flatCase struct {
	batchNumber int // 0 means "not part of a batch"
	case_       PlainCase
}

// flattenCases expands batched cases into an ordered, batch-tagged
// sequence, matching dmoj's judge.py _grade_cases flattening step.
func flattenCases(cases []TestCase) []flatCase {
	var out []flatCase
	for _, tc := range cases {
		switch {
		case tc.Batch != nil:
			for _, inner := range tc.Batch.Cases {
				inner.BatchNumber = tc.Batch.Number
				out = append(out, flatCase{batchNumber: tc.Batch.Number, case_: inner})
			}
		case tc.Plain != nil:
			out = append(out, flatCase{batchNumber: 0, case_: *tc.Plain})
		}
	}
	return out
}

// Result is produced once per graded case.
type Result struct {
	CasePosition     int
	BatchNumber      int // 0 if not part of a batch
	ResultFlag       ResultFlag
	Points           float64
	ExecutionTime    float64 // seconds
	MaxMemory        int64   // kilobytes; 0 if unmeasured
	WallClockTime    float64 // seconds
	ProcOutput       []byte
	Feedback         string
	ExtendedFeedback string
	RuntimeVersion   string
}

// CompiledArtifact is a cache entry: a compiled executable bound to the
// working directory it was produced in.
type CompiledArtifact struct {
	CacheKey      string
	ExecutablePath string
	WorkDir        string
	CreatedAt      time.Time
}
