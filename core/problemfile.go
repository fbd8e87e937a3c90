package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileProblemSource is the reference ProblemSource: each problem lives at
// <root>/<problem_id>/init.yml alongside its test-data files. Problems are
// looked up by id under the root derived from the configured glob; the
// glob itself is not expanded and directories are not enumerated (spec.md
// §1 names ProblemSource as an external collaborator; this is a working
// default so the core protocol can be exercised end to end).
type FileProblemSource struct {
	root string

	mu    sync.Mutex
	cache map[string]*Problem
}

// NewFileProblemSource derives the problem root directory from a glob
// pattern like "problem/*/" (spec.md §6 JUDGE_PROBLEM_GLOB) by taking
// everything before its first wildcard segment.
func NewFileProblemSource(glob string) *FileProblemSource {
	root := glob
	if idx := strings.IndexAny(glob, "*?["); idx >= 0 {
		root = filepath.Dir(glob[:idx])
	}
	if root == "" || root == "." {
		root = "problem"
	}
	return &FileProblemSource{root: root, cache: map[string]*Problem{}}
}

func (s *FileProblemSource) Load(problemID string) (*Problem, error) {
	s.mu.Lock()
	if p, ok := s.cache[problemID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	dir := filepath.Join(s.root, problemID)
	configPath := filepath.Join(dir, "init.yml")
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("problem %s: %w", problemID, err)
	}

	var doc problemYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("problem %s: parse init.yml: %w", problemID, err)
	}

	grader := GraderStandard
	if doc.Grader != "" {
		grader = GraderClass(doc.Grader)
	}

	problem := NewProblem(problemID, doc.TimeLimit, doc.MemoryLimit, doc.PretestOnly, grader, func() ([]TestCase, error) {
		return loadCasesFromYAML(dir, doc)
	})

	s.mu.Lock()
	s.cache[problemID] = &problem
	s.mu.Unlock()
	return &problem, nil
}

type problemYAML struct {
	TimeLimit   float64         `yaml:"time_limit"`
	MemoryLimit int64           `yaml:"memory_limit"`
	PretestOnly bool            `yaml:"pretest_only"`
	Grader      string          `yaml:"grader"`
	Cases       []caseYAML      `yaml:"cases"`
}

type caseYAML struct {
	// Plain case fields.
	In             string            `yaml:"in"`
	Out            string            `yaml:"out"`
	Points         float64           `yaml:"points"`
	Checker        string            `yaml:"checker"`
	CheckerOptions map[string]string `yaml:"checker_options"`
	Symlinks       map[string]string `yaml:"symlinks"`
	WallTimeFactor float64           `yaml:"wall_time_factor"`

	// Batch case fields; Batch > 0 and nested Cases means this entry is a
	// BatchCase rather than a PlainCase.
	Batch int        `yaml:"batch"`
	Cases []caseYAML `yaml:"cases"`
}

func loadCasesFromYAML(dir string, doc problemYAML) ([]TestCase, error) {
	var out []TestCase
	position := 0
	for _, entry := range doc.Cases {
		if entry.Batch > 0 {
			var inner []PlainCase
			for _, sub := range entry.Cases {
				position++
				pc, err := buildPlainCase(dir, sub, position)
				if err != nil {
					return nil, err
				}
				out0 := pc
				out0.Points = sub.Points
				inner = append(inner, out0)
			}
			sort.SliceStable(inner, func(i, j int) bool { return inner[i].Position < inner[j].Position })
			out = append(out, TestCase{Batch: &BatchCase{Number: entry.Batch, Cases: inner}})
			continue
		}
		position++
		pc, err := buildPlainCase(dir, entry, position)
		if err != nil {
			return nil, err
		}
		out = append(out, TestCase{Plain: &pc})
	}
	return out, nil
}

func buildPlainCase(dir string, c caseYAML, position int) (PlainCase, error) {
	input, err := os.ReadFile(filepath.Join(dir, c.In))
	if err != nil {
		return PlainCase{}, fmt.Errorf("case %d: read input: %w", position, err)
	}
	expected, err := os.ReadFile(filepath.Join(dir, c.Out))
	if err != nil {
		return PlainCase{}, fmt.Errorf("case %d: read expected output: %w", position, err)
	}
	return PlainCase{
		Position:       position,
		Input:          input,
		ExpectedOutput: expected,
		Points:         c.Points,
		Checker:        c.Checker,
		CheckerOptions: c.CheckerOptions,
		Symlinks:       c.Symlinks,
		WallTimeFactor: c.WallTimeFactor,
	}, nil
}
