package core

import (
	"context"
	"crypto/sha512"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// NewDefaultRegistry builds the Registry shipped by default, adapted from
// the language table the teacher's judge_client.go hard-coded for its
// go-judge HTTP backend (judgeLangConfigs), but driving os/exec directly
// instead of a remote sandbox service.
func NewDefaultRegistry(cfg *Config) *Registry {
	r := NewRegistry()
	r.Register(&compiledRecipe{
		tag:        "c",
		sourceName: "submission.c",
		binaryName: "c.out",
		command:    "gcc",
		path:       cfg.runtimePath("c", "gcc"),
		compileArgs: func(sourceFile, outBinary string) []string {
			return []string{sourceFile, "-O2", "-static", "-lm", "-o", outBinary}
		},
		versionArgs: []string{"--version"},
		cfg:         cfg,
	})
	r.Register(&compiledRecipe{
		tag:        "cpp",
		sourceName: "submission.cpp",
		binaryName: "cpp.out",
		command:    "g++",
		path:       cfg.runtimePath("cpp", "g++"),
		compileArgs: func(sourceFile, outBinary string) []string {
			return []string{sourceFile, "-O2", "-static", "-std=c++17", "-o", outBinary}
		},
		versionArgs: []string{"--version"},
		cfg:         cfg,
	})
	r.Register(&interpretedRecipe{
		tag:         "python3",
		sourceName:  "submission.py",
		command:     "python3",
		path:        cfg.runtimePath("python3", "python3"),
		runArgs:     func(sourceFile string) []string { return []string{sourceFile} },
		versionArgs: []string{"--version"},
		unbuffered:  true,
	})
	r.Register(&javaRecipe{
		javacPath: cfg.runtimePath("javac", "javac"),
		javaPath:  cfg.runtimePath("java", "java"),
		cfg:       cfg,
	})
	return r
}

// runtimePath resolves a language's toolchain binary: an operator override
// via JUDGE_RUNTIME_<LANG> if set, else the bare command name looked up on
// PATH at call time (spec.md §6).
func (c *Config) runtimePath(lang, fallback string) string {
	if c != nil {
		if p, ok := c.Runtime[lang]; ok && p != "" {
			return p
		}
	}
	return fallback
}

func sourceHash(tag string, source []byte) []byte {
	h := sha512.New384()
	h.Write([]byte(tag))
	h.Write([]byte{0})
	h.Write(source)
	return h.Sum(nil)
}

// populateResultFromChild folds a ChildResult into the shared flag/timing
// fields every executor variant reports the same way (spec.md §4.1
// populate_result).
func populateResultFromChild(cr *ChildResult, result *Result) {
	result.ExecutionTime = cr.ExecutionTime
	result.WallClockTime = cr.ExecutionTime
	result.ProcOutput = cr.Stdout
	switch {
	case cr.IsTLE:
		result.ResultFlag |= FlagTLE
	case cr.OLE:
		result.ResultFlag |= FlagOLE
		result.ExtendedFeedback = (&OutputLimitExceeded{Stream: cr.OLEStream}).Error()
	case cr.ExitCode != 0:
		result.ResultFlag |= FlagRTE
		if len(cr.Stderr) > 0 {
			result.ExtendedFeedback = string(cr.Stderr)
		}
	}
}

// --- compiled: single-stage (gcc, g++) ---

type compiledRecipe struct {
	tag         string
	sourceName  string
	binaryName  string
	command     string
	path        string
	compileArgs func(sourceFile, outBinary string) []string
	versionArgs []string
	cfg         *Config
}

func (r *compiledRecipe) Tag() string { return r.tag }

func (r *compiledRecipe) Create(problemID string, source []byte, opts CreateOptions) (ExecutorInstance, error) {
	workDir, err := os.MkdirTemp("", "judge-"+r.tag+"-")
	if err != nil {
		return nil, fmt.Errorf("%s: workdir: %w", r.tag, err)
	}
	sourceFile := filepath.Join(workDir, r.sourceName)
	if err := os.WriteFile(sourceFile, source, 0o644); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("%s: write source: %w", r.tag, err)
	}
	return &compiledInstance{
		recipe:     r,
		workDir:    workDir,
		sourceFile: sourceFile,
		binaryPath: filepath.Join(workDir, r.binaryName),
		cacheKey:   sourceHash(r.tag+":"+r.path, source),
	}, nil
}

type compiledInstance struct {
	recipe     *compiledRecipe
	workDir    string
	sourceFile string
	binaryPath string
	cacheKey   []byte
	cached     bool
}

func (ci *compiledInstance) Compile(ctx context.Context) ([]byte, error) {
	cmd := exec.Command(ci.recipe.path, ci.recipe.compileArgs(ci.sourceFile, ci.binaryPath)...)
	cmd.Dir = ci.workDir
	cmd.Env = childEnv(false)

	cfg := ci.recipe.cfg
	cr, err := runChild(ctx, cmd, LaunchRequest{
		WallTime:  float64(cfg.CompilerTimeLimitSec),
		StdoutCap: int64(cfg.CompilerOutputCharCap),
		StderrCap: int64(cfg.CompilerOutputCharCap),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: compile: %w", ci.recipe.tag, err)
	}
	output := append(append([]byte{}, cr.Stdout...), cr.Stderr...)
	if cr.IsTLE {
		return nil, &CompileError{Output: append(output, []byte("\ncompiler timed out")...)}
	}
	if cr.ExitCode != 0 {
		return nil, &CompileError{Output: output}
	}
	if !isFileExecutable(ci.binaryPath) {
		return nil, &CompileError{Output: append(output, []byte("\nno executable produced")...)}
	}
	return output, nil // non-empty output with exit 0 is a compile warning
}

func (ci *compiledInstance) BinaryCacheKey() []byte { return ci.cacheKey }
func (ci *compiledInstance) ExecutablePath() string { return ci.binaryPath }
func (ci *compiledInstance) MarkCached(v bool)       { ci.cached = v }
func (ci *compiledInstance) IsCached() bool          { return ci.cached }
func (ci *compiledInstance) WorkDir() string         { return ci.workDir }

func (ci *compiledInstance) Launch(ctx context.Context, req LaunchRequest) (*ChildResult, error) {
	if err := setupSymlinks(ci.workDir, req.Symlinks); err != nil {
		return nil, err
	}
	cmd := exec.Command(ci.binaryPath)
	cmd.Dir = ci.workDir
	cmd.Env = childEnv(false)
	return runChild(ctx, cmd, req)
}

func (ci *compiledInstance) Cleanup() error {
	if ci.cached {
		return nil
	}
	return os.RemoveAll(ci.workDir)
}

func (ci *compiledInstance) RuntimeVersions() ([]RuntimeVersion, error) {
	return probeRuntimeVersions(ci.recipe.tag, []struct{ Name, Path string }{
		{Name: ci.recipe.command, Path: ci.recipe.path},
	}, ci.recipe.versionArgs), nil
}

func (ci *compiledInstance) PopulateResult(cr *ChildResult, result *Result) {
	populateResultFromChild(cr, result)
}

// --- interpreted (python3) ---

type interpretedRecipe struct {
	tag         string
	sourceName  string
	command     string
	path        string
	runArgs     func(sourceFile string) []string
	versionArgs []string
	unbuffered  bool
}

func (r *interpretedRecipe) Tag() string { return r.tag }

func (r *interpretedRecipe) Create(problemID string, source []byte, opts CreateOptions) (ExecutorInstance, error) {
	workDir, err := os.MkdirTemp("", "judge-"+r.tag+"-")
	if err != nil {
		return nil, fmt.Errorf("%s: workdir: %w", r.tag, err)
	}
	sourceFile := filepath.Join(workDir, r.sourceName)
	if err := os.WriteFile(sourceFile, source, 0o644); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("%s: write source: %w", r.tag, err)
	}
	return &interpretedInstance{recipe: r, workDir: workDir, sourceFile: sourceFile}, nil
}

type interpretedInstance struct {
	recipe     *interpretedRecipe
	workDir    string
	sourceFile string
}

func (ii *interpretedInstance) Launch(ctx context.Context, req LaunchRequest) (*ChildResult, error) {
	if err := setupSymlinks(ii.workDir, req.Symlinks); err != nil {
		return nil, err
	}
	cmd := exec.Command(ii.recipe.path, ii.recipe.runArgs(ii.sourceFile)...)
	cmd.Dir = ii.workDir
	cmd.Env = childEnv(ii.recipe.unbuffered)
	return runChild(ctx, cmd, req)
}

func (ii *interpretedInstance) Cleanup() error { return os.RemoveAll(ii.workDir) }

func (ii *interpretedInstance) RuntimeVersions() ([]RuntimeVersion, error) {
	return probeRuntimeVersions(ii.recipe.tag, []struct{ Name, Path string }{
		{Name: ii.recipe.command, Path: ii.recipe.path},
	}, ii.recipe.versionArgs), nil
}

func (ii *interpretedInstance) PopulateResult(cr *ChildResult, result *Result) {
	populateResultFromChild(cr, result)
}

func (ii *interpretedInstance) WorkDir() string { return ii.workDir }

// --- compiled: two-stage (java) ---

type javaRecipe struct {
	javacPath string
	javaPath  string
	cfg       *Config
}

func (r *javaRecipe) Tag() string { return "java" }

const javaMainClass = "Main"

func (r *javaRecipe) Create(problemID string, source []byte, opts CreateOptions) (ExecutorInstance, error) {
	workDir, err := os.MkdirTemp("", "judge-java-")
	if err != nil {
		return nil, fmt.Errorf("java: workdir: %w", err)
	}
	sourceFile := filepath.Join(workDir, javaMainClass+".java")
	if err := os.WriteFile(sourceFile, source, 0o644); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("java: write source: %w", err)
	}
	return &javaInstance{
		recipe:     r,
		workDir:    workDir,
		sourceFile: sourceFile,
		cacheKey:   sourceHash("java:"+r.javacPath, source),
	}, nil
}

type javaInstance struct {
	recipe     *javaRecipe
	workDir    string
	sourceFile string
	cacheKey   []byte
	cached     bool
}

func (ji *javaInstance) Compile(ctx context.Context) ([]byte, error) {
	cmd := exec.Command(ji.recipe.javacPath, "-d", ji.workDir, ji.sourceFile)
	cmd.Dir = ji.workDir
	cmd.Env = childEnv(false)

	cfg := ji.recipe.cfg
	cr, err := runChild(ctx, cmd, LaunchRequest{
		WallTime:  float64(cfg.CompilerTimeLimitSec),
		StdoutCap: int64(cfg.CompilerOutputCharCap),
		StderrCap: int64(cfg.CompilerOutputCharCap),
	})
	if err != nil {
		return nil, fmt.Errorf("java: compile: %w", err)
	}
	output := append(append([]byte{}, cr.Stdout...), cr.Stderr...)
	if cr.IsTLE {
		return nil, &CompileError{Output: append(output, []byte("\ncompiler timed out")...)}
	}
	if cr.ExitCode != 0 {
		return nil, &CompileError{Output: output}
	}
	if !isFileExecutable(filepath.Join(ji.workDir, javaMainClass+".class")) {
		return nil, &CompileError{Output: append(output, []byte("\nno class file produced")...)}
	}
	return output, nil
}

func (ji *javaInstance) BinaryCacheKey() []byte { return ji.cacheKey }
func (ji *javaInstance) ExecutablePath() string { return filepath.Join(ji.workDir, javaMainClass+".class") }
func (ji *javaInstance) MarkCached(v bool)       { ji.cached = v }
func (ji *javaInstance) IsCached() bool          { return ji.cached }
func (ji *javaInstance) WorkDir() string         { return ji.workDir }

func (ji *javaInstance) Launch(ctx context.Context, req LaunchRequest) (*ChildResult, error) {
	if err := setupSymlinks(ji.workDir, req.Symlinks); err != nil {
		return nil, err
	}
	heapCap := "-Xmx256m"
	if req.MemoryLimit > 0 {
		heapCap = fmt.Sprintf("-Xmx%dk", req.MemoryLimit)
	}
	cmd := exec.Command(ji.recipe.javaPath, "-cp", ji.workDir, heapCap, "-XX:+UseSerialGC", javaMainClass)
	cmd.Dir = ji.workDir
	cmd.Env = childEnv(false)
	return runChild(ctx, cmd, req)
}

func (ji *javaInstance) Cleanup() error {
	if ji.cached {
		return nil
	}
	return os.RemoveAll(ji.workDir)
}

func (ji *javaInstance) RuntimeVersions() ([]RuntimeVersion, error) {
	return probeRuntimeVersions("java", []struct{ Name, Path string }{
		{Name: "javac", Path: ji.recipe.javacPath},
		{Name: "java", Path: ji.recipe.javaPath},
	}, []string{"-version"}), nil
}

func (ji *javaInstance) PopulateResult(cr *ChildResult, result *Result) {
	populateResultFromChild(cr, result)
}
