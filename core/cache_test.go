package core

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

// mustBinary creates an empty, real file at dir/name so isFileExecutable's
// os.Stat check passes; cache-hit tests need a backing file that actually
// exists on disk now that a hit is verified fresh (spec.md §4.2).
func mustBinary(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/true\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

type fakeCompiled struct {
	id         int
	binaryPath string
	cached     bool
}

func (f *fakeCompiled) Launch(ctx context.Context, req LaunchRequest) (*ChildResult, error) {
	return &ChildResult{}, nil
}
func (f *fakeCompiled) Cleanup() error                               { return nil }
func (f *fakeCompiled) RuntimeVersions() ([]RuntimeVersion, error)   { return nil, nil }
func (f *fakeCompiled) PopulateResult(cr *ChildResult, result *Result) {}
func (f *fakeCompiled) WorkDir() string                              { return "" }
func (f *fakeCompiled) Compile(ctx context.Context) ([]byte, error)  { return nil, nil }
func (f *fakeCompiled) BinaryCacheKey() []byte                       { return nil }
func (f *fakeCompiled) ExecutablePath() string                       { return f.binaryPath }
func (f *fakeCompiled) MarkCached(v bool)                            { f.cached = v }
func (f *fakeCompiled) IsCached() bool                               { return f.cached }

func TestArtifactCacheReusesCompiledArtifact(t *testing.T) {
	cache := NewArtifactCache(10)
	var compileCount int32
	binPath := mustBinary(t, t.TempDir(), "judge-cached-binary")

	factory := func(id int) func() (CompiledInstance, []byte, error) {
		return func() (CompiledInstance, []byte, error) {
			atomic.AddInt32(&compileCount, 1)
			return &fakeCompiled{id: id, binaryPath: binPath}, nil, nil
		}
	}

	inst1, _, cached1, err := cache.GetOrCompile(context.Background(), "cpp", []byte("int main(){}"), factory(1))
	if err != nil {
		t.Fatalf("first compile: %v", err)
	}
	if cached1 {
		t.Fatalf("first compile should not be reported as a cache hit")
	}

	inst2, _, cached2, err := cache.GetOrCompile(context.Background(), "cpp", []byte("int main(){}"), factory(2))
	if err != nil {
		t.Fatalf("second compile: %v", err)
	}
	if !cached2 {
		t.Fatalf("second compile with identical (identity, source) must be a cache hit")
	}
	if inst1.ExecutablePath() != inst2.ExecutablePath() {
		t.Fatalf("cache hit must reuse the first executable path: %q vs %q", inst1.ExecutablePath(), inst2.ExecutablePath())
	}
	if atomic.LoadInt32(&compileCount) != 1 {
		t.Fatalf("expected exactly one compile invocation, got %d", compileCount)
	}
}

func TestArtifactCacheSingleflightCollapsesConcurrentCompiles(t *testing.T) {
	cache := NewArtifactCache(10)
	var compileCount int32
	start := make(chan struct{})
	binPath := mustBinary(t, t.TempDir(), "judge-singleflight-binary")

	factory := func() (CompiledInstance, []byte, error) {
		<-start
		atomic.AddInt32(&compileCount, 1)
		return &fakeCompiled{binaryPath: binPath}, nil, nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]CompiledInstance, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			inst, _, _, err := cache.GetOrCompile(context.Background(), "cpp", []byte("same source"), factory)
			if err != nil {
				t.Errorf("GetOrCompile: %v", err)
				return
			}
			results[i] = inst
		}(i)
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt32(&compileCount); got != 1 {
		t.Fatalf("expected the in-flight guard to allow exactly one compile, got %d", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("all concurrent callers must observe the same compiled instance")
		}
	}
}

func TestArtifactCacheDifferentSourceMisses(t *testing.T) {
	cache := NewArtifactCache(10)
	var compileCount int32
	factory := func() (CompiledInstance, []byte, error) {
		atomic.AddInt32(&compileCount, 1)
		return &fakeCompiled{binaryPath: "/tmp/judge-binary"}, nil, nil
	}

	if _, _, _, err := cache.GetOrCompile(context.Background(), "cpp", []byte("source a"), factory); err != nil {
		t.Fatalf("compile a: %v", err)
	}
	if _, _, _, err := cache.GetOrCompile(context.Background(), "cpp", []byte("source b"), factory); err != nil {
		t.Fatalf("compile b: %v", err)
	}
	if atomic.LoadInt32(&compileCount) != 2 {
		t.Fatalf("distinct sources must not share a cache entry")
	}
}

func TestArtifactCacheEvictionUncaches(t *testing.T) {
	cache := NewArtifactCache(1)
	var evicted *fakeCompiled

	factory := func(path string) func() (CompiledInstance, []byte, error) {
		return func() (CompiledInstance, []byte, error) {
			inst := &fakeCompiled{binaryPath: path}
			if evicted == nil {
				evicted = inst
			}
			return inst, nil, nil
		}
	}

	if _, _, _, err := cache.GetOrCompile(context.Background(), "cpp", []byte("source a"), factory("/tmp/a")); err != nil {
		t.Fatalf("compile a: %v", err)
	}
	if _, _, _, err := cache.GetOrCompile(context.Background(), "cpp", []byte("source b"), factory("/tmp/b")); err != nil {
		t.Fatalf("compile b: %v", err)
	}
	if evicted.IsCached() {
		t.Fatalf("eviction must mark the evicted instance as no longer cached")
	}
}

func TestArtifactCacheMissesWhenBinaryRemovedExternally(t *testing.T) {
	cache := NewArtifactCache(10)
	var compileCount int32
	binPath := mustBinary(t, t.TempDir(), "judge-stale-binary")

	factory := func() (CompiledInstance, []byte, error) {
		atomic.AddInt32(&compileCount, 1)
		return &fakeCompiled{binaryPath: binPath}, nil, nil
	}

	if _, _, cached, err := cache.GetOrCompile(context.Background(), "cpp", []byte("int main(){}"), factory); err != nil {
		t.Fatalf("first compile: %v", err)
	} else if cached {
		t.Fatalf("first compile should not be reported as a cache hit")
	}

	if err := os.Remove(binPath); err != nil {
		t.Fatalf("remove binary: %v", err)
	}

	inst, _, cached, err := cache.GetOrCompile(context.Background(), "cpp", []byte("int main(){}"), factory)
	if err != nil {
		t.Fatalf("second compile: %v", err)
	}
	if cached {
		t.Fatalf("a cache entry whose backing file was externally removed must miss and recompile")
	}
	if atomic.LoadInt32(&compileCount) != 2 {
		t.Fatalf("expected recompilation after the binary vanished, got %d compiles", compileCount)
	}
	if inst.ExecutablePath() != binPath {
		t.Fatalf("expected the recompiled instance to reuse the same path in this fake, got %q", inst.ExecutablePath())
	}
}
