package core

import (
	"context"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ArtifactCache holds compiled binaries keyed by SHA-384(executor identity
// || source hash), so two submissions with identical source in the same
// language reuse one compiled artifact instead of recompiling (spec.md
// §4.2). A singleflight group collapses concurrent compiles that land on
// the same key into one, closing the "at-most-one compile per cache_key is
// not guaranteed" gap the reference source leaves open (spec.md §9).
type ArtifactCache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, CompiledInstance]
	group singleflight.Group
}

// NewArtifactCache builds a cache with room for capacity distinct
// (language, source) pairs. capacity <= 0 disables caching: every instance
// is compiled and cleaned up on its own.
func NewArtifactCache(capacity int) *ArtifactCache {
	if capacity <= 0 {
		return &ArtifactCache{}
	}
	l, _ := lru.NewWithEvict(capacity, func(key string, evicted CompiledInstance) {
		evicted.MarkCached(false)
		_ = evicted.Cleanup()
	})
	return &ArtifactCache{lru: l}
}

func cacheKeyString(executorIdentity string, sourceKey []byte) string {
	full := sourceHash(executorIdentity, sourceKey)
	return hex.EncodeToString(full)
}

// getIfFresh returns the cached instance for key if one exists AND its
// backing executable file is still present. If the file has been removed
// out from under the cache, the stale entry is evicted and getIfFresh
// reports a miss so the caller recompiles (spec.md §4.2: "if the cached
// executable file has been externally removed, miss and recompile").
func (c *ArtifactCache) getIfFresh(key string) (CompiledInstance, bool) {
	c.mu.Lock()
	hit, ok := c.lru.Get(key)
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if isFileExecutable(hit.ExecutablePath()) {
		return hit, true
	}
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
	return nil, false
}

// GetOrCompile returns a cached, already-compiled instance for key if one
// exists; otherwise it runs factory (typically Compile on a freshly created
// instance) exactly once per key even under concurrent callers, and admits
// the result to the cache. The returned instance must not be mutated by
// the caller — Cleanup on it is a caller-visible no-op while it's cached.
func (c *ArtifactCache) GetOrCompile(ctx context.Context, executorIdentity string, sourceKey []byte, factory func() (CompiledInstance, []byte, error)) (inst CompiledInstance, compileOutput []byte, cached bool, err error) {
	if c.lru == nil {
		inst, compileOutput, err = factory()
		return inst, compileOutput, false, err
	}

	key := cacheKeyString(executorIdentity, sourceKey)

	if hit, ok := c.getIfFresh(key); ok {
		return hit, nil, true, nil
	}

	type built struct {
		inst   CompiledInstance
		output []byte
		cached bool
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: another goroutine may have populated the cache while
		// this one waited to enter the singleflight call.
		if hit, ok := c.getIfFresh(key); ok {
			return built{inst: hit, cached: true}, nil
		}

		inst, output, ferr := factory()
		if ferr != nil {
			return nil, ferr
		}
		inst.MarkCached(true)
		c.mu.Lock()
		c.lru.Add(key, inst)
		c.mu.Unlock()
		return built{inst: inst, output: output}, nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	b := v.(built)
	return b.inst, b.output, b.cached, nil
}

// Remove evicts key, if present, cleaning up its backing directory.
func (c *ArtifactCache) Remove(executorIdentity string, sourceKey []byte) {
	if c.lru == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(cacheKeyString(executorIdentity, sourceKey))
}

// Len reports the number of artifacts currently cached.
func (c *ArtifactCache) Len() int {
	if c.lru == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
