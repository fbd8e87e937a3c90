package core

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	heartbeatKeyPrefix = "judge:supervisor:"
	heartbeatTTL       = 45 * time.Second
	heartbeatInterval  = 5 * time.Second
)

func heartbeatKey(supervisorID string) string { return heartbeatKeyPrefix + supervisorID }

// RedisClientRaw is the subset of *redis.Client the heartbeat publisher
// is handed, kept as an interface so tests can substitute miniredis or a
// fake. The publisher itself only calls Set.
type RedisClientRaw interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// SupervisorHeartbeat is the liveness blob a supervisor publishes to Redis
// under a TTL'd key. This is a fan-out status signal only — the engine has
// no persistent submission queue (spec.md §1 Non-goals), so there is
// nothing here resembling a job list to reserve or ack.
type SupervisorHeartbeat struct {
	SupervisorID    string    `json:"supervisor_id"`
	Hostname        string    `json:"hostname"`
	PID             int       `json:"pid"`
	Status          string    `json:"status"` // idle|grading|starting
	CurrentSubmit   int64     `json:"current_submission_id,omitempty"`
	ProcessedTotal  int64     `json:"processed_total"`
	FailedTotal     int64     `json:"failed_total"`
	LastError       string    `json:"last_error,omitempty"`
	MemoryRSSBytes  uint64    `json:"memory_rss_bytes"`
	NumGoroutine    int       `json:"num_goroutine"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HeartbeatPublisher periodically flushes a SupervisorHeartbeat to Redis,
// adapted from the worker fleet's heartbeat_state/worker_metrics pair to
// a single always-on supervisor rather than a concurrent worker pool.
type HeartbeatPublisher struct {
	mu sync.Mutex
	hb SupervisorHeartbeat
}

func NewHeartbeatPublisher(supervisorID, hostname string) *HeartbeatPublisher {
	now := time.Now()
	return &HeartbeatPublisher{hb: SupervisorHeartbeat{
		SupervisorID: supervisorID,
		Hostname:     hostname,
		PID:          os.Getpid(),
		Status:       "starting",
		StartedAt:    now,
		UpdatedAt:    now,
	}}
}

// Run blocks, flushing on heartbeatInterval until ctx is canceled.
func (p *HeartbeatPublisher) Run(ctx context.Context, client RedisClientRaw) {
	p.flush(ctx, client)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(ctx, client)
		}
	}
}

// GradingStarted marks the publisher busy with submissionID.
func (p *HeartbeatPublisher) GradingStarted(submissionID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hb.Status = "grading"
	p.hb.CurrentSubmit = submissionID
}

// GradingFinished records a completed submission and clears busy state.
func (p *HeartbeatPublisher) GradingFinished(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hb.Status = "idle"
	p.hb.CurrentSubmit = 0
	p.hb.ProcessedTotal++
	if err != nil {
		p.hb.FailedTotal++
		p.hb.LastError = err.Error()
	}
}

// Snapshot returns a copy of the current heartbeat state, used by the
// introspection server's /status endpoint.
func (p *HeartbeatPublisher) Snapshot() SupervisorHeartbeat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hb
}

func (p *HeartbeatPublisher) flush(ctx context.Context, client RedisClientRaw) {
	p.mu.Lock()
	p.hb.UpdatedAt = time.Now()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	p.hb.MemoryRSSBytes = ms.Sys
	p.hb.NumGoroutine = runtime.NumGoroutine()
	hbCopy := p.hb
	p.mu.Unlock()

	data, err := json.Marshal(hbCopy)
	if err != nil {
		return
	}
	_ = client.Set(ctx, heartbeatKey(hbCopy.SupervisorID), data, heartbeatTTL).Err()
}
