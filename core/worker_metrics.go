package core

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	WorkerHeartbeatPrefix = "worker:heartbeat:"
	WorkerHeartbeatTTL    = 45 * time.Second
)

// WorkerHeartbeatKey returns the Redis key for a given worker ID.
func WorkerHeartbeatKey(id string) string {
	return WorkerHeartbeatPrefix + id
}

// WorkerHeartbeat is the liveness record each worker publishes to Redis on
// an interval. The TTL is nine missed beats; a key that outlives its worker
// ages out instead of haunting the status endpoint.
type WorkerHeartbeat struct {
	WorkerID         string    `json:"worker_id"`
	Hostname         string    `json:"hostname"`
	PID              int       `json:"pid"`
	Concurrency      int       `json:"concurrency"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	Status           string    `json:"status"` // idle|busy|starting
	GradingCount     int       `json:"grading_count"`
	GradingJobs      []string  `json:"grading_jobs,omitempty"` // submission ids, capped
	LongestGradingMs int64     `json:"longest_grading_ms,omitempty"`
	ProcessedTotal   int64     `json:"processed_total"`
	FailedTotal      int64     `json:"failed_total"`
	LastError        string    `json:"last_error,omitempty"`
	MemoryRSSBytes   uint64    `json:"memory_rss_bytes"`
	NumGoroutine     int       `json:"num_goroutine"`
	StartedAt        time.Time `json:"started_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UpdateRuntimeStats refreshes memory and goroutine figures. Sandboxed
// children are separate processes, so this is the worker's own footprint
// only; their memory is bounded by the per-job rlimit instead.
func (h *WorkerHeartbeat) UpdateRuntimeStats() {
	h.MemoryRSSBytes = residentSetBytes()
	h.NumGoroutine = runtime.NumGoroutine()
}

// residentSetBytes reads RSS from /proc/self/statm (field 2, in pages).
// The Go runtime's Sys total stands in where procfs is unavailable.
func residentSetBytes() uint64 {
	if data, err := os.ReadFile("/proc/self/statm"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 2 {
			if pages, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return pages * uint64(os.Getpagesize())
			}
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// SaveHeartbeat stamps and stores one heartbeat under the worker's key.
func SaveHeartbeat(ctx context.Context, client RedisClientRaw, hb WorkerHeartbeat) error {
	hb.UpdatedAt = time.Now()
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return client.Set(ctx, WorkerHeartbeatKey(hb.WorkerID), data, WorkerHeartbeatTTL).Err()
}

// ListWorkerHeartbeats returns every live heartbeat left in Redis.
func ListWorkerHeartbeats(ctx context.Context, client RedisClientRaw) ([]WorkerHeartbeat, error) {
	iter := client.Scan(ctx, 0, WorkerHeartbeatPrefix+"*", 100).Iterator()
	var out []WorkerHeartbeat
	for iter.Next(ctx) {
		data, err := client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue // expired between scan and get
		}
		var hb WorkerHeartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			continue
		}
		out = append(out, hb)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
