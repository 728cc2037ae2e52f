package core

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"
)

const heartbeatInterval = 5 * time.Second

// gradingJobsCap bounds how many submission ids a heartbeat names; the
// count field carries the rest.
const gradingJobsCap = 3

// HeartbeatState aggregates one worker process's grading activity for the
// periodic heartbeat: which submissions are inside the grader right now,
// how long the oldest has been there, and lifetime counters. The
// dispatcher reports starts and finishes; Start owns the publish loop.
type HeartbeatState struct {
	mu      sync.Mutex
	hb      WorkerHeartbeat
	grading map[string]time.Time // submission id -> grading start
}

func NewHeartbeatState(workerID, hostname string, concurrency int) *HeartbeatState {
	return &HeartbeatState{
		hb: WorkerHeartbeat{
			WorkerID:    workerID,
			Hostname:    hostname,
			PID:         os.Getpid(),
			Concurrency: concurrency,
			Status:      "starting",
			StartedAt:   time.Now(),
			GradingJobs: []string{},
		},
		grading: make(map[string]time.Time),
	}
}

// Start publishes one heartbeat immediately, then on every tick until ctx
// ends. Publish failures are dropped; the TTL makes a stale entry age out
// rather than block grading.
func (s *HeartbeatState) Start(ctx context.Context, client RedisClientRaw) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		hb := s.Snapshot()
		hb.UpdateRuntimeStats()
		_ = SaveHeartbeat(ctx, client, hb)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// JobStarted records a submission entering the grader.
func (s *HeartbeatState) JobStarted(submissionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grading[submissionID] = time.Now()
	s.refreshLocked()
}

// JobFinished records a submission leaving the grader.
func (s *HeartbeatState) JobFinished(submissionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grading, submissionID)
	s.hb.ProcessedTotal++
	if err != nil {
		s.hb.FailedTotal++
		s.hb.LastError = err.Error()
	}
	s.refreshLocked()
}

// Snapshot returns the current heartbeat with time-derived fields filled in.
func (s *HeartbeatState) Snapshot() WorkerHeartbeat {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	hb := s.hb
	hb.UptimeSeconds = int64(now.Sub(hb.StartedAt).Seconds())
	if oldest := s.oldestStartLocked(); !oldest.IsZero() {
		hb.LongestGradingMs = now.Sub(oldest).Milliseconds()
	}
	return hb
}

// refreshLocked rebuilds the derived grading fields. Ids are sorted so two
// snapshots of the same state name the same jobs.
func (s *HeartbeatState) refreshLocked() {
	ids := make([]string, 0, len(s.grading))
	for id := range s.grading {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > gradingJobsCap {
		ids = ids[:gradingJobsCap]
	}
	s.hb.GradingJobs = ids
	s.hb.GradingCount = len(s.grading)
	if len(s.grading) == 0 {
		s.hb.Status = "idle"
	} else {
		s.hb.Status = "busy"
	}
}

func (s *HeartbeatState) oldestStartLocked() time.Time {
	var oldest time.Time
	for _, started := range s.grading {
		if oldest.IsZero() || started.Before(oldest) {
			oldest = started
		}
	}
	return oldest
}
