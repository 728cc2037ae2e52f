package core

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// WorkerStatus is the aggregate served by /status: this process's
// heartbeat, every live heartbeat found in Redis, and fleet totals summed
// from them.
type WorkerStatus struct {
	Self    WorkerHeartbeat   `json:"self"`
	Workers []WorkerHeartbeat `json:"workers"`
	Totals  FleetTotals       `json:"totals"`
}

// FleetTotals sums grading activity across every worker visible in Redis.
type FleetTotals struct {
	Workers        int    `json:"workers"`
	Grading        int    `json:"grading"`
	ProcessedTotal int64  `json:"processed_total"`
	FailedTotal    int64  `json:"failed_total"`
	MemoryRSSBytes uint64 `json:"memory_rss_bytes"`
}

// fleetTotals folds the listed heartbeats together. The local snapshot is
// counted once even when its own heartbeat has not reached Redis yet
// (startup, or Redis briefly down).
func fleetTotals(self WorkerHeartbeat, workers []WorkerHeartbeat) FleetTotals {
	var totals FleetTotals
	selfListed := false
	add := func(hb WorkerHeartbeat) {
		totals.Workers++
		totals.Grading += hb.GradingCount
		totals.ProcessedTotal += hb.ProcessedTotal
		totals.FailedTotal += hb.FailedTotal
		totals.MemoryRSSBytes += hb.MemoryRSSBytes
	}
	for _, hb := range workers {
		if hb.WorkerID == self.WorkerID {
			selfListed = true
		}
		add(hb)
	}
	if !selfListed {
		add(self)
	}
	return totals
}

// NewStatusRouter builds the worker's health/status HTTP surface.
func NewStatusRouter(state *HeartbeatState, redisClient RedisClientRaw) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		var st WorkerStatus
		st.Self = state.Snapshot()
		st.Self.UpdateRuntimeStats()
		if redisClient != nil {
			workers, err := ListWorkerHeartbeats(c.Request.Context(), redisClient)
			if err == nil {
				st.Workers = workers
			}
		}
		st.Totals = fleetTotals(st.Self, st.Workers)
		c.JSON(http.StatusOK, st)
	})

	return r
}

// RunStatusServer serves the router until ctx is canceled, then shuts down
// gracefully.
func RunStatusServer(ctx context.Context, port string, handler http.Handler) {
	srv := &http.Server{Addr: ":" + port, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("[status] server error: %v", err)
	}
}
