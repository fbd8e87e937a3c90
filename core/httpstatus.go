package core

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewIntrospectionRouter builds the minimal HTTP surface an embedding
// operator uses to watch one supervisor: liveness and a point-in-time
// status snapshot. There is deliberately no submission-submit endpoint
// here — grading is driven by BeginGrading from in-process Go callers, not
// over HTTP (spec.md §1 Non-goals: no network service layer for the core
// protocol itself).
func NewIntrospectionRouter(sup *Supervisor, hb *HeartbeatPublisher, startedAt time.Time) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		queueDepth := 0
		currentSubmission := sup.CurrentSubmission()
		if currentSubmission != nil {
			queueDepth = 1
		}

		resp := gin.H{
			"queue_depth":        queueDepth,
			"current_submission": currentSubmission,
			"uptime_seconds":     int64(time.Since(startedAt).Seconds()),
		}
		if hb != nil {
			snap := hb.Snapshot()
			resp["processed_total"] = snap.ProcessedTotal
			resp["failed_total"] = snap.FailedTotal
			resp["status"] = snap.Status
			resp["last_error"] = snap.LastError
		}
		c.JSON(http.StatusOK, resp)
	})

	return r
}
