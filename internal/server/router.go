package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aurelia-labs/shotprep/internal/history"
)

type startRequest struct {
	Dataset string `json:"dataset" binding:"required"`
	OutRoot string `json:"out_root"`
	Profile string `json:"profile"`
}

// NewRouter builds the daemon's control surface.
func NewRouter(mgr *Manager, hist *history.Store, defaultOutRoot, defaultProfile string, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		active, res, last, lastErr := mgr.Status()
		body := gin.H{}
		if active != nil {
			body["active"] = active
			body["resource"] = res
		}
		if last != nil {
			body["last"] = last
		}
		if lastErr != nil {
			body["last_error"] = lastErr.Error()
		}
		c.JSON(http.StatusOK, body)
	})

	r.POST("/runs", func(c *gin.Context) {
		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.OutRoot == "" {
			req.OutRoot = defaultOutRoot
		}
		if req.Profile == "" {
			req.Profile = defaultProfile
		}
		runID, err := mgr.Start(req.Dataset, req.OutRoot, req.Profile)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		logger.Info("server.run.started", "run_id", runID, "dataset", req.Dataset)
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
	})

	r.POST("/runs/stop", func(c *gin.Context) {
		if mgr.Stop() {
			c.JSON(http.StatusAccepted, gin.H{"stopping": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopping": false, "reason": "no active run"})
	})

	r.GET("/runs", func(c *gin.Context) {
		if hist == nil {
			c.JSON(http.StatusOK, gin.H{"runs": []any{}})
			return
		}
		runs, err := hist.Runs(c.Request.Context(), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	})

	return r
}
