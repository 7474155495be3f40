// Package api is the HTTP control surface: the buttons, model select and file
// input of an operator console, plus the viewer stream.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"DetMonitor/alert"
	"DetMonitor/capture"
	"DetMonitor/engine"
	"DetMonitor/health"
	"DetMonitor/logger"
	"DetMonitor/session"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxUpload = 20 << 20
)

type Session interface {
	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) error
	LoadStaticImage(ctx context.Context, data []byte) error
	SetModelVersion(ctx context.Context, version string) error
	ClearAlerts(ctx context.Context) error
	Snapshot() session.Snapshot
}

type Viewers interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	LatestJPEG() []byte
}

// NewRouter wires the control routes. probes is keyed by backend name.
func NewRouter(s Session, v Viewers, probes map[string]health.Checker) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(logger.Named("api")))

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/status", func(c *gin.Context) {
		out := gin.H{"data": s.Snapshot()}
		if c.Query("probe") == "1" {
			out["backends"] = probe(c.Request.Context(), probes)
		}
		c.JSON(http.StatusOK, out)
	})
	r.POST("/api/capture/start", func(c *gin.Context) {
		respond(c, s, s.StartCapture(c.Request.Context()))
	})
	r.POST("/api/capture/stop", func(c *gin.Context) {
		respond(c, s, s.StopCapture(c.Request.Context()))
	})
	r.POST("/api/image", func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
			return
		}
		if file.Size > maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, maxUpload))
		_ = f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respond(c, s, s.LoadStaticImage(c.Request.Context(), data))
	})
	r.POST("/api/model", func(c *gin.Context) {
		version := c.Query("version")
		if version == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "version is required"})
			return
		}
		respond(c, s, s.SetModelVersion(c.Request.Context(), version))
	})
	r.GET("/api/alerts", func(c *gin.Context) {
		snap := s.Snapshot()
		c.JSON(http.StatusOK, gin.H{"data": gin.H{
			"alerts":    snap.Alerts,
			"risk":      snap.Risk,
			"riskUntil": snap.RiskUntil,
		}})
	})
	r.POST("/api/alerts/clear", func(c *gin.Context) {
		respond(c, s, s.ClearAlerts(c.Request.Context()))
	})
	r.GET("/api/frame.jpg", func(c *gin.Context) {
		data := v.LatestJPEG()
		if data == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "image/jpeg", data)
	})
	r.GET("/ws", func(c *gin.Context) {
		v.ServeWS(c.Writer, c.Request)
	})
	return r
}

// respond answers a command with the resulting snapshot, or the mapped error.
func respond(c *gin.Context, s Session, err error) {
	if err != nil {
		c.JSON(StatusFor(err), gin.H{"error": err.Error(), "data": s.Snapshot()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.Snapshot()})
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrDeviceDenied):
		return http.StatusForbidden
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrCancelled), errors.Is(err, capture.ErrDeviceBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownModel), errors.Is(err, session.ErrNoImage),
		errors.Is(err, capture.ErrUndecodable), errors.Is(err, engine.ErrInvalidModel):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrBackendOffline), errors.Is(err, engine.ErrNetwork),
		errors.Is(err, engine.ErrBadResponse), errors.Is(err, alert.ErrFeedUnavailable),
		errors.Is(err, alert.ErrFeedMalformed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func probe(ctx context.Context, probes map[string]health.Checker) map[string]string {
	out := make(map[string]string, len(probes))
	for name, err := range health.CheckAll(ctx, probes) {
		if err != nil {
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	return out
}

func requestLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
