package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"DetMonitor/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	PID process.Process

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	PredictTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inference_requests_total",
		Help: "Inference requests by outcome",
	}, []string{"outcome"})
	SwitchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "model_switch_total",
		Help: "Model switch requests by outcome",
	}, []string{"outcome"})
	AlertPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "alert_polls_total",
		Help: "Alert feed polls by outcome",
	}, []string{"outcome"})
	FPS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inference_fps",
		Help: "Successful inference responses per second",
	})
	Risk = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "risk_level",
		Help: "Current risk indicator (0 none, 1 caution, 2 violation)",
	})
	ViewerClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "viewer_clients",
		Help: "Connected overlay viewers",
	})
	BackendUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_up",
		Help: "Last health probe result per backend (1 up, 0 down)",
	}, []string{"backend"})

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, PredictTotal, SwitchTotal, AlertPolls, FPS, Risk, ViewerClients, BackendUp)
}

// Handler serves the private registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func CheckProcessInfo() {
	if memInfo, err := PID.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := PID.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func GotPID() {
	PID = process.Process{Pid: int32(os.Getpid())}
}

// StartMon serves /metrics on port and samples process usage every 500ms
// until ctx is cancelled.
func StartMon(ctx context.Context, port int) {
	GotPID()
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("metrics server stopped", zap.Error(err))
		}
	}()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("metrics server shutdown", zap.Error(err))
	}
}
