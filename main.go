package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"DetMonitor/alert"
	"DetMonitor/api"
	"DetMonitor/camera"
	"DetMonitor/config"
	"DetMonitor/engine"
	"DetMonitor/health"
	"DetMonitor/hub"
	"DetMonitor/logger"
	"DetMonitor/monitor"
	"DetMonitor/session"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Development, cfg.LogLevel); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	fmt.Println(strings.Repeat("#", 64))
	fmt.Println(" Control Port:", cfg.ControlPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println(" Inference:   ", cfg.InferenceURL)
	fmt.Println(" Alert feed:  ", cfg.AlertURL)
	fmt.Println(" Model:       ", cfg.DefaultModel, "| View:", cfg.View)
	fmt.Println(strings.Repeat("#", 64))

	if err := run(cfg); err != nil {
		logger.Log().Error("exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	fmt.Println("Safely exited")
}

func run(cfg config.Config) error {
	log := logger.Named("main")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inference := engine.NewClient(cfg.InferenceURL, cfg.RequestTimeout())
	alerts := alert.NewClient(cfg.AlertURL, cfg.RequestTimeout())
	backends := map[string]health.Checker{
		"inference": inference,
		"alerts":    alerts,
	}
	for name, err := range health.CheckAll(ctx, backends) {
		if err != nil {
			log.Warn("backend not reachable at startup", zap.String("backend", name), zap.Error(err))
		}
	}

	viewers := hub.New()
	ctrl := session.New(cfg, session.Deps{
		Detector: inference,
		Alerts:   alerts,
		Open:     camera.Open,
		Sink:     viewers,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ControlPort),
		Handler: api.NewRouter(ctrl, viewers, backends),
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	keep := func(err error) {
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		viewers.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		keep(ctrl.Run(ctx))
	}()
	go func() {
		defer wg.Done()
		monitor.StartMon(ctx, cfg.MetricsPort)
	}()
	go health.Watch(ctx, clock.New(), health.DefaultInterval, backends, &wg)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("control server listening", zap.String("addr", srv.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			keep(fmt.Errorf("control server: %w", err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		keep(fmt.Errorf("control server shutdown: %w", err))
	}
	wg.Wait()
	log.Info("shutdown complete")
	return errs
}
