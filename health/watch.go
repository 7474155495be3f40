// Package health keeps an eye on the two backends the monitor depends on.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"DetMonitor/logger"
	"DetMonitor/monitor"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 5 * time.Second
	probeTimeout    = 2 * time.Second
)

type Checker interface {
	Health(ctx context.Context) error
}

// CheckAll probes every backend once, sequentially, in name order.
func CheckAll(ctx context.Context, checkers map[string]Checker) map[string]error {
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]error, len(checkers))
	for _, name := range names {
		out[name] = safeCheck(ctx, checkers[name])
	}
	return out
}

func safeCheck(ctx context.Context, c Checker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health probe panicked: %v", r)
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return c.Health(pctx)
}

// Watch probes the backends right away and then every interval until ctx is
// done, logging each up/down transition and exporting backend_up.
func Watch(ctx context.Context, clk clock.Clock, interval time.Duration, checkers map[string]Checker, wg *sync.WaitGroup) {
	defer wg.Done()
	log := logger.Named("health")
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	up := make(map[string]bool, len(checkers))
	probe := func() {
		for name, err := range CheckAll(ctx, checkers) {
			was, seen := up[name]
			up[name] = err == nil
			if err == nil {
				monitor.BackendUp.WithLabelValues(name).Set(1)
			} else {
				monitor.BackendUp.WithLabelValues(name).Set(0)
			}
			switch {
			case err != nil && (!seen || was):
				log.Warn("backend unreachable", zap.String("backend", name), zap.Error(err))
			case err == nil && seen && !was:
				log.Info("backend recovered", zap.String("backend", name))
			case err == nil && !seen:
				log.Info("backend reachable", zap.String("backend", name))
			}
		}
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			log.Info("health watch stopped")
			return
		case <-ticker.C:
			probe()
		}
	}
}
