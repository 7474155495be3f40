package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	iface "DetMonitor/interface"
	"DetMonitor/logger"

	"go.uber.org/zap"
)

const readRetryDelay = 20 * time.Millisecond

// Live owns at most one open device at a time.
type Live struct {
	open   Opener
	mu     sync.Mutex
	active *Handle
}

func NewLive(open Opener) *Live {
	return &Live{open: open}
}

// Start acquires the device. The returned handle must be stopped; until then
// a second Start fails with ErrDeviceBusy.
func (l *Live) Start(ctx context.Context, c Constraints) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		return nil, ErrDeviceBusy
	}
	dev, err := l.open(ctx, c)
	if err != nil {
		if errors.Is(err, ErrDeviceDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceDenied, err)
	}
	h := &Handle{
		dev:   dev,
		owner: l,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	l.active = h
	go h.read()
	logger.Named("capture").Info("device acquired",
		zap.Int("device", c.DeviceID), zap.Int("width", c.Width), zap.Int("height", c.Height))
	return h, nil
}

// Active reports whether a device is currently held.
func (l *Live) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active != nil
}

func (l *Live) release(h *Handle) {
	l.mu.Lock()
	if l.active == h {
		l.active = nil
	}
	l.mu.Unlock()
}

// Handle is a scoped acquisition of a live device.
type Handle struct {
	dev   Device
	owner *Live

	mu     sync.RWMutex
	latest iface.Frame
	has    bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// read keeps only the newest frame; older frames are overwritten, never queued.
func (h *Handle) read() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		default:
		}
		f, err := h.dev.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Named("capture").Warn("device stream ended")
				return
			}
			logger.Named("capture").Debug("frame read failed", zap.Error(err))
			select {
			case <-h.stop:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		h.mu.Lock()
		h.latest = f
		h.has = true
		h.mu.Unlock()
	}
}

func (h *Handle) CurrentFrame() (iface.Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.has
}

// Stop releases the device. It is safe to call more than once and from any
// exit path; only the first call closes the device.
func (h *Handle) Stop() error {
	h.stopOnce.Do(func() {
		close(h.stop)
		<-h.done
		h.stopErr = h.dev.Close()
		h.owner.release(h)
		logger.Named("capture").Info("device released")
	})
	return h.stopErr
}
