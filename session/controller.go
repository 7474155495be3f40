// Package session is the mode controller. All mutable session state is owned
// by the goroutine running Controller.Run; commands, timers and I/O
// completions reach it as events on a single queue.
package session

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"DetMonitor/alert"
	"DetMonitor/capture"
	"DetMonitor/config"
	iface "DetMonitor/interface"
	"DetMonitor/logger"
	"DetMonitor/monitor"
	"DetMonitor/render"
	"DetMonitor/sampler"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Controller struct {
	cfg      config.Config
	det      iface.Detector
	feed     iface.AlertFeed
	live     *capture.Live
	renderer *render.Renderer
	sink     Sink
	clk      clock.Clock
	log      *zap.Logger

	events chan func()
	done   chan struct{}
	snap   atomic.Pointer[Snapshot]

	// Everything below is touched only by the Run goroutine.
	runCtx  context.Context
	queued  []func()
	replies []func()
	mode    iface.SessionMode
	modeGen uint64
	loop    *sampler.Loop

	handle        *capture.Handle
	released      chan struct{}
	starting      bool
	startWaiters  []func(error)
	static        *capture.Static
	pendingStatic bool
	staticWaiters []func(error)

	alerts    *alert.Monitor
	alertGen  uint64
	polling   bool
	clearing  int
	riskToken uint64
	riskTimer *clock.Timer

	published *Snapshot
}

func New(cfg config.Config, deps Deps) *Controller {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	c := &Controller{
		cfg:      cfg,
		det:      deps.Detector,
		feed:     deps.Alerts,
		live:     capture.NewLive(deps.Open),
		renderer: render.New(cfg.View, cfg.RestrictedItems),
		sink:     deps.Sink,
		clk:      clk,
		log:      logger.Named("session"),
		events:   make(chan func(), eventQueueSize),
		done:     make(chan struct{}),
		mode:     iface.SessionMode{Capture: iface.CaptureIdle, ModelVersion: cfg.DefaultModel},
		loop:     sampler.New(),
		alerts:   alert.NewMonitor(cfg.Dwell(), cfg.Alerts.CautionMarkers),
	}
	c.refresh()
	return c
}

// Run processes events until ctx is done, then releases the capture device.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	poll := c.clk.Ticker(c.cfg.PollInterval())
	defer poll.Stop()

	c.log.Info("session started",
		zap.String("model", c.mode.ModelVersion), zap.String("view", c.cfg.View))
	for {
		select {
		case <-ctx.Done():
			close(c.done)
			return c.shutdown()
		case fn := <-c.events:
			fn()
		case <-poll.C:
			c.pollAlerts()
		}
		for len(c.queued) > 0 {
			fn := c.queued[0]
			c.queued = c.queued[1:]
			fn()
		}
		c.refresh()
		c.flushReplies()
	}
}

// flushReplies answers the commands settled by the last event, after the
// snapshot reflects them.
func (c *Controller) flushReplies() {
	for _, r := range c.replies {
		r()
	}
	c.replies = c.replies[:0]
}

func (c *Controller) shutdown() error {
	var err error
	c.loop.Disarm()
	if c.riskTimer != nil {
		c.riskTimer.Stop()
	}
	if c.handle != nil {
		err = multierr.Append(err, c.handle.Stop())
		c.handle = nil
	}
	if c.released != nil {
		<-c.released
	}
	for _, w := range c.startWaiters {
		w(ErrClosed)
	}
	for _, w := range c.staticWaiters {
		w(ErrClosed)
	}
	c.flushReplies()
	c.log.Info("session stopped")
	return err
}

// Snapshot returns the state as of the last processed event.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// post hands fn to the Run goroutine. It is used by timers and I/O goroutines
// and reports false once the session is closed.
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the Run goroutine and waits for it to invoke reply, which
// may happen later from a completion event. reply must be called on the Run
// goroutine; the caller sees the result once the snapshot is refreshed.
func (c *Controller) call(ctx context.Context, fn func(reply func(error))) error {
	res := make(chan error, 1)
	ev := func() {
		fn(func(err error) {
			c.replies = append(c.replies, func() { res <- err })
		})
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

func (c *Controller) enqueue(fn func()) {
	c.queued = append(c.queued, fn)
}

// StartCapture acquires the camera and arms the sampling loop. It is a no-op
// while live capture is already running.
func (c *Controller) StartCapture(ctx context.Context) error {
	return c.call(ctx, func(reply func(error)) {
		switch {
		case c.mode.Switching:
			reply(ErrBusy)
			return
		case c.mode.Capture == iface.CaptureLive:
			reply(nil)
			return
		case c.starting:
			c.startWaiters = append(c.startWaiters, reply)
			return
		}
		c.leaveMode()
		c.starting = true
		c.startWaiters = append(c.startWaiters, reply)
		gen := c.modeGen
		prev := c.released
		done := make(chan struct{})
		c.released = done
		constraints := capture.Constraints{
			DeviceID: c.cfg.Camera.DeviceID,
			Width:    c.cfg.Camera.Width,
			Height:   c.cfg.Camera.Height,
		}
		go c.openDevice(gen, constraints, prev, done)
	})
}

// openDevice runs the device open after the previous device operation has
// finished. A handle the session no longer wants is stopped here, before done
// is closed, so the next open never finds the device held.
func (c *Controller) openDevice(gen uint64, constraints capture.Constraints, prev, done chan struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	h, err := c.live.Start(c.runCtx, constraints)
	keep := make(chan bool, 1)
	if !c.post(func() { keep <- c.captureStarted(gen, h, err) }) {
		keep <- false
	}
	kept := false
	select {
	case kept = <-keep:
	case <-c.done:
	}
	if h != nil && !kept {
		_ = h.Stop()
	}
}

// captureStarted reports whether the session took ownership of h.
func (c *Controller) captureStarted(gen uint64, h *capture.Handle, err error) bool {
	if gen != c.modeGen {
		return false
	}
	c.starting = false
	waiters := c.startWaiters
	c.startWaiters = nil
	defer func() {
		for _, w := range waiters {
			w(err)
		}
	}()
	if err != nil {
		c.log.Warn("capture start failed", zap.Error(err))
		return false
	}
	c.handle = h
	c.mode.Capture = iface.CaptureLive
	if !c.mode.Switching {
		c.loop.Arm(c.clk.Now())
		c.enqueue(c.tickNow)
	}
	c.log.Info("live capture started")
	return true
}

// StopCapture halts the loop and releases the device. Responses still on the
// wire are discarded when they arrive.
func (c *Controller) StopCapture(ctx context.Context) error {
	return c.call(ctx, func(reply func(error)) {
		c.leaveMode()
		reply(nil)
	})
}

// leaveMode ends the current capture mode, whatever it is, and bumps the mode
// generation so that pending opens and decodes are dropped.
func (c *Controller) leaveMode() {
	c.modeGen++
	c.loop.Disarm()
	c.loop.Reset()
	if c.starting {
		for _, w := range c.startWaiters {
			w(ErrCancelled)
		}
		c.startWaiters = nil
		c.starting = false
	}
	if c.handle != nil {
		c.releaseHandle(c.handle)
		c.handle = nil
		c.log.Info("live capture stopped")
	}
	c.static = nil
	c.pendingStatic = false
	for _, w := range c.staticWaiters {
		w(ErrCancelled)
	}
	c.staticWaiters = nil
	c.mode.Capture = iface.CaptureIdle
}

// releaseHandle stops h off the event goroutine. The next device open waits
// for it so that two handles never coexist.
func (c *Controller) releaseHandle(h *capture.Handle) {
	done := make(chan struct{})
	prev := c.released
	c.released = done
	go func() {
		if prev != nil {
			<-prev
		}
		if err := h.Stop(); err != nil {
			c.log.Warn("device close failed", zap.Error(err))
		}
		close(done)
	}()
}

// LoadStaticImage stops live capture, decodes data and runs one inference
// pass over it. It returns once that pass has settled.
func (c *Controller) LoadStaticImage(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return ErrNoImage
	}
	return c.call(ctx, func(reply func(error)) {
		if c.mode.Switching {
			reply(ErrBusy)
			return
		}
		c.leaveMode()
		gen := c.modeGen
		go func() {
			s, err := capture.LoadStatic(data)
			c.post(func() { c.staticDecoded(gen, s, err, reply) })
		}()
	})
}

func (c *Controller) staticDecoded(gen uint64, s *capture.Static, err error, reply func(error)) {
	if gen != c.modeGen {
		reply(ErrCancelled)
		return
	}
	if err != nil {
		reply(err)
		return
	}
	c.static = s
	c.mode.Capture = iface.CaptureStatic
	frame, _ := s.CurrentFrame()
	c.publishOverlay(frame, nil)
	c.staticWaiters = append(c.staticWaiters, reply)
	c.runStatic()
}

// runStatic requests the single inference pass of the static image. It is
// deferred while another request is outstanding or a switch is running.
func (c *Controller) runStatic() {
	if c.static == nil {
		return
	}
	c.pendingStatic = true
	c.tryStatic()
}

func (c *Controller) tryStatic() {
	if !c.pendingStatic || c.static == nil || c.mode.Switching {
		return
	}
	t, ok := c.loop.Begin(sampler.KindStatic, c.clk.Now())
	if !ok {
		return
	}
	c.pendingStatic = false
	frame, _ := c.static.CurrentFrame()
	c.submit(t, frame)
}

// SetModelVersion halts the loop, asks the backend to switch and resumes live
// sampling afterwards whether or not the switch succeeded.
func (c *Controller) SetModelVersion(ctx context.Context, version string) error {
	if !c.cfg.HasModel(version) {
		return ErrUnknownModel
	}
	return c.call(ctx, func(reply func(error)) {
		if c.mode.Switching {
			reply(ErrBusy)
			return
		}
		c.mode.Switching = true
		c.loop.Disarm()
		c.log.Info("switching model", zap.String("from", c.mode.ModelVersion), zap.String("to", version))
		go func() {
			sctx, cancel := context.WithTimeout(c.runCtx, c.cfg.RequestTimeout())
			err := c.det.SwitchModel(sctx, version)
			cancel()
			c.post(func() { c.modelSwitched(version, err, reply) })
		}()
	})
}

func (c *Controller) modelSwitched(version string, err error, reply func(error)) {
	c.mode.Switching = false
	if err != nil {
		c.log.Warn("model switch failed", zap.String("version", version), zap.Error(err))
	} else {
		c.mode.ModelVersion = version
		c.loop.Reset()
		if c.static != nil {
			frame, _ := c.static.CurrentFrame()
			c.publishOverlay(frame, nil)
			c.runStatic()
		}
	}
	c.tryStatic()
	if c.mode.Capture == iface.CaptureLive && c.handle != nil {
		c.loop.Arm(c.clk.Now())
		c.enqueue(c.tickNow)
	}
	reply(err)
}

func (c *Controller) tickNow() {
	c.tick(c.loop.Schedule())
}

func (c *Controller) scheduleTick(d time.Duration) {
	tok := c.loop.Schedule()
	c.clk.AfterFunc(d, func() {
		c.post(func() { c.tick(tok) })
	})
}

func (c *Controller) tick(token uint64) {
	var frame iface.Frame
	ready := false
	if c.handle != nil {
		frame, ready = c.handle.CurrentFrame()
	}
	switch c.loop.Tick(token, ready) {
	case sampler.WaitFrame:
		c.scheduleTick(c.cfg.FrameWait())
	case sampler.RenderOnly:
		c.publishOverlay(frame, c.loop.Detections())
		c.scheduleTick(c.cfg.Backoff())
	case sampler.Submit:
		c.publishOverlay(frame, c.loop.Detections())
		t, ok := c.loop.Begin(sampler.KindLive, c.clk.Now())
		if ok {
			c.submit(t, frame)
		}
		// keeps the overlay moving while the request is out
		c.scheduleTick(c.cfg.Backoff())
	}
}

func (c *Controller) submit(t sampler.Ticket, frame iface.Frame) {
	version := c.mode.ModelVersion
	go func() {
		ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.RequestTimeout())
		set, err := c.det.Submit(ctx, frame, version)
		cancel()
		c.post(func() { c.submitted(t, frame, set, err) })
	}()
}

func (c *Controller) submitted(t sampler.Ticket, frame iface.Frame, set iface.DetectionSet, err error) {
	out := c.loop.Complete(t, set, err, c.clk.Now())
	if err != nil {
		c.log.Debug("inference failed", zap.Uint64("seq", t.Seq), zap.Error(err))
	}
	if t.Kind == sampler.KindStatic {
		switch {
		case out.Stale:
			// a switch discarded the pass; the image is owed a new one
			c.pendingStatic = c.static != nil
		default:
			if out.Applied {
				c.publishOverlay(frame, c.loop.Detections())
			}
			waiters := c.staticWaiters
			c.staticWaiters = nil
			for _, w := range waiters {
				w(err)
			}
		}
	}
	switch {
	case out.Reschedule && err != nil && !out.Stale:
		c.scheduleTick(c.cfg.Backoff())
	case out.Reschedule:
		c.enqueue(c.tickNow)
	}
	c.tryStatic()
}

// ClearAlerts empties the local log and risk indicator at once, then clears
// the remote feed. Polling pauses until the remote clear has answered, and
// any poll on the wire at either end of the clear is discarded.
func (c *Controller) ClearAlerts(ctx context.Context) error {
	return c.call(ctx, func(reply func(error)) {
		c.alertGen++
		c.clearing++
		c.alerts.Reset()
		c.stopRiskTimer()
		go func() {
			cctx, cancel := context.WithTimeout(c.runCtx, c.cfg.RequestTimeout())
			defer cancel()
			err := c.feed.Clear(cctx)
			if err != nil {
				c.log.Warn("remote alert clear failed", zap.Error(err))
			}
			c.post(func() { c.alertsCleared(err, reply) })
		}()
	})
}

func (c *Controller) alertsCleared(err error, reply func(error)) {
	c.clearing--
	c.alertGen++
	reply(err)
}

func (c *Controller) pollAlerts() {
	if c.polling || c.clearing > 0 {
		return
	}
	c.polling = true
	gen := c.alertGen
	go func() {
		ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.RequestTimeout())
		alerts, err := c.feed.Fetch(ctx)
		cancel()
		c.post(func() { c.alertsPolled(gen, alerts, err) })
	}()
}

func (c *Controller) alertsPolled(gen uint64, alerts []iface.Alert, err error) {
	c.polling = false
	switch {
	case gen != c.alertGen:
		monitor.AlertPolls.WithLabelValues("stale").Inc()
		return
	case err != nil:
		monitor.AlertPolls.WithLabelValues("error").Inc()
		c.log.Debug("alert poll failed", zap.Error(err))
		return
	}
	monitor.AlertPolls.WithLabelValues("ok").Inc()
	now := c.clk.Now()
	if !c.alerts.Apply(alerts, now) {
		return
	}
	c.stopRiskTimer()
	tok := c.riskToken
	c.riskTimer = c.clk.AfterFunc(c.cfg.Dwell(), func() {
		c.post(func() { c.riskExpired(tok) })
	})
	c.log.Info("alert observed",
		zap.String("class", alerts[0].ObjectClass),
		zap.String("timestamp", alerts[0].Timestamp),
		zap.Stringer("risk", c.alerts.Level(now)))
}

// riskExpired only triggers a refresh; the level itself is derived from the
// clock.
func (c *Controller) riskExpired(token uint64) {
	if token == c.riskToken {
		c.riskTimer = nil
	}
}

func (c *Controller) stopRiskTimer() {
	c.riskToken++
	if c.riskTimer != nil {
		c.riskTimer.Stop()
		c.riskTimer = nil
	}
}

func (c *Controller) publishOverlay(frame iface.Frame, set iface.DetectionSet) {
	if c.sink == nil || frame.Image == nil {
		return
	}
	data, err := render.EncodeJPEG(c.renderer.Render(frame, set))
	if err != nil {
		c.log.Warn("overlay encode failed", zap.Error(err))
		return
	}
	c.sink.PublishFrame(data)
}

// refresh rebuilds the published snapshot and pushes it to the sink when it
// changed.
func (c *Controller) refresh() {
	now := c.clk.Now()
	risk := c.alerts.Risk()
	s := &Snapshot{
		Mode:       c.mode,
		Loop:       c.loop.State(),
		Processing: c.mode.Switching,
		FPS:        c.loop.FPS(),
		Detections: c.loop.Detections(),
		Alerts:     c.alerts.Log(),
		Risk:       risk.At(now),
		Stats:      c.loop.Stats(),
		View:       c.cfg.View,
		Models:     c.cfg.Models,
	}
	if s.Risk != iface.RiskNone {
		until := risk.ExpiresAt
		s.RiskUntil = &until
	}
	monitor.FPS.Set(float64(s.FPS))
	monitor.Risk.Set(float64(s.Risk))
	c.snap.Store(s)

	// Stats move on every request; viewers only care about the rest.
	cmp := *s
	cmp.Stats = sampler.Stats{}
	if c.published != nil && reflect.DeepEqual(cmp, *c.published) {
		return
	}
	c.published = &cmp
	if c.sink != nil {
		c.sink.PublishStatus(*s)
	}
}
