package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"DetMonitor/capture"
	"DetMonitor/config"
	"DetMonitor/engine"
	iface "DetMonitor/interface"
	"DetMonitor/sampler"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	phone  = iface.DetectionSet{{Class: "cell phone", Score: 0.95, Box: iface.Box{X: 10, Y: 10, W: 50, H: 60}}}
	person = iface.DetectionSet{{Class: "person", Score: 0.88, Box: iface.Box{X: 100, Y: 40, W: 200, H: 400}}}
)

const (
	waitFor = 2 * time.Second
	pollFor = 5 * time.Millisecond
)

type fakeDetector struct {
	mu        sync.Mutex
	byVersion map[string]iface.DetectionSet
	submitErr error
	switchErr error
	gate      chan struct{}
	switching chan struct{}

	calls     atomic.Int64
	inflight  atomic.Int64
	maxFlight atomic.Int64
	sizes     []image.Point
	versions  []string
	switches  []string
}

func (d *fakeDetector) Submit(ctx context.Context, frame iface.Frame, version string) (iface.DetectionSet, error) {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		m := d.maxFlight.Load()
		if n <= m || d.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	d.calls.Add(1)

	d.mu.Lock()
	d.sizes = append(d.sizes, image.Pt(frame.Width, frame.Height))
	d.versions = append(d.versions, version)
	gate, err, set := d.gate, d.submitErr, d.byVersion[version]
	d.mu.Unlock()

	if gate != nil {
		<-gate
	} else {
		time.Sleep(2 * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}
	return set, nil
}

func (d *fakeDetector) SwitchModel(ctx context.Context, version string) error {
	d.mu.Lock()
	gate, err := d.switching, d.switchErr
	d.switches = append(d.switches, version)
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (d *fakeDetector) Versions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.versions...)
}

type fakeFeed struct {
	mu      sync.Mutex
	alerts  []iface.Alert
	fetches atomic.Int64
	clears  atomic.Int64
	err     error
	hold    chan struct{}
}

func (f *fakeFeed) Fetch(ctx context.Context) ([]iface.Alert, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]iface.Alert(nil), f.alerts...), nil
}

func (f *fakeFeed) Clear(ctx context.Context) error {
	f.clears.Add(1)
	if f.hold != nil {
		<-f.hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.alerts = nil
	return nil
}

type fakeDevice struct {
	closes atomic.Int64
}

var liveImage = image.NewRGBA(image.Rect(0, 0, 640, 480))

func (d *fakeDevice) Read() (iface.Frame, error) {
	time.Sleep(time.Millisecond)
	return iface.Frame{Image: liveImage, Encoded: []byte{0xFF, 0xD8, 0x00}, Width: 640, Height: 480}, nil
}

func (d *fakeDevice) Close() error {
	d.closes.Add(1)
	return nil
}

type recordingSink struct {
	frames   atomic.Int64
	statuses atomic.Int64
	mu       sync.Mutex
	last     []byte
}

func (s *recordingSink) PublishFrame(jpeg []byte) {
	s.frames.Add(1)
	s.mu.Lock()
	s.last = jpeg
	s.mu.Unlock()
}

func (s *recordingSink) PublishStatus(any) {
	s.statuses.Add(1)
}

type harness struct {
	c      *Controller
	det    *fakeDetector
	feed   *fakeFeed
	dev    *fakeDevice
	sink   *recordingSink
	opens  atomic.Int64
	denied atomic.Bool
}

func newHarness(t *testing.T, clk clock.Clock) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Loop = config.LoopConfig{BackoffMs: 5, FrameWaitMs: 5}
	cfg.Alerts.PollIntervalMs = int(time.Hour / time.Millisecond)
	if clk != nil {
		cfg.Alerts.PollIntervalMs = 1000
	}

	h := &harness{
		det: &fakeDetector{byVersion: map[string]iface.DetectionSet{
			"v1": person,
			"v2": phone,
		}},
		feed: &fakeFeed{},
		dev:  &fakeDevice{},
		sink: &recordingSink{},
	}
	open := func(ctx context.Context, c capture.Constraints) (capture.Device, error) {
		h.opens.Add(1)
		if h.denied.Load() {
			return nil, fmt.Errorf("%w: permission denied", capture.ErrDeviceDenied)
		}
		return h.dev, nil
	}
	h.c = New(cfg, Deps{Detector: h.det, Alerts: h.feed, Open: open, Sink: h.sink, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return h
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestInitialSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	s := h.c.Snapshot()
	assert.Equal(t, iface.SessionMode{Capture: iface.CaptureIdle, ModelVersion: "v2"}, s.Mode)
	assert.Equal(t, sampler.Stopped, s.Loop)
	assert.Equal(t, iface.RiskNone, s.Risk)
	assert.Equal(t, config.ViewSecure, s.View)
	assert.Empty(t, s.Detections)
}

func TestLiveCapture(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.c.StartCapture(ctx))
	assert.Equal(t, iface.CaptureLive, h.c.Snapshot().Mode.Capture)

	assert.Eventually(t, func() bool {
		s := h.c.Snapshot()
		return len(s.Detections) == 1 && s.FPS > 0
	}, waitFor, pollFor)
	assert.Equal(t, phone, h.c.Snapshot().Detections)

	assert.Eventually(t, func() bool { return h.det.calls.Load() >= 10 }, waitFor, pollFor)
	assert.Equal(t, int64(1), h.det.maxFlight.Load())
	assert.Greater(t, h.sink.frames.Load(), int64(0))
	h.sink.mu.Lock()
	assert.Equal(t, []byte{0xFF, 0xD8}, h.sink.last[:2])
	h.sink.mu.Unlock()

	require.NoError(t, h.c.StartCapture(ctx))
	assert.Equal(t, int64(1), h.opens.Load())
}

func TestStopDiscardsInFlightResponse(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	gate := make(chan struct{})
	h.det.gate = gate

	require.NoError(t, h.c.StartCapture(ctx))
	assert.Eventually(t, func() bool { return h.det.calls.Load() == 1 }, waitFor, pollFor)
	assert.Equal(t, sampler.AwaitingResponse, h.c.Snapshot().Loop)

	require.NoError(t, h.c.StopCapture(ctx))
	close(gate)

	assert.Eventually(t, func() bool { return h.c.Snapshot().Stats.Stale == 1 }, waitFor, pollFor)
	s := h.c.Snapshot()
	assert.Empty(t, s.Detections)
	assert.Zero(t, s.FPS)
	assert.Equal(t, iface.CaptureIdle, s.Mode.Capture)
	assert.Equal(t, sampler.Stopped, s.Loop)
	assert.Eventually(t, func() bool { return h.dev.closes.Load() == 1 }, waitFor, pollFor)
	assert.Equal(t, int64(1), h.det.calls.Load())
}

func TestStartCaptureDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.denied.Store(true)

	err := h.c.StartCapture(context.Background())
	assert.ErrorIs(t, err, capture.ErrDeviceDenied)
	assert.Equal(t, iface.CaptureIdle, h.c.Snapshot().Mode.Capture)
	assert.Equal(t, sampler.Stopped, h.c.Snapshot().Loop)

	h.denied.Store(false)
	require.NoError(t, h.c.StartCapture(context.Background()))
	assert.Equal(t, iface.CaptureLive, h.c.Snapshot().Mode.Capture)
}

func TestRestartReacquiresDevice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.c.StartCapture(ctx))
		require.NoError(t, h.c.StopCapture(ctx))
	}
	require.NoError(t, h.c.StartCapture(ctx))
	assert.Equal(t, int64(4), h.opens.Load())
	assert.Eventually(t, func() bool { return h.dev.closes.Load() == 3 }, waitFor, pollFor)
}

func TestLoadStaticImage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	img := pngBytes(t, 1280, 960)

	require.NoError(t, h.c.LoadStaticImage(ctx, img))
	first := h.c.Snapshot()
	assert.Equal(t, iface.CaptureStatic, first.Mode.Capture)
	assert.Equal(t, phone, first.Detections)
	assert.Zero(t, first.FPS)

	require.NoError(t, h.c.LoadStaticImage(ctx, img))
	assert.Equal(t, first.Detections, h.c.Snapshot().Detections)

	h.det.mu.Lock()
	assert.Equal(t, []image.Point{{640, 480}, {640, 480}}, h.det.sizes)
	h.det.mu.Unlock()
	assert.Equal(t, sampler.Stopped, h.c.Snapshot().Loop)
}

func TestLoadStaticImageErrors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.c.LoadStaticImage(ctx, nil), ErrNoImage)
	assert.ErrorIs(t, h.c.LoadStaticImage(ctx, []byte("not an image")), capture.ErrUndecodable)
	assert.Equal(t, iface.CaptureIdle, h.c.Snapshot().Mode.Capture)
}

func TestLoadStaticStopsLive(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.c.StartCapture(ctx))
	assert.Eventually(t, func() bool { return len(h.c.Snapshot().Detections) == 1 }, waitFor, pollFor)

	require.NoError(t, h.c.LoadStaticImage(ctx, pngBytes(t, 320, 240)))
	assert.Equal(t, iface.CaptureStatic, h.c.Snapshot().Mode.Capture)
	assert.Zero(t, h.c.Snapshot().FPS)
	assert.Eventually(t, func() bool { return h.dev.closes.Load() == 1 }, waitFor, pollFor)
}

func TestStaticFailureKeepsImage(t *testing.T) {
	h := newHarness(t, nil)
	h.det.submitErr = fmt.Errorf("%w: status 500", engine.ErrBadResponse)

	err := h.c.LoadStaticImage(context.Background(), pngBytes(t, 640, 480))
	assert.ErrorIs(t, err, engine.ErrBadResponse)
	s := h.c.Snapshot()
	assert.Equal(t, iface.CaptureStatic, s.Mode.Capture)
	assert.Empty(t, s.Detections)
	assert.Equal(t, uint64(1), s.Stats.Failed)
}

func TestModelSwitchRerunsStaticPass(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.c.LoadStaticImage(ctx, pngBytes(t, 640, 480)))
	require.Equal(t, phone, h.c.Snapshot().Detections)

	require.NoError(t, h.c.SetModelVersion(ctx, "v1"))
	assert.Equal(t, "v1", h.c.Snapshot().Mode.ModelVersion)
	assert.False(t, h.c.Snapshot().Mode.Switching)

	assert.Eventually(t, func() bool {
		d := h.c.Snapshot().Detections
		return len(d) == 1 && d[0].Class == "person"
	}, waitFor, pollFor)
	assert.Equal(t, []string{"v2", "v1"}, h.det.Versions())
}

func TestModelSwitchFailureResumesLive(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.det.switchErr = fmt.Errorf("%w: connection refused", engine.ErrBackendOffline)

	require.NoError(t, h.c.StartCapture(ctx))
	assert.Eventually(t, func() bool { return len(h.c.Snapshot().Detections) == 1 }, waitFor, pollFor)

	err := h.c.SetModelVersion(ctx, "v1")
	assert.ErrorIs(t, err, engine.ErrBackendOffline)
	s := h.c.Snapshot()
	assert.Equal(t, "v2", s.Mode.ModelVersion)
	assert.False(t, s.Mode.Switching)
	assert.Equal(t, iface.CaptureLive, s.Mode.Capture)

	before := h.det.calls.Load()
	assert.Eventually(t, func() bool { return h.det.calls.Load() > before+3 }, waitFor, pollFor)
}

func TestModelSwitchGuards(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.c.SetModelVersion(ctx, "v9"), ErrUnknownModel)

	gate := make(chan struct{})
	h.det.switching = gate
	result := make(chan error, 1)
	go func() { result <- h.c.SetModelVersion(ctx, "v1") }()
	assert.Eventually(t, func() bool { return h.c.Snapshot().Processing }, waitFor, pollFor)

	assert.ErrorIs(t, h.c.SetModelVersion(ctx, "v2"), ErrBusy)
	assert.ErrorIs(t, h.c.StartCapture(ctx), ErrBusy)
	assert.ErrorIs(t, h.c.LoadStaticImage(ctx, pngBytes(t, 8, 8)), ErrBusy)

	close(gate)
	require.NoError(t, <-result)
	assert.Equal(t, "v1", h.c.Snapshot().Mode.ModelVersion)
	assert.Zero(t, h.opens.Load())
}

func TestSwitchDuringLiveUsesNewModel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.c.StartCapture(ctx))
	assert.Eventually(t, func() bool { return len(h.c.Snapshot().Detections) == 1 }, waitFor, pollFor)
	require.NoError(t, h.c.SetModelVersion(ctx, "v1"))

	assert.Eventually(t, func() bool {
		d := h.c.Snapshot().Detections
		return len(d) == 1 && d[0].Class == "person"
	}, waitFor, pollFor)
	assert.Equal(t, int64(1), h.det.maxFlight.Load())
}

func TestSwitchWhileAwaitingResponse(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	gate := make(chan struct{})
	h.det.gate = gate

	require.NoError(t, h.c.StartCapture(ctx))
	assert.Eventually(t, func() bool { return h.det.calls.Load() == 1 }, waitFor, pollFor)
	assert.Equal(t, sampler.AwaitingResponse, h.c.Snapshot().Loop)

	require.NoError(t, h.c.SetModelVersion(ctx, "v1"))
	assert.Equal(t, "v1", h.c.Snapshot().Mode.ModelVersion)
	// the v2 request is still out, so nothing new may be submitted
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), h.det.calls.Load())

	h.det.mu.Lock()
	h.det.gate = nil
	h.det.mu.Unlock()
	close(gate)

	assert.Eventually(t, func() bool {
		s := h.c.Snapshot()
		return s.Stats.Stale == 1 && len(s.Detections) == 1
	}, waitFor, pollFor)
	assert.Equal(t, person, h.c.Snapshot().Detections)
	assert.Equal(t, int64(1), h.det.maxFlight.Load())
	versions := h.det.Versions()
	assert.Equal(t, "v2", versions[0])
	for _, v := range versions[1:] {
		assert.Equal(t, "v1", v)
	}
}

func TestAlertRisk(t *testing.T) {
	mock := clock.NewMock()
	h := newHarness(t, mock)
	h.feed.alerts = []iface.Alert{{Timestamp: "10:00:00", ObjectClass: "cell phone", Confidence: 0.9}}

	assert.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		s := h.c.Snapshot()
		return len(s.Alerts) == 1 && s.Risk == iface.RiskViolation
	}, waitFor, 10*time.Millisecond)
	s := h.c.Snapshot()
	assert.Equal(t, iface.RiskViolation, s.Alerts[0].Severity)
	require.NotNil(t, s.RiskUntil)

	assert.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return h.c.Snapshot().Risk == iface.RiskNone
	}, waitFor, 10*time.Millisecond)

	// the same alert keeps being served and must not re-arm the indicator
	fetched := h.feed.fetches.Load()
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		time.Sleep(20 * time.Millisecond)
	}
	assert.Greater(t, h.feed.fetches.Load(), fetched)
	assert.Equal(t, iface.RiskNone, h.c.Snapshot().Risk)
	assert.Len(t, h.c.Snapshot().Alerts, 1)
}

func TestAlertCaution(t *testing.T) {
	mock := clock.NewMock()
	h := newHarness(t, mock)
	h.feed.alerts = []iface.Alert{{Timestamp: "10:00:05", ObjectClass: "STUDENT LEFT FRAME"}}

	assert.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return h.c.Snapshot().Risk == iface.RiskCaution
	}, waitFor, 10*time.Millisecond)
}

func TestClearAlerts(t *testing.T) {
	mock := clock.NewMock()
	h := newHarness(t, mock)
	h.feed.alerts = []iface.Alert{{Timestamp: "10:00:00", ObjectClass: "book"}}

	assert.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return h.c.Snapshot().Risk == iface.RiskViolation
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, h.c.ClearAlerts(context.Background()))
	s := h.c.Snapshot()
	assert.Empty(t, s.Alerts)
	assert.Equal(t, iface.RiskNone, s.Risk)
	assert.Nil(t, s.RiskUntil)
	assert.Equal(t, int64(1), h.feed.clears.Load())
}

func TestClearAlertsStaysClearedWhilePending(t *testing.T) {
	mock := clock.NewMock()
	h := newHarness(t, mock)
	h.feed.alerts = []iface.Alert{{Timestamp: "10:00:00", ObjectClass: "book"}}

	assert.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return h.c.Snapshot().Risk == iface.RiskViolation
	}, waitFor, 10*time.Millisecond)

	hold := make(chan struct{})
	h.feed.hold = hold
	result := make(chan error, 1)
	go func() { result <- h.c.ClearAlerts(context.Background()) }()
	assert.Eventually(t, func() bool { return h.feed.clears.Load() == 1 }, waitFor, pollFor)

	// polls due while the remote clear is outstanding must not reach the feed
	fetched := h.feed.fetches.Load()
	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, fetched, h.feed.fetches.Load())
	assert.Empty(t, h.c.Snapshot().Alerts)

	close(hold)
	require.NoError(t, <-result)
	s := h.c.Snapshot()
	assert.Empty(t, s.Alerts)
	assert.Equal(t, iface.RiskNone, s.Risk)

	// polling resumes against the now empty feed
	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		return h.feed.fetches.Load() > fetched
	}, waitFor, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	s = h.c.Snapshot()
	assert.Empty(t, s.Alerts)
	assert.Equal(t, iface.RiskNone, s.Risk)
}

func TestClearAlertsRemoteFailure(t *testing.T) {
	mock := clock.NewMock()
	h := newHarness(t, mock)
	h.feed.alerts = []iface.Alert{{Timestamp: "10:00:00", ObjectClass: "book"}}

	assert.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		return len(h.c.Snapshot().Alerts) == 1
	}, waitFor, 10*time.Millisecond)

	h.feed.mu.Lock()
	h.feed.err = errors.New("alert service down")
	h.feed.mu.Unlock()

	assert.Error(t, h.c.ClearAlerts(context.Background()))
	assert.Empty(t, h.c.Snapshot().Alerts)
	assert.Equal(t, iface.RiskNone, h.c.Snapshot().Risk)
}

func TestCommandsAfterClose(t *testing.T) {
	cfg := config.Default()
	c := New(cfg, Deps{Detector: &fakeDetector{}, Alerts: &fakeFeed{}, Open: func(context.Context, capture.Constraints) (capture.Device, error) {
		return &fakeDevice{}, nil
	}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, c.StopCapture(context.Background()), ErrClosed)
}
