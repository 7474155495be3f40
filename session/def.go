package session

import (
	"errors"
	"time"

	"DetMonitor/alert"
	"DetMonitor/capture"
	"DetMonitor/config"
	iface "DetMonitor/interface"
	"DetMonitor/sampler"

	"github.com/benbjohnson/clock"
)

var (
	ErrBusy         = errors.New("a model switch is in progress")
	ErrUnknownModel = errors.New("unknown model version")
	ErrNoImage      = errors.New("no image supplied")
	ErrCancelled    = errors.New("superseded by a later command")
	ErrClosed       = errors.New("session closed")
)

const eventQueueSize = 64

// Sink receives the rendered overlay and status changes, a viewer hub in
// production.
type Sink interface {
	PublishFrame(jpeg []byte)
	PublishStatus(status any)
}

type Deps struct {
	Detector iface.Detector
	Alerts   iface.AlertFeed
	Open     capture.Opener
	Sink     Sink
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Snapshot is the state published to viewers after every change.
type Snapshot struct {
	Mode       iface.SessionMode  `json:"mode"`
	Loop       sampler.State      `json:"loop"`
	Processing bool               `json:"processing"`
	FPS        int                `json:"fps"`
	Detections iface.DetectionSet `json:"detections"`
	Alerts     []alert.Entry      `json:"alerts"`
	Risk       iface.RiskLevel    `json:"risk"`
	RiskUntil  *time.Time         `json:"riskUntil,omitempty"`
	Stats      sampler.Stats      `json:"stats"`
	View       string             `json:"view"`
	Models     []config.Model     `json:"models"`
}
