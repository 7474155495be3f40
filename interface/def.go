package iface

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
)

// Frame is one captured picture. Encoded holds the JPEG bytes sent to the
// inference backend, Image the decoded pixels the overlay is drawn on.
type Frame struct {
	Image   image.Image
	Encoded []byte
	Width   int
	Height  int
}

func (f Frame) Empty() bool {
	return f.Image == nil || len(f.Encoded) == 0
}

// Box is x, y, width, height in source pixels.
type Box struct {
	X, Y, W, H float64
}

func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X, b.Y, b.W, b.H})
}

func (b *Box) UnmarshalJSON(data []byte) error {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 4 {
		return fmt.Errorf("box must have 4 values, got %d", len(raw))
	}
	b.X, b.Y, b.W, b.H = raw[0], raw[1], raw[2], raw[3]
	return nil
}

type Detection struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
	Box   Box     `json:"box"`
}

// DetectionSet is the detection list of one inference response.
type DetectionSet []Detection

type Alert struct {
	Timestamp   string  `json:"timestamp"`
	ObjectClass string  `json:"object_class"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// Same reports whether two alerts are the same feed entry.
func (a Alert) Same(b Alert) bool {
	return a.Timestamp == b.Timestamp && a.ObjectClass == b.ObjectClass
}

type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskCaution
	RiskViolation
)

func (r RiskLevel) String() string {
	switch r {
	case RiskCaution:
		return "caution"
	case RiskViolation:
		return "violation"
	default:
		return "none"
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

type CaptureKind int

const (
	CaptureIdle CaptureKind = iota
	CaptureLive
	CaptureStatic
)

func (c CaptureKind) String() string {
	switch c {
	case CaptureLive:
		return "live"
	case CaptureStatic:
		return "static"
	default:
		return "idle"
	}
}

func (c CaptureKind) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// SessionMode is written only by the session controller.
type SessionMode struct {
	Capture      CaptureKind `json:"capture"`
	ModelVersion string      `json:"modelVersion"`
	Switching    bool        `json:"switching"`
}

// Detector is the inference backend as seen by the sampling loop.
type Detector interface {
	Submit(ctx context.Context, frame Frame, modelVersion string) (DetectionSet, error)
	SwitchModel(ctx context.Context, version string) error
}

// AlertFeed is the incident feed as seen by the alert monitor.
type AlertFeed interface {
	Fetch(ctx context.Context) ([]Alert, error)
	Clear(ctx context.Context) error
}
