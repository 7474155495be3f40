package engine

import (
	"errors"

	iface "DetMonitor/interface"
)

var (
	// ErrNetwork is a transport failure on /predict.
	ErrNetwork = errors.New("inference request failed")
	// ErrBadResponse covers non-200 statuses and bodies that do not parse.
	ErrBadResponse = errors.New("inference response rejected")
	// ErrBackendOffline is returned when /switch_model cannot be completed.
	ErrBackendOffline = errors.New("backend offline")
	// ErrInvalidModel is the backend refusing the requested version.
	ErrInvalidModel = errors.New("backend rejected model version")
)

const (
	predictPath = "/predict"
	switchPath  = "/switch_model"
	healthPath  = "/health"
	uploadField = "file"
	uploadName  = "frame.jpg"
)

type predictResponse struct {
	Model      string              `json:"model"`
	Detections *iface.DetectionSet `json:"detections"`
	LatencyMs  float64             `json:"latency_ms"`
}

type switchResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
}
