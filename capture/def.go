// Package capture provides the frame sources of a session: a live device read
// through a single-slot "latest frame" buffer, and a decoded static image.
package capture

import (
	"context"
	"errors"

	iface "DetMonitor/interface"
)

const (
	ViewportWidth  = 640
	ViewportHeight = 480
)

var (
	ErrDeviceDenied = errors.New("capture device denied")
	ErrDeviceBusy   = errors.New("capture device already acquired")
	ErrUndecodable  = errors.New("image cannot be decoded")
)

type Constraints struct {
	DeviceID int
	Width    int
	Height   int
}

func DefaultConstraints() Constraints {
	return Constraints{Width: ViewportWidth, Height: ViewportHeight}
}

// Device is an opened capture device. Read blocks until the next frame.
// Read and Close are never called concurrently.
type Device interface {
	Read() (iface.Frame, error)
	Close() error
}

// Opener acquires a device. Implementations return an error wrapping
// ErrDeviceDenied when access is refused.
type Opener func(ctx context.Context, c Constraints) (Device, error)
