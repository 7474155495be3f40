// Package camera opens local capture devices through OpenCV.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"DetMonitor/capture"
	iface "DetMonitor/interface"

	"gocv.io/x/gocv"
)

var errNoFrame = errors.New("no frame available")

type webcam struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// Open is a capture.Opener for V4L/DirectShow/AVFoundation devices.
func Open(ctx context.Context, c capture.Constraints) (capture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := gocv.OpenVideoCapture(c.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", capture.ErrDeviceDenied, c.DeviceID, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("%w: device %d not opened", capture.ErrDeviceDenied, c.DeviceID)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	return &webcam{vc: vc, mat: gocv.NewMat()}, nil
}

func (w *webcam) Read() (iface.Frame, error) {
	if ok := w.vc.Read(&w.mat); !ok {
		if !w.vc.IsOpened() {
			return iface.Frame{}, io.EOF
		}
		return iface.Frame{}, errNoFrame
	}
	if w.mat.Empty() {
		return iface.Frame{}, errNoFrame
	}
	img, err := w.mat.ToImage()
	if err != nil {
		return iface.Frame{}, fmt.Errorf("convert frame: %w", err)
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, w.mat)
	if err != nil {
		return iface.Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()
	return iface.Frame{
		Image:   img,
		Encoded: bytes.Clone(buf.GetBytes()),
		Width:   w.mat.Cols(),
		Height:  w.mat.Rows(),
	}, nil
}

func (w *webcam) Close() error {
	_ = w.mat.Close()
	return w.vc.Close()
}
