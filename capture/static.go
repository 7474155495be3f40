package capture

import (
	"bytes"
	"fmt"
	"math"

	iface "DetMonitor/interface"

	"github.com/disintegration/imaging"
)

// Static is a single decoded image, returned on every tick until the mode changes.
type Static struct {
	frame iface.Frame
}

// LoadStatic decodes data, scales it to fit the 640x480 viewport keeping the
// aspect ratio (small images are scaled up) and re-encodes it as JPEG.
func LoadStatic(data []byte) (*Static, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUndecodable)
	}
	scale := math.Min(float64(ViewportWidth)/float64(b.Dx()), float64(ViewportHeight)/float64(b.Dy()))
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))
	scaled := imaging.Resize(img, w, h, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, scaled, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode static frame: %w", err)
	}
	return &Static{frame: iface.Frame{
		Image:   scaled,
		Encoded: buf.Bytes(),
		Width:   w,
		Height:  h,
	}}, nil
}

func (s *Static) CurrentFrame() (iface.Frame, bool) {
	return s.frame, !s.frame.Empty()
}
