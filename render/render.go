// Package render draws detection overlays onto captured frames.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"

	"DetMonitor/config"
	iface "DetMonitor/interface"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
)

const (
	lineWidth    = 3
	labelHeight  = 25
	labelPadding = 5
	fontSize     = 14
)

var (
	NeutralColor = color.RGBA{R: 0x00, G: 0xf2, B: 0xff, A: 0xff}
	AlertColor   = color.RGBA{R: 0xff, G: 0x44, B: 0x44, A: 0xff}
	labelBack    = color.RGBA{A: 0xb3}
	labelText    = color.White

	labelFont *truetype.Font
)

func init() {
	var err error
	labelFont, err = truetype.Parse(gobold.TTF)
	if err != nil {
		panic(err)
	}
}

// Item is one box of the overlay after deduplication.
type Item struct {
	Detection iface.Detection
	Color     color.RGBA
	Label     string
	LabelRect iface.Box
	TextX     float64
	TextY     float64
}

type Renderer struct {
	secure     bool
	restricted map[string]struct{}
	face       font.Face
}

// New builds a renderer for the given view. Only the secure view colours
// restricted classes differently.
func New(view string, restricted []string) *Renderer {
	r := &Renderer{
		secure:     view == config.ViewSecure,
		restricted: make(map[string]struct{}, len(restricted)),
		face:       truetype.NewFace(labelFont, &truetype.Options{Size: fontSize}),
	}
	for _, c := range restricted {
		r.restricted[c] = struct{}{}
	}
	return r
}

// Dedup keeps the best scoring detection of each class. The kept detection
// takes the slot where its class first appeared; on equal scores the earlier
// detection wins.
func Dedup(set iface.DetectionSet) iface.DetectionSet {
	if len(set) == 0 {
		return nil
	}
	out := make(iface.DetectionSet, 0, len(set))
	slot := make(map[string]int, len(set))
	for _, d := range set {
		i, seen := slot[d.Class]
		if !seen {
			slot[d.Class] = len(out)
			out = append(out, d)
			continue
		}
		if d.Score > out[i].Score {
			out[i] = d
		}
	}
	return out
}

func (r *Renderer) Restricted(class string) bool {
	_, ok := r.restricted[class]
	return ok
}

func (r *Renderer) ColorFor(class string) color.RGBA {
	if r.secure && r.Restricted(class) {
		return AlertColor
	}
	return NeutralColor
}

func (r *Renderer) LabelFor(d iface.Detection) string {
	if r.secure {
		return d.Class
	}
	return fmt.Sprintf("%s %d%%", d.Class, int(math.Round(d.Score*100)))
}

// Plan lays out the overlay without drawing it.
func (r *Renderer) Plan(set iface.DetectionSet) []Item {
	kept := Dedup(set)
	items := make([]Item, 0, len(kept))
	for _, d := range kept {
		label := r.LabelFor(d)
		textW := font.MeasureString(r.face, label).Round()
		labelY, textY := d.Box.Y-labelHeight, d.Box.Y-7
		if d.Box.Y <= labelHeight {
			labelY, textY = 0, 17
		}
		items = append(items, Item{
			Detection: d,
			Color:     r.ColorFor(d.Class),
			Label:     label,
			LabelRect: iface.Box{X: d.Box.X, Y: labelY, W: float64(textW + 2*labelPadding), H: labelHeight},
			TextX:     d.Box.X + labelPadding,
			TextY:     textY,
		})
	}
	return items
}

// Render draws frame and the deduplicated detections onto a new surface the
// size of the frame. An empty set yields a plain copy of the frame; a frame
// without pixels yields a blank surface of its declared size.
func (r *Renderer) Render(frame iface.Frame, set iface.DetectionSet) *image.RGBA {
	if frame.Image == nil {
		return image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	}
	b := frame.Image.Bounds()
	dc := gg.NewContext(b.Dx(), b.Dy())
	dc.DrawImage(frame.Image, -b.Min.X, -b.Min.Y)
	dc.SetFontFace(r.face)
	dc.SetLineWidth(lineWidth)
	for _, it := range r.Plan(set) {
		box := it.Detection.Box
		dc.SetColor(it.Color)
		dc.DrawRectangle(box.X, box.Y, box.W, box.H)
		dc.Stroke()

		dc.SetColor(labelBack)
		dc.DrawRectangle(it.LabelRect.X, it.LabelRect.Y, it.LabelRect.W, it.LabelRect.H)
		dc.Fill()

		dc.SetColor(labelText)
		dc.DrawString(it.Label, it.TextX, it.TextY)
	}
	return dc.Image().(*image.RGBA)
}

// EncodeJPEG encodes a rendered surface for viewers.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
