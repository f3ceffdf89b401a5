package types

import (
	"image"
	"image/draw"
	"time"
)

// Frame is a single RGBA sample taken from the live source.
// It is created once per loop tick and dropped after detection.
type Frame struct {
	Seq    uint64
	Width  int
	Height int
	Pix    []byte // RGBA, 4 bytes per pixel, row-major
	Taken  time.Time
}

// Image wraps the pixel buffer without copying it.
func (f Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// FrameFromImage converts any decoded image into an RGBA frame.
func FrameFromImage(img image.Image, seq uint64) Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || b.Min != (image.Point{}) || rgba.Stride != b.Dx()*4 {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return Frame{
		Seq:    seq,
		Width:  b.Dx(),
		Height: b.Dy(),
		Pix:    rgba.Pix,
		Taken:  time.Now(),
	}
}

// FaceBox is one detected face. Only the count drives kiosk logic; the box
// is kept for overlays and logs.
type FaceBox struct {
	X, Y, W, H int
	Score      float64
}

// ErrorResult captures the error object a detector process may print on stderr.
type ErrorResult struct {
	Error string `json:"error"`
}
