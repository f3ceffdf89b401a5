//go:build nocv

// Package vision stubs for builds without OpenCV (go test -tags nocv).
package vision

import (
	"context"
	"errors"

	"github.com/andresmejia3/labscan/internal/types"
)

var ErrUnavailable = errors.New("built without OpenCV (nocv tag)")

var (
	ErrCameraEnded = errors.New("camera stream ended")
	ErrEmptyFrame  = errors.New("camera returned an empty frame")
)

type Camera struct {
	Device        string
	Width, Height int
}

func NewCamera(device string, width, height int) *Camera {
	return &Camera{Device: device, Width: width, Height: height}
}

func (c *Camera) Open(ctx context.Context) error { return ErrUnavailable }
func (c *Camera) Read() (types.Frame, error)     { return types.Frame{}, ErrUnavailable }
func (c *Camera) Active() bool                   { return false }
func (c *Camera) Ended() bool                    { return false }
func (c *Camera) Close() error                   { return nil }

type CascadeDetector struct {
	ModelPath   string
	MinFaceSize int
}

func NewCascadeDetector(modelPath string, minFaceSize int) *CascadeDetector {
	return &CascadeDetector{ModelPath: modelPath, MinFaceSize: minFaceSize}
}

func (d *CascadeDetector) Load(ctx context.Context) error { return ErrUnavailable }
func (d *CascadeDetector) Detect(ctx context.Context, f types.Frame) ([]types.FaceBox, error) {
	return nil, ErrUnavailable
}
func (d *CascadeDetector) Close() error { return nil }

type QRDecoder struct{}

func NewQRDecoder() *QRDecoder { return &QRDecoder{} }

func (q *QRDecoder) Decode(f types.Frame) (string, bool, error) { return "", false, ErrUnavailable }
func (q *QRDecoder) Close() error                               { return nil }

func LoadImage(path string) (types.Frame, error) { return types.Frame{}, ErrUnavailable }
