//go:build !nocv

package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/labscan/internal/types"
	"gocv.io/x/gocv"
)

// CascadeDetector finds frontal faces with a Haar cascade.
type CascadeDetector struct {
	ModelPath   string
	MinFaceSize int

	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	loaded     bool
}

func NewCascadeDetector(modelPath string, minFaceSize int) *CascadeDetector {
	return &CascadeDetector{ModelPath: modelPath, MinFaceSize: minFaceSize}
}

func (d *CascadeDetector) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return nil
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(d.ModelPath) {
		classifier.Close()
		return fmt.Errorf("failed to load face cascade classifier from %s", d.ModelPath)
	}
	d.classifier = classifier
	d.loaded = true
	return nil
}

// Detect runs synchronously; ctx is only checked before the work starts.
func (d *CascadeDetector) Detect(ctx context.Context, f types.Frame) ([]types.FaceBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, fmt.Errorf("face model not loaded")
	}

	gray, err := frameToMat(f, gocv.ColorRGBAToGray)
	if err != nil {
		return nil, err
	}
	defer gray.Close()

	minSize := image.Pt(d.MinFaceSize, d.MinFaceSize)
	rects := d.classifier.DetectMultiScaleWithParams(gray, 1.1, 5, 0, minSize, image.Point{})

	faces := make([]types.FaceBox, 0, len(rects))
	for _, r := range rects {
		faces = append(faces, types.FaceBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy(), Score: 1})
	}
	return faces, nil
}

func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil
	}
	d.loaded = false
	return d.classifier.Close()
}
