//go:build !nocv

package vision

import (
	"fmt"

	"github.com/andresmejia3/labscan/internal/types"
	"gocv.io/x/gocv"
)

// matToFrame converts a BGR Mat into an RGBA frame. The pixels are copied.
func matToFrame(bgr gocv.Mat, seq uint64) (types.Frame, error) {
	rgba := gocv.NewMat()
	defer rgba.Close()

	gocv.CvtColor(bgr, &rgba, gocv.ColorBGRToRGBA)
	if rgba.Empty() {
		return types.Frame{}, fmt.Errorf("color conversion produced an empty image")
	}
	return types.Frame{
		Seq:    seq,
		Width:  rgba.Cols(),
		Height: rgba.Rows(),
		Pix:    rgba.ToBytes(),
	}, nil
}

// frameToMat converts an RGBA frame into a Mat using the given conversion.
// The caller owns the returned Mat.
func frameToMat(f types.Frame, code gocv.ColorConversionCode) (gocv.Mat, error) {
	if len(f.Pix) != f.Width*f.Height*4 {
		return gocv.NewMat(), fmt.Errorf("frame %d: %d bytes for %dx%d", f.Seq, len(f.Pix), f.Width, f.Height)
	}
	src, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC4, f.Pix)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to wrap frame: %w", err)
	}
	defer src.Close()

	dst := gocv.NewMat()
	gocv.CvtColor(src, &dst, code)
	return dst, nil
}

// LoadImage reads a still image from disk as a frame.
func LoadImage(path string) (types.Frame, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return types.Frame{}, fmt.Errorf("failed to read image %s", path)
	}
	return matToFrame(img, 1)
}
