//go:build !nocv

package vision

import (
	"sync"

	"github.com/andresmejia3/labscan/internal/types"
	"gocv.io/x/gocv"
)

// QRDecoder reads QR codes with OpenCV's built-in detector.
type QRDecoder struct {
	mu       sync.Mutex
	detector gocv.QRCodeDetector
}

func NewQRDecoder() *QRDecoder {
	return &QRDecoder{detector: gocv.NewQRCodeDetector()}
}

func (q *QRDecoder) Decode(f types.Frame) (string, bool, error) {
	bgr, err := frameToMat(f, gocv.ColorRGBAToBGR)
	if err != nil {
		return "", false, err
	}
	defer bgr.Close()

	points := gocv.NewMat()
	defer points.Close()
	straight := gocv.NewMat()
	defer straight.Close()

	q.mu.Lock()
	payload := q.detector.DetectAndDecode(bgr, &points, &straight)
	q.mu.Unlock()

	if payload == "" {
		return "", false, nil
	}
	return payload, true, nil
}

func (q *QRDecoder) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.detector.Close()
}
