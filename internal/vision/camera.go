//go:build !nocv

package vision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/labscan/internal/types"
	"gocv.io/x/gocv"
)

var (
	ErrCameraEnded = errors.New("camera stream ended")
	ErrEmptyFrame  = errors.New("camera returned an empty frame")
)

// maxReadFailures consecutive empty reads mark the stream as ended. USB
// webcams often return a few empty frames right after opening.
const maxReadFailures = 30

// Camera is a capture.Source backed by an OpenCV VideoCapture.
// Device is either a numeric index or a path/URL understood by OpenCV.
type Camera struct {
	Device string
	Width  int
	Height int

	mu    sync.Mutex
	cap   *gocv.VideoCapture
	frame gocv.Mat
	seq   uint64
	fails int
	ended bool
}

func NewCamera(device string, width, height int) *Camera {
	return &Camera{Device: device, Width: width, Height: height}
}

func (c *Camera) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var dev interface{} = c.Device
	if idx, err := strconv.Atoi(c.Device); err == nil {
		dev = idx
	}
	vc, err := gocv.OpenVideoCapture(dev)
	if err != nil {
		return fmt.Errorf("failed to open camera %s: %w", c.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("camera %s did not open", c.Device)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))

	c.mu.Lock()
	c.cap = vc
	c.frame = gocv.NewMat()
	c.fails = 0
	c.ended = false
	c.mu.Unlock()
	return nil
}

func (c *Camera) Read() (types.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cap == nil {
		return types.Frame{}, errors.New("camera is not open")
	}
	if ok := c.cap.Read(&c.frame); !ok || c.frame.Empty() {
		c.fails++
		if c.fails >= maxReadFailures {
			c.ended = true
			return types.Frame{}, ErrCameraEnded
		}
		return types.Frame{}, ErrEmptyFrame
	}
	c.fails = 0
	c.seq++
	f, err := matToFrame(c.frame, c.seq)
	if err != nil {
		return types.Frame{}, err
	}
	f.Taken = time.Now()
	return f, nil
}

// Active is false when the camera is closed or the stream has ended.
func (c *Camera) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap != nil && !c.ended
}

// Ended reports a stream that stopped delivering frames; the loop reopens it.
func (c *Camera) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cap == nil {
		return nil
	}
	c.frame.Close()
	err := c.cap.Close()
	c.cap = nil
	return err
}
