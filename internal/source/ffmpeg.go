package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"sync"

	"github.com/andresmejia3/labscan/internal/types"
	"github.com/andresmejia3/labscan/internal/utils"
	"github.com/sirupsen/logrus"
)

const megabyte = 1024 * 1024

// ErrNoFrame is returned by Read before the first frame has been decoded.
var ErrNoFrame = errors.New("no frame available yet")

// FFmpeg reads a file or v4l2 device through an ffmpeg MJPEG pipe.
// A reader goroutine keeps only the most recent frame; callers sample it.
type FFmpeg struct {
	Input  string
	Width  int
	Height int
	FPS    float64

	log *logrus.Entry

	mu     sync.Mutex
	latest *types.Frame
	seq    uint64
	ended  bool
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFFmpeg(input string, width, height int, fps float64, log *logrus.Entry) *FFmpeg {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &FFmpeg{Input: input, Width: width, Height: height, FPS: fps, log: log}
}

func (f *FFmpeg) Open(ctx context.Context) error {
	f.mu.Lock()
	if f.cmd != nil {
		f.mu.Unlock()
		return fmt.Errorf("ffmpeg source %s is already open", f.Input)
	}
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCaptureCmd(ctx, f.Input, f.Width, f.Height, f.FPS)

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	done := make(chan struct{})
	f.mu.Lock()
	f.cmd = cmd
	f.cancel = cancel
	f.done = done
	f.latest = nil
	f.ended = false
	f.mu.Unlock()

	f.log.WithField("input", f.Input).Info("ffmpeg source started")
	go f.pump(out, done)
	return nil
}

// pump splits the MJPEG stream and keeps the newest decoded frame.
func (f *FFmpeg) pump(r io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			f.log.WithError(err).Debug("dropping undecodable frame")
			continue
		}

		f.mu.Lock()
		f.seq++
		frame := types.FrameFromImage(img, f.seq)
		f.latest = &frame
		f.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		f.log.WithError(err).Warn("frame scanner failed")
	}

	f.mu.Lock()
	f.ended = true
	total := f.seq
	f.mu.Unlock()
	f.log.WithField("frames", total).Info("ffmpeg stream ended")
}

func (f *FFmpeg) Read() (types.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return types.Frame{}, ErrNoFrame
	}
	return *f.latest, nil
}

// Active is false until the first frame arrives and again once the stream ends.
func (f *FFmpeg) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest != nil && !f.ended
}

// Ended is true once the stream hit EOF. A reopen restarts ffmpeg, which
// replays file inputs from the start.
func (f *FFmpeg) Ended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

// Close kills ffmpeg and waits for the reader to drain.
func (f *FFmpeg) Close() error {
	f.mu.Lock()
	cmd, cancel, done := f.cmd, f.cancel, f.done
	f.cmd, f.cancel, f.done = nil, nil, nil
	f.mu.Unlock()
	if cmd == nil {
		return nil
	}

	cancel()
	<-done
	// Killed on purpose; only report failures that left logs behind.
	if err := cmd.Wait(); err != nil && cmd.Stderr.Len() > 0 {
		return fmt.Errorf("ffmpeg exited: %w: %s", err, bytes.TrimSpace(cmd.Stderr.Bytes()))
	}
	return nil
}
