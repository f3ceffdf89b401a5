package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/labscan/internal/types"
	"github.com/sirupsen/logrus"
)

// Source yields frames from a live video feed.
type Source interface {
	Open(ctx context.Context) error
	Read() (types.Frame, error)
	// Active is false while the feed is paused or has ended.
	Active() bool
	Close() error
}

// Ender is implemented by sources that can tell "ended" from "paused". The
// loop reopens an ended source on its own.
type Ender interface {
	Ended() bool
}

// FaceDetector finds faces in a frame. Load is called once before the first tick.
type FaceDetector interface {
	Load(ctx context.Context) error
	Detect(ctx context.Context, frame types.Frame) ([]types.FaceBox, error)
}

// QRDecoder reads at most one QR payload from a frame.
type QRDecoder interface {
	Decode(frame types.Frame) (payload string, ok bool, err error)
}

type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusFailed
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Callbacks are invoked from the loop goroutine, one tick at a time.
// Any of them may be nil.
type Callbacks struct {
	OnFaceDetect func(count int)
	OnQRScan     func(payload string)
	OnStatus     func(status Status, err error)
	// OnFeedback fires right after OnQRScan (haptic/audible cue).
	OnFeedback func()
}

type Options struct {
	Interval time.Duration
}

var (
	ErrRunning     = errors.New("capture loop already running")
	ErrSourceEnded = errors.New("video source keeps ending")
)

// maxReopens bounds back-to-back reopens of an ended source with no frame read in between.
const maxReopens = 3

// Loop samples the source on a fixed interval, runs face detection and QR
// decoding over each sample, and reports what it found.
type Loop struct {
	source   Source
	detector FaceDetector
	decoder  QRDecoder
	cb       Callbacks
	interval time.Duration
	log      *logrus.Entry

	rearm chan struct{}

	mu          sync.Mutex
	status      Status
	cancel      context.CancelFunc
	done        chan struct{}
	modelLoaded bool

	// owned by the run goroutine
	lastQR string
}

func New(source Source, detector FaceDetector, decoder QRDecoder, cb Callbacks, opts Options, log *logrus.Entry) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 150 * time.Millisecond
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	return &Loop{
		source:   source,
		detector: detector,
		decoder:  decoder,
		cb:       cb,
		interval: opts.Interval,
		log:      log,
		rearm:    make(chan struct{}, 1),
		status:   StatusStopped,
	}
}

// Start loads the model (once per Loop), opens the source and begins ticking.
// Any acquisition failure leaves the loop in StatusFailed; there are no retries.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return ErrRunning
	}
	loaded := l.modelLoaded
	l.mu.Unlock()

	l.setStatus(StatusLoading, nil)

	if !loaded {
		if err := l.detector.Load(ctx); err != nil {
			err = fmt.Errorf("failed to load face model: %w", err)
			l.setStatus(StatusFailed, err)
			return err
		}
		l.mu.Lock()
		l.modelLoaded = true
		l.mu.Unlock()
	}

	if err := l.source.Open(ctx); err != nil {
		err = fmt.Errorf("failed to open camera: %w", err)
		l.setStatus(StatusFailed, err)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	l.setStatus(StatusReady, nil)
	go l.run(runCtx, done)
	return nil
}

// Stop cancels the loop and waits until the last tick has returned and the
// source is released. No callback fires after Stop returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Rearm reopens the source and clears decode suppression so the same QR code
// can be reported again. It never blocks; repeated calls before the loop picks
// the request up collapse into one.
func (l *Loop) Rearm() {
	select {
	case l.rearm <- struct{}{}:
	default:
	}
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Loop) setStatus(s Status, err error) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()

	entry := l.log.WithField("status", s.String())
	if err != nil {
		entry.WithError(err).Error("capture status changed")
	} else {
		entry.Debug("capture status changed")
	}
	if l.cb.OnStatus != nil {
		l.cb.OnStatus(s, err)
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	final := StatusStopped
	var finalErr error
	defer func() {
		if err := l.source.Close(); err != nil {
			l.log.WithError(err).Warn("failed to release camera")
		}
		l.mu.Lock()
		if l.cancel != nil {
			l.cancel()
		}
		l.cancel = nil
		l.done = nil
		l.mu.Unlock()
		// Status is set before done is closed so Stop observes it.
		l.setStatusQuiet(final, finalErr)
		close(done)
	}()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	reopens := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.rearm:
			l.lastQR = ""
			if err := l.reopen(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				final, finalErr = StatusFailed, err
				return
			}
		case <-ticker.C:
			if e, ok := l.source.(Ender); ok && e.Ended() {
				reopens++
				if reopens > maxReopens {
					final, finalErr = StatusFailed, ErrSourceEnded
					return
				}
				l.log.WithField("attempt", reopens).Warn("video source ended, reopening")
				if err := l.reopen(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					final, finalErr = StatusFailed, err
					return
				}
				continue
			}
			if l.tick(ctx) {
				reopens = 0
			}
		}
	}
}

// setStatusQuiet records the terminal status. OnStatus only fires for
// failures here, since a stop was requested by the caller.
func (l *Loop) setStatusQuiet(s Status, err error) {
	if err != nil {
		l.setStatus(s, err)
		return
	}
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

func (l *Loop) reopen(ctx context.Context) error {
	if err := l.source.Close(); err != nil {
		l.log.WithError(err).Debug("close before reopen failed")
	}
	if err := l.source.Open(ctx); err != nil {
		return fmt.Errorf("failed to reopen camera: %w", err)
	}
	l.log.Debug("capture re-armed")
	return nil
}

// tick reports whether a frame was read.
func (l *Loop) tick(ctx context.Context) (read bool) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Warn("tick panicked, skipping")
		}
	}()

	if !l.source.Active() {
		return
	}

	frame, err := l.source.Read()
	if err != nil {
		l.log.WithError(err).Warn("frame read failed, skipping tick")
		return
	}
	read = true

	faces, err := l.detector.Detect(ctx, frame)
	if ctx.Err() != nil {
		// Torn down while detection was in flight; the result is stale.
		return
	}
	if err != nil {
		l.log.WithError(err).WithField("frame", frame.Seq).Warn("face detection failed, skipping tick")
		return
	}
	if l.cb.OnFaceDetect != nil {
		l.cb.OnFaceDetect(len(faces))
	}

	payload, ok, err := l.decoder.Decode(frame)
	if err != nil {
		l.log.WithError(err).WithField("frame", frame.Seq).Warn("qr decode failed, skipping tick")
		return
	}
	if !ok || payload == "" || payload == l.lastQR {
		return
	}
	l.lastQR = payload
	l.log.WithField("payload", payload).Info("qr code read")

	if l.cb.OnQRScan != nil {
		l.cb.OnQRScan(payload)
	}
	if l.cb.OnFeedback != nil {
		l.cb.OnFeedback()
	}
	return
}
