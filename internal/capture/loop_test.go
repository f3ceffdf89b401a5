package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/labscan/internal/types"
)

type fakeSource struct {
	mu      sync.Mutex
	opens   int
	closes  int
	openErr error
	lastCtx context.Context
	paused  atomic.Bool
	ended   atomic.Bool
	// stuck keeps the source ended across reopens.
	stuck bool
	seq   uint64
}

func (s *fakeSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	s.lastCtx = ctx
	if !s.stuck {
		s.ended.Store(false)
	}
	return s.openErr
}

func (s *fakeSource) Read() (types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return types.Frame{Seq: s.seq, Width: 1, Height: 1, Pix: make([]byte, 4)}, nil
}

func (s *fakeSource) Active() bool { return !s.paused.Load() && !s.ended.Load() }

func (s *fakeSource) Ended() bool { return s.ended.Load() }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSource) counts() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes
}

type fakeDetector struct {
	loadErr error
	loads   atomic.Int32
	calls   atomic.Int32
	detect  func(ctx context.Context, call int32) ([]types.FaceBox, error)
}

func (d *fakeDetector) Load(ctx context.Context) error {
	d.loads.Add(1)
	return d.loadErr
}

func (d *fakeDetector) Detect(ctx context.Context, f types.Frame) ([]types.FaceBox, error) {
	n := d.calls.Add(1)
	if d.detect != nil {
		return d.detect(ctx, n)
	}
	return []types.FaceBox{{X: 1, Y: 1, W: 10, H: 10}}, nil
}

type fakeDecoder struct {
	calls   atomic.Int32
	payload string
}

func (d *fakeDecoder) Decode(f types.Frame) (string, bool, error) {
	d.calls.Add(1)
	if d.payload == "" {
		return "", false, nil
	}
	return d.payload, true, nil
}

// recorder collects callback traffic.
type recorder struct {
	mu       sync.Mutex
	faces    []int
	qrs      []string
	statuses []Status
	feedback int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnFaceDetect: func(n int) { r.mu.Lock(); r.faces = append(r.faces, n); r.mu.Unlock() },
		OnQRScan:     func(p string) { r.mu.Lock(); r.qrs = append(r.qrs, p); r.mu.Unlock() },
		OnStatus:     func(s Status, err error) { r.mu.Lock(); r.statuses = append(r.statuses, s); r.mu.Unlock() },
		OnFeedback:   func() { r.mu.Lock(); r.feedback++; r.mu.Unlock() },
	}
}

func (r *recorder) snapshot() (faces []int, qrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.faces...), append([]string(nil), r.qrs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestLoop(src *fakeSource, det *fakeDetector, dec *fakeDecoder, rec *recorder) *Loop {
	return New(src, det, dec, rec.callbacks(), Options{Interval: 3 * time.Millisecond}, nil)
}

func TestLoop_SuppressesRepeatedPayload(t *testing.T) {
	src, det, dec, rec := &fakeSource{}, &fakeDetector{}, &fakeDecoder{payload: "TX-42"}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "ten ticks", func() bool { f, _ := rec.snapshot(); return len(f) >= 10 })
	loop.Stop()

	_, qrs := rec.snapshot()
	if len(qrs) != 1 || qrs[0] != "TX-42" {
		t.Errorf("Expected exactly one TX-42 emission, got %v", qrs)
	}
	if rec.feedback != 1 {
		t.Errorf("Expected one feedback cue, got %d", rec.feedback)
	}
}

func TestLoop_ReportsZeroFacesEveryTick(t *testing.T) {
	det := &fakeDetector{detect: func(ctx context.Context, n int32) ([]types.FaceBox, error) { return nil, nil }}
	src, dec, rec := &fakeSource{}, &fakeDecoder{}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	waitFor(t, "five ticks", func() bool { f, _ := rec.snapshot(); return len(f) >= 5 })
	loop.Stop()

	faces, _ := rec.snapshot()
	for i, n := range faces {
		if n != 0 {
			t.Errorf("tick %d: expected 0 faces, got %d", i, n)
		}
	}
	// The detection in flight at Stop may be discarded.
	if missing := int(det.calls.Load()) - len(faces); missing < 0 || missing > 1 {
		t.Errorf("Expected one face callback per detection (%d), got %d", det.calls.Load(), len(faces))
	}
}

func TestLoop_DetectionErrorSkipsTick(t *testing.T) {
	det := &fakeDetector{detect: func(ctx context.Context, n int32) ([]types.FaceBox, error) {
		if n <= 3 {
			return nil, errors.New("model hiccup")
		}
		if n == 4 {
			panic("bad frame")
		}
		return []types.FaceBox{{}, {}}, nil
	}}
	src, dec, rec := &fakeSource{}, &fakeDecoder{payload: "TX-1"}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	waitFor(t, "a successful tick", func() bool { f, _ := rec.snapshot(); return len(f) >= 1 })
	loop.Stop()

	faces, qrs := rec.snapshot()
	if faces[0] != 2 {
		t.Errorf("Expected 2 faces, got %d", faces[0])
	}
	if int(det.calls.Load())-len(faces) < 4 {
		t.Errorf("Expected the four failed ticks to produce no face callback (calls=%d callbacks=%d)", det.calls.Load(), len(faces))
	}
	if len(qrs) != 1 {
		t.Errorf("Expected loop to keep going and read the QR, got %v", qrs)
	}
}

func TestLoop_SkipsInactiveSource(t *testing.T) {
	src, det, dec, rec := &fakeSource{}, &fakeDetector{}, &fakeDecoder{}, &recorder{}
	src.paused.Store(true)
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	defer loop.Stop()

	time.Sleep(30 * time.Millisecond)
	if det.calls.Load() != 0 {
		t.Fatalf("Expected no detection while paused, got %d", det.calls.Load())
	}

	src.paused.Store(false)
	waitFor(t, "ticks after resume", func() bool { return det.calls.Load() > 0 })
}

func TestLoop_StartFailures(t *testing.T) {
	tests := []struct {
		name string
		src  *fakeSource
		det  *fakeDetector
	}{
		{"model load fails", &fakeSource{}, &fakeDetector{loadErr: errors.New("no weights")}},
		{"camera open fails", &fakeSource{openErr: errors.New("device busy")}, &fakeDetector{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			loop := newTestLoop(tt.src, tt.det, &fakeDecoder{}, rec)

			if err := loop.Start(context.Background()); err == nil {
				t.Fatal("Expected Start to fail")
			}
			if loop.Status() != StatusFailed {
				t.Errorf("Expected failed status, got %s", loop.Status())
			}
			rec.mu.Lock()
			last := rec.statuses[len(rec.statuses)-1]
			rec.mu.Unlock()
			if last != StatusFailed {
				t.Errorf("Expected OnStatus(failed), got %s", last)
			}

			time.Sleep(10 * time.Millisecond)
			if tt.det.calls.Load() != 0 {
				t.Error("No tick should run after a failed start")
			}
			loop.Stop() // no-op
		})
	}
}

func TestLoop_ModelLoadedOnce(t *testing.T) {
	src, det, dec, rec := &fakeSource{}, &fakeDetector{}, &fakeDecoder{}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	if err := loop.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("Expected ErrRunning, got %v", err)
	}
	loop.Stop()
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	loop.Stop()

	if det.loads.Load() != 1 {
		t.Errorf("Expected model to load once, got %d", det.loads.Load())
	}
	if opens, closes := src.counts(); opens != 2 || closes != 2 {
		t.Errorf("Expected 2 opens and 2 closes, got %d/%d", opens, closes)
	}
}

func TestLoop_DiscardsDetectionAfterStop(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	det := &fakeDetector{detect: func(ctx context.Context, n int32) ([]types.FaceBox, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		// A detector that ignores cancellation and answers anyway.
		return []types.FaceBox{{}}, nil
	}}
	src, dec, rec := &fakeSource{}, &fakeDecoder{payload: "TX-9"}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	<-entered
	loop.Stop()

	faces, qrs := rec.snapshot()
	if len(faces) != 0 || len(qrs) != 0 {
		t.Errorf("Expected late detection to be discarded, got faces=%v qrs=%v", faces, qrs)
	}
	if dec.calls.Load() != 0 {
		t.Error("Decoder must not run after teardown")
	}
	if _, closes := src.counts(); closes != 1 {
		t.Errorf("Expected source released once, got %d", closes)
	}
	if loop.Status() != StatusStopped {
		t.Errorf("Expected stopped status, got %s", loop.Status())
	}
}

func TestLoop_NoCallbacksAfterStop(t *testing.T) {
	src, det, dec, rec := &fakeSource{}, &fakeDetector{}, &fakeDecoder{}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	waitFor(t, "a tick", func() bool { f, _ := rec.snapshot(); return len(f) > 0 })
	loop.Stop()

	before, _ := rec.snapshot()
	time.Sleep(20 * time.Millisecond)
	after, _ := rec.snapshot()
	if len(after) != len(before) {
		t.Errorf("Callbacks fired after Stop: %d -> %d", len(before), len(after))
	}
}

func TestLoop_ParentCancelStops(t *testing.T) {
	src, det, dec, rec := &fakeSource{}, &fakeDetector{}, &fakeDecoder{}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	cancel()

	waitFor(t, "source release", func() bool { _, c := src.counts(); return c == 1 })
	waitFor(t, "stopped status", func() bool { return loop.Status() == StatusStopped })
}

func TestLoop_RearmClearsSuppression(t *testing.T) {
	var hold atomic.Bool
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	det := &fakeDetector{detect: func(ctx context.Context, n int32) ([]types.FaceBox, error) {
		if hold.CompareAndSwap(true, false) {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return nil, nil
	}}
	src, dec, rec := &fakeSource{}, &fakeDecoder{payload: "TX-7"}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	defer loop.Stop()

	waitFor(t, "first read", func() bool { _, q := rec.snapshot(); return len(q) == 1 })

	// Queue both requests while a tick is in flight.
	hold.Store(true)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("detector never blocked")
	}
	loop.Rearm()
	loop.Rearm() // collapses into the pending request
	close(release)

	waitFor(t, "second read", func() bool { _, q := rec.snapshot(); return len(q) == 2 })
	if opens, _ := src.counts(); opens != 2 {
		t.Errorf("Expected the source to be reopened once, got %d opens", opens)
	}
}

func TestLoop_RearmReopenFailure(t *testing.T) {
	src, det, dec, rec := &fakeSource{}, &fakeDetector{}, &fakeDecoder{}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	src.mu.Lock()
	src.openErr = errors.New("unplugged")
	src.mu.Unlock()
	loop.Rearm()

	waitFor(t, "failed status", func() bool { return loop.Status() == StatusFailed })
	loop.Stop()

	// The run context handed to the failed reopen must be released.
	src.mu.Lock()
	ctx := src.lastCtx
	src.mu.Unlock()
	waitFor(t, "run context cancelled", func() bool { return ctx.Err() != nil })

	// A failed loop can be started again.
	src.mu.Lock()
	src.openErr = nil
	src.mu.Unlock()
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Restart after failure: %v", err)
	}
	loop.Stop()
}

func TestLoop_ReopensEndedSource(t *testing.T) {
	src, det, dec, rec := &fakeSource{}, &fakeDetector{}, &fakeDecoder{payload: "TX-9"}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	defer loop.Stop()

	waitFor(t, "first read", func() bool { _, q := rec.snapshot(); return len(q) == 1 })
	src.ended.Store(true)

	waitFor(t, "reopen", func() bool { o, _ := src.counts(); return o == 2 })
	calls := det.calls.Load()
	waitFor(t, "ticks after reopen", func() bool { return det.calls.Load() > calls })

	if loop.Status() != StatusReady {
		t.Errorf("Expected the loop to stay ready, got %s", loop.Status())
	}
	// Reopening on its own does not clear suppression.
	if _, q := rec.snapshot(); len(q) != 1 {
		t.Errorf("Expected the payload to stay suppressed, got %v", q)
	}
}

func TestLoop_FailsWhenSourceKeepsEnding(t *testing.T) {
	src, det, dec, rec := &fakeSource{stuck: true}, &fakeDetector{}, &fakeDecoder{}, &recorder{}
	loop := newTestLoop(src, det, dec, rec)

	loop.Start(context.Background())
	defer loop.Stop()
	src.ended.Store(true)

	waitFor(t, "failed status", func() bool { return loop.Status() == StatusFailed })
	if opens, _ := src.counts(); opens != 1+maxReopens {
		t.Errorf("Expected %d reopen attempts, got %d opens", maxReopens, opens)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.statuses) == 0 || rec.statuses[len(rec.statuses)-1] != StatusFailed {
		t.Errorf("Expected the failure to be reported, got %v", rec.statuses)
	}
}
