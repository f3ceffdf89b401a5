package ui

import (
	"sync"
	"time"

	"github.com/andresmejia3/labscan/internal/session"
)

// ToastSink shows a toast; nil means dismiss.
type ToastSink interface {
	ShowToast(n *session.Notice)
}

// Toaster shows each notice for a fixed duration. A newer notice replaces the
// current one, and the older timer can no longer dismiss it.
type Toaster struct {
	duration time.Duration
	sinks    []ToastSink

	mu      sync.Mutex
	gen     uint64
	timer   *time.Timer
	current *session.Notice
	stopped bool
}

func NewToaster(duration time.Duration, sinks ...ToastSink) *Toaster {
	if duration <= 0 {
		duration = 3 * time.Second
	}
	return &Toaster{duration: duration, sinks: sinks}
}

// AddSink attaches another toast surface, for sinks built after the toaster.
func (t *Toaster) AddSink(s ToastSink) {
	t.mu.Lock()
	t.sinks = append(t.sinks, s)
	t.mu.Unlock()
}

func (t *Toaster) Notify(n session.Notice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.current = &n
	t.show(&n)

	t.timer = time.AfterFunc(t.duration, func() { t.dismiss(gen) })
}

func (t *Toaster) dismiss(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || gen != t.gen {
		return
	}
	t.current = nil
	t.timer = nil
	t.show(nil)
}

func (t *Toaster) show(n *session.Notice) {
	for _, s := range t.sinks {
		s.ShowToast(n)
	}
}

// Current returns the visible toast, or nil.
func (t *Toaster) Current() *session.Notice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Stop cancels the pending dismissal. Later notices are ignored.
func (t *Toaster) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
