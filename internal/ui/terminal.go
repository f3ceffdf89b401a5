package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/labscan/internal/session"
)

const rule = "------------------------------------------------------------"

// Terminal renders the kiosk view to a text terminal.
type Terminal struct {
	out        io.Writer
	clear      bool
	faceWindow time.Duration
	now        func() time.Time

	mu    sync.Mutex
	snap  session.Snapshot
	toast *session.Notice
}

type TerminalOptions struct {
	Clear      bool // clear the screen before each frame
	FaceWindow time.Duration
	Now        func() time.Time
}

func NewTerminal(out io.Writer, opts TerminalOptions) *Terminal {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FaceWindow <= 0 {
		opts.FaceWindow = 2 * time.Second
	}
	return &Terminal{out: out, clear: opts.Clear, faceWindow: opts.FaceWindow, now: opts.Now}
}

func (t *Terminal) Present(s session.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap = s
	t.draw()
}

// ShowToast displays n; nil dismisses the current toast.
func (t *Terminal) ShowToast(n *session.Notice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toast = n
	t.draw()
}

// RunClock redraws once a second so the clock and face indicator stay current.
func (t *Terminal) RunClock(ctx context.Context, snapshot func() session.Snapshot) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			if snapshot != nil {
				t.snap = snapshot()
			}
			t.draw()
			t.mu.Unlock()
		}
	}
}

func (t *Terminal) draw() {
	var b strings.Builder
	if t.clear {
		b.WriteString("\033[H\033[2J")
	}
	b.WriteString(Render(t.snap, t.toast, t.now(), t.faceWindow))
	io.WriteString(t.out, b.String())
}

// Render builds one full frame of the kiosk screen.
func Render(s session.Snapshot, toast *session.Notice, now time.Time, faceWindow time.Duration) string {
	var b strings.Builder

	fmt.Fprintf(&b, "LABSCAN  %s\n", now.Format("Mon 02 Jan 2006  15:04:05"))
	camera := s.Camera
	if camera == "" {
		camera = "starting"
	}
	fmt.Fprintf(&b, "Camera: %-10s Face: %s\n", camera, FaceLabel(s, now, faceWindow))
	b.WriteString(rule + "\n")

	switch s.State {
	case session.Idle:
		b.WriteString("Show your borrowing QR code to the camera.\n")
	case session.VerifyingStatus:
		b.WriteString("Checking borrowing status...\n")
	case session.FetchingDetail:
		b.WriteString("Loading borrowing details...\n")
	case session.Result:
		if s.ErrorMessage != "" {
			fmt.Fprintf(&b, "!! %s\n\n", s.ErrorMessage)
		}
		writeTransaction(&b, s.Transaction)
		b.WriteString("\nPress Enter when done.\n")
	case session.Error:
		fmt.Fprintf(&b, "!! %s\n", s.ErrorMessage)
		b.WriteString("\nPress Enter to retry.\n")
	}

	b.WriteString(rule + "\n")
	if toast != nil {
		fmt.Fprintf(&b, "[%s] %s: %s\n", strings.ToUpper(toast.Level.String()), toast.Title, toast.Message)
	}
	return b.String()
}

func writeTransaction(b *strings.Builder, tx *session.Transaction) {
	if tx == nil {
		return
	}
	switch {
	case tx.StudentName != "" && tx.StudentID != "":
		fmt.Fprintf(b, "Borrower: %s (%s)\n", tx.StudentName, tx.StudentID)
	case tx.StudentName != "":
		fmt.Fprintf(b, "Borrower: %s\n", tx.StudentName)
	default:
		fmt.Fprintf(b, "Borrower ID: %s\n", tx.StudentID)
	}
	if tx.NewStatus != "" {
		fmt.Fprintf(b, "Status: %s\n", tx.NewStatus)
	}
	b.WriteString("Items:\n")
	for _, label := range tx.Labels() {
		fmt.Fprintf(b, "  - %s\n", label)
	}
	if len(tx.Failed) > 0 {
		b.WriteString("Not processed:\n")
		for _, name := range tx.Failed {
			fmt.Fprintf(b, "  x %s\n", name)
		}
	}
}

// FaceLabel distinguishes "no faces" from "no recent report".
func FaceLabel(s session.Snapshot, now time.Time, window time.Duration) string {
	if !s.FaceSignalFresh(now, window) {
		return "Face sensor idle"
	}
	switch s.Faces {
	case 0:
		return "Looking for faces..."
	case 1:
		return "1 face detected"
	default:
		return fmt.Sprintf("%d faces detected", s.Faces)
	}
}
