package ui

import (
	"io"
	"strings"

	"github.com/andresmejia3/labscan/internal/session"
)

// Bell is the audible cue: one BEL for success, two for a warning, three for an error.
type Bell struct {
	out     io.Writer
	enabled bool
}

func NewBell(out io.Writer, enabled bool) *Bell {
	return &Bell{out: out, enabled: enabled}
}

func (b *Bell) Notify(n session.Notice) {
	switch n.Level {
	case session.LevelSuccess:
		b.ring(1)
	case session.LevelWarning:
		b.ring(2)
	case session.LevelError:
		b.ring(3)
	}
}

// Ring is the short cue played when a QR code is read.
func (b *Bell) Ring() {
	b.ring(1)
}

func (b *Bell) ring(n int) {
	if !b.enabled || b.out == nil {
		return
	}
	io.WriteString(b.out, strings.Repeat("\a", n))
}
