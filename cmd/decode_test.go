package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/labscan/internal/api"
	"github.com/andresmejia3/labscan/internal/types"
)

type stubDetector struct {
	faces []types.FaceBox
	err   error
}

func (d stubDetector) Load(ctx context.Context) error { return nil }
func (d stubDetector) Detect(ctx context.Context, f types.Frame) ([]types.FaceBox, error) {
	return d.faces, d.err
}

type stubDecoder struct {
	payload string
	ok      bool
	err     error
}

func (d stubDecoder) Decode(f types.Frame) (string, bool, error) { return d.payload, d.ok, d.err }

func TestRunDecode(t *testing.T) {
	frame := types.Frame{Width: 320, Height: 240, Pix: make([]byte, 320*240*4)}

	tests := []struct {
		name     string
		det      stubDetector
		dec      stubDecoder
		contains []string
	}{
		{
			name:     "Face and QR",
			det:      stubDetector{faces: []types.FaceBox{{X: 10, Y: 20, W: 80, H: 80, Score: 0.9}}},
			dec:      stubDecoder{payload: "TX-1", ok: true},
			contains: []string{"Image: 320x240", "1 face(s) detected", "#1 at (10,20) 80x80 score 0.90", "QR payload: TX-1"},
		},
		{
			name:     "Nothing found",
			contains: []string{"No faces detected", "No QR code found"},
		},
		{
			name:     "QR decoder error is reported, not fatal",
			det:      stubDetector{faces: []types.FaceBox{{}, {}}},
			dec:      stubDecoder{err: errors.New("bad frame")},
			contains: []string{"2 face(s) detected", "QR decoding failed: bad frame"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := runDecode(context.Background(), frame, tt.det, tt.dec, &out); err != nil {
				t.Fatalf("runDecode failed: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(out.String(), want) {
					t.Errorf("Output missing %q:\n%s", want, out.String())
				}
			}
		})
	}
}

func TestRunDecode_DetectorError(t *testing.T) {
	boom := errors.New("worker crashed")
	err := runDecode(context.Background(), types.Frame{}, stubDetector{err: boom}, stubDecoder{}, &bytes.Buffer{})
	if !errors.Is(err, boom) {
		t.Errorf("Expected detector error, got %v", err)
	}
}

func TestPrintIdentity(t *testing.T) {
	var out bytes.Buffer
	printIdentity(&out, &api.Identity{
		Username:    "kiosk01",
		Name:        "Lab Kiosk",
		AppID:       "APP01",
		RoleID:      "ROL23",
		Permissions: []string{"borrowing.scan", "borrowing.verify"},
	})
	for _, want := range []string{"USER", "kiosk01", "Lab Kiosk", "ROL23", "never", "- borrowing.scan", "- borrowing.verify"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	printIdentity(&out, &api.Identity{Username: "x", ExpiresAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.Local)})
	if !strings.Contains(out.String(), "2026-05-01 12:00") || !strings.Contains(out.String(), "No permissions granted") {
		t.Errorf("Unexpected output:\n%s", out.String())
	}
}
