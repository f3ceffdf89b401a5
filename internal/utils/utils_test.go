package utils

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	first := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
	second := []byte{0xFF, 0xD8, 0x0A, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, first...)
	streamData = append(streamData, second...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[0], first) {
		t.Errorf("Expected %X, got %X", first, got[0])
	}
	if !bytes.Equal(got[1], second) {
		t.Errorf("Expected %X, got %X", second, got[1])
	}
}

func TestSplitJpeg_TruncatedFrame(t *testing.T) {
	// A frame cut off by EOF must not be emitted and must not loop forever.
	stream := []byte{0xFF, 0xD8, 0x01, 0x02}
	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJpeg)

	if scanner.Scan() {
		t.Errorf("Expected no token for a truncated frame, got %X", scanner.Bytes())
	}
}

func TestFFmpegCaptureArgs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		fps      float64
		contains []string
		absent   []string
	}{
		{
			name:     "v4l2 device",
			input:    "/dev/video0",
			fps:      0,
			contains: []string{"-f v4l2", "-video_size 640x480", "-i /dev/video0", "-vf scale=640:480", "image2pipe"},
			absent:   []string{"-re"},
		},
		{
			name:     "file input is paced",
			input:    "/tmp/demo.mp4",
			fps:      7.5,
			contains: []string{"-re", "-i /tmp/demo.mp4", "-vf fps=7.5,scale=640:480", "-vcodec mjpeg -"},
			absent:   []string{"v4l2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(FFmpegCaptureArgs(tt.input, 640, 480, tt.fps), " ")
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("args %q missing %q", got, want)
				}
			}
			for _, bad := range tt.absent {
				if strings.Contains(got, bad) {
					t.Errorf("args %q should not contain %q", got, bad)
				}
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "json", io.Discard)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("Expected JSON formatter, got %T", logger.Formatter)
	}

	if _, err := NewLogger("loud", "text", io.Discard); err == nil {
		t.Error("Expected error for unknown level")
	}
	if _, err := NewLogger("info", "xml", io.Discard); err == nil {
		t.Error("Expected error for unknown format")
	}
}
