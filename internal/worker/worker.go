package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/andresmejia3/labscan/internal/types"
	"github.com/andresmejia3/labscan/internal/utils" // Using the SafeCommand wrapper
	"github.com/sirupsen/logrus"
)

// DefaultCommand launches the bundled OpenCV detector script.
var DefaultCommand = []string{"python3", "-u", "python/face_worker.py"}

// ErrClosed is returned by Detect once the worker has been shut down.
var ErrClosed = errors.New("face worker is closed")

// FaceWorker runs face detection in an external process.
//
// Protocol (both directions big endian):
//
//	request:  [len uint32][width uint32][height uint32][rgba pixels]
//	response: [len uint32][status byte] then
//	          status 0: [n uint32] n x ([x y w h int32][score float32])
//	          status 1: [msgLen uint32][msg]
//
// Responses arrive on a side-channel pipe (FD 3) so stray prints on stdout
// from the detector cannot corrupt the stream.
type FaceWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	command []string
	log     *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// NewFaceWorker prepares a worker; the process starts in Load.
func NewFaceWorker(id int, command []string, log *logrus.Entry) *FaceWorker {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &FaceWorker{ID: id, command: command, log: log}
}

// Load starts the detector process. The model is loaded by the child on startup.
func (w *FaceWorker) Load(ctx context.Context) error {
	py := utils.NewSafeCommand(w.command[0], w.command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{pw}

	stdin, err := py.StdinPipe()
	if err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		pw.Close()
		r.Close()
		return fmt.Errorf("face worker %d failed to start: %w", w.ID, err)
	}

	// Close the write-end in the parent so only the child holds it
	pw.Close()

	w.mu.Lock()
	w.Cmd = py
	w.Stdin = stdin
	w.DataPipe = r
	w.closed = false
	w.mu.Unlock()

	if w.log != nil {
		w.log.WithFields(logrus.Fields{"worker": w.ID, "cmd": strings.Join(w.command, " ")}).Info("face worker started")
	}
	return nil
}

// Detect sends one frame and waits for the detections. If ctx ends first the
// worker is closed, since the pipe would be left mid-response.
func (w *FaceWorker) Detect(ctx context.Context, frame types.Frame) ([]types.FaceBox, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	type reply struct {
		body []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		body, err := w.Communicate(encodeFrame(frame))
		ch <- reply{body, err}
	}()

	select {
	case <-ctx.Done():
		w.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, w.describeCrash(r.err)
		}
		return decodeFaces(r.body)
	}
}

// Communicate writes one framed request and reads one framed response.
func (w *FaceWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch an import error / crash in the child
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Close shuts the pipes and reaps the process. Safe to call more than once.
func (w *FaceWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		return w.Cmd.Wait()
	}
	return nil
}

// Logs exposes the child's stderr for crash reports.
func (w *FaceWorker) Logs() *utils.SafeCommand {
	return w.Cmd
}

func (w *FaceWorker) describeCrash(err error) error {
	if w.Cmd == nil || w.Cmd.Stderr == nil {
		return fmt.Errorf("face worker %d: %w", w.ID, err)
	}
	// The bundled script prints {"error": "..."} as its last stderr line before exiting.
	lines := bytes.Split(bytes.TrimSpace(w.Cmd.Stderr.Bytes()), []byte("\n"))
	var res types.ErrorResult
	if len(lines) > 0 && json.Unmarshal(lines[len(lines)-1], &res) == nil && res.Error != "" {
		return fmt.Errorf("face worker %d crashed: %s: %w", w.ID, res.Error, err)
	}
	return fmt.Errorf("face worker %d: %w", w.ID, err)
}

func encodeFrame(f types.Frame) []byte {
	buf := make([]byte, 8+len(f.Pix))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Width))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Height))
	copy(buf[8:], f.Pix)
	return buf
}

func decodeFaces(body []byte) ([]types.FaceBox, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty face worker response: %w", err)
	}

	if status != 0 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed face worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed face worker error: %w", err)
		}
		return nil, fmt.Errorf("face worker error: %s", msg)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}
	// 4 int32 + 1 float32 per face
	if int64(n)*20 > int64(r.Len()) {
		return nil, fmt.Errorf("face worker announced %d faces but sent %d bytes", n, r.Len())
	}

	faces := make([]types.FaceBox, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		var score float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, err
		}
		faces = append(faces, types.FaceBox{
			X: int(box[0]), Y: int(box[1]), W: int(box[2]), H: int(box[3]),
			Score: float64(score),
		})
	}
	return faces, nil
}
