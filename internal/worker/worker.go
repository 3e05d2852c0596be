package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1
)

// PythonWorker runs a face-detection script as a child process.
// It implements detector.Model.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	ctx    context.Context
	script string
	broken bool // the stream is out of sync; respawn before the next request

	mu sync.Mutex
}

// NewPythonWorker starts script with python3. The child reads requests on
// stdin and writes responses on FD 3, leaving stdout and stderr free for logs.
func NewPythonWorker(ctx context.Context, id int, script string) (*PythonWorker, error) {
	w := &PythonWorker{ID: id, ctx: ctx, script: script}
	if err := w.spawn(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *PythonWorker) spawn() error {
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(w.ctx, "python3", "-u", w.script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{pw}

	stdin, err := py.StdinPipe()
	if err != nil {
		pw.Close() // Prevent FD leak
		r.Close()  // Close read-end too!
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		pw.Close() // Close write end if start fails
		r.Close()  // Close read-end too!
		return fmt.Errorf("worker %d failed to start: %w", w.ID, err)
	}

	// Close the write-end in the parent so only the child holds it
	pw.Close()

	w.Cmd = py
	w.Stdin = stdin
	w.DataPipe = r
	w.broken = false
	return nil
}

// respawn replaces a child whose stream can no longer be trusted.
func (w *PythonWorker) respawn() error {
	if w.script == "" {
		return errors.New("worker has no script to restart")
	}
	w.abort()
	if w.Cmd != nil {
		w.Cmd.Wait() // exit status of a killed child is expected
	}
	return w.spawn()
}

// abort unblocks any pending pipe I/O and kills the child.
func (w *PythonWorker) abort() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

// Communicate sends one length-prefixed message and reads one back.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// Detect sends an RGBA image and decodes the returned boxes.
//
// Request:  [Width u32][Height u32][RGBA pixels]
// Response: [Status u8] then either
//
//	OK:    [NumFaces u32] NumFaces x [X1 Y1 X2 Y2 Score float32]
//	Error: [MsgLen u32][Msg]
func (w *PythonWorker) Detect(ctx context.Context, img *image.RGBA) ([]types.Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	req := make([]byte, 8, 8+b.Dx()*b.Dy()*4)
	binary.BigEndian.PutUint32(req[0:4], uint32(b.Dx()))
	binary.BigEndian.PutUint32(req[4:8], uint32(b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		req = append(req, img.Pix[off:off+b.Dx()*4]...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		if err := w.respawn(); err != nil {
			return nil, fmt.Errorf("worker %d unusable: %w", w.ID, err)
		}
	}

	type reply struct {
		resp []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := w.Communicate(req)
		done <- reply{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			w.broken = true
			return nil, fmt.Errorf("worker %d: %w", w.ID, r.err)
		}
		return decodeResponse(r.resp)
	case <-ctx.Done():
		// A late answer would be read as the reply to the next request
		w.abort()
		<-done
		w.broken = true
		return nil, fmt.Errorf("worker %d: %w", w.ID, ctx.Err())
	}
}

func decodeResponse(resp []byte) ([]types.Box, error) {
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, errors.New("python worker error: " + string(msg))
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed worker response: %w", err)
	}
	// Each face is five float32 values
	if int(n) > r.Len()/20 {
		return nil, fmt.Errorf("worker claims %d faces but sent %d bytes", n, r.Len())
	}

	boxes := make([]types.Box, 0, n)
	for i := uint32(0); i < n; i++ {
		var raw [5]float32
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("malformed face %d: %w", i, err)
		}
		box := types.Box{
			X1:    float64(raw[0]),
			Y1:    float64(raw[1]),
			X2:    float64(raw[2]),
			Y2:    float64(raw[3]),
			Score: float64(raw[4]),
		}
		if math.IsNaN(box.X1) || math.IsNaN(box.Y1) || math.IsNaN(box.X2) || math.IsNaN(box.Y2) {
			return nil, fmt.Errorf("face %d has NaN coordinates", i)
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

// Close shuts the pipes and waits for the child to exit.
func (w *PythonWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	err := w.Cmd.Wait()
	if w.broken {
		// Killed by abort; its exit status says nothing new
		return nil
	}
	return err
}
