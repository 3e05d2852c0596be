package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"io"
	"math"
	"sync"
	"testing"
	"time"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// queueResponse writes a length-prefixed payload into the fake data pipe.
func queueResponse(pipe *MockCloser, payload []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
}

func TestDetect(t *testing.T) {
	// 1. Setup Mocks
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with a fake response from "Python"
	// Protocol: [Status:0] [NumFaces:1] [X1 Y1 X2 Y2 Score]
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))
	binary.Write(payload, binary.BigEndian, [5]float32{10, 12, 40, 52, 0.75})
	queueResponse(dataPipeMock, payload.Bytes())

	// 3. Create Worker with mocks injected
	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}

	// 4. Execute the function under test
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Pix[0] = 0xAB
	boxes, err := w.Detect(context.Background(), img)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// 5. Assertions

	// Verify Go sent the correct data TO Python: [len][w][h][pix]
	sent := stdinMock.Bytes()
	if want := 4 + 8 + 3*2*4; len(sent) != want {
		t.Fatalf("Expected %d bytes sent, got %d", want, len(sent))
	}
	if binary.BigEndian.Uint32(sent[4:8]) != 3 || binary.BigEndian.Uint32(sent[8:12]) != 2 {
		t.Errorf("Expected 3x2 header, got %v", sent[4:12])
	}
	if sent[12] != 0xAB {
		t.Errorf("Expected first pixel byte 0xAB, got %#x", sent[12])
	}

	// Verify Go read the correct data FROM Python
	if len(boxes) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(boxes))
	}
	if boxes[0].X1 != 10 || boxes[0].Y2 != 52 {
		t.Errorf("Unexpected box %+v", boxes[0])
	}
	if math.Abs(boxes[0].Score-0.75) > 1e-6 {
		t.Errorf("Expected score approx 0.75, got %f", boxes[0].Score)
	}
}

func TestDetect_Error(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:1] [MsgLen] [Msg]
	payload := new(bytes.Buffer)
	payload.WriteByte(1)
	errMsg := "Python Exception: Import Error"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)
	queueResponse(dataPipeMock, payload.Bytes())

	w := &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	_, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestDetect_Truncated(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Claims 3 faces but carries only one
	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(3))
	binary.Write(payload, binary.BigEndian, [5]float32{1, 1, 2, 2, 1})
	queueResponse(dataPipeMock, payload.Bytes())

	w := &PythonWorker{ID: 2, Stdin: stdinMock, DataPipe: dataPipeMock}
	if _, err := w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))); err == nil {
		t.Fatal("Expected error for truncated response")
	}
}

func TestDetect_CancelledContext(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	w := &PythonWorker{ID: 3, Stdin: stdinMock, DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 1, 1))); err == nil {
		t.Fatal("Expected context error")
	}
	if stdinMock.Len() != 0 {
		t.Errorf("Expected nothing written after cancellation, got %d bytes", stdinMock.Len())
	}
}

// blockingPipe never answers; Read returns only after Close, like a pipe to
// a child that hung mid-request.
type blockingPipe struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingPipe() *blockingPipe { return &blockingPipe{closed: make(chan struct{})} }

func (p *blockingPipe) Read([]byte) (int, error) {
	<-p.closed
	return 0, io.ErrClosedPipe
}

func (p *blockingPipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestDetect_DeadlineUnblocksHungWorker(t *testing.T) {
	pipe := newBlockingPipe()
	w := &PythonWorker{ID: 4, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: pipe}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := w.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 2, 2)))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Detect returned %s after a 50ms deadline", elapsed)
	}
	select {
	case <-pipe.closed:
	default:
		t.Error("Expected the data pipe to be closed after the deadline")
	}

	// The stream is out of sync, and without a script there is nothing to restart
	_, err = w.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)))
	if err == nil {
		t.Fatal("Expected an unusable worker to refuse further requests")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close after abort: %v", err)
	}
}
