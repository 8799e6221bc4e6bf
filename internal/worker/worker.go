package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/footfall/internal/frames"
	"github.com/andresmejia3/footfall/internal/types"
	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/andresmejia3/footfall/internal/vision"
)

// Protocol op codes.
const (
	opDetect byte = 1
	opEmbed  byte = 2
)

// Response status codes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

const (
	maxBoxes        = 4096
	maxEmbeddingDim = 8192
)

// Config controls how the Python engine is launched.
type Config struct {
	Python        string // interpreter, defaults to python3
	Script        string // engine entrypoint, defaults to python/worker.py
	DetectorModel string
	ReadTimeout   time.Duration
	JPEGQuality   int
}

// RemoteError is a failure reported by the Python side for a single request.
// The engine is still healthy afterwards.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "python worker error: " + e.Msg
}

// PythonWorker drives one detector+embedder process.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	cfg      Config
}

// NewPythonWorker spawns the engine process.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Script == "" {
		cfg.Script = "python/worker.py"
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 95
	}

	args := []string{"-u", cfg.Script}
	if cfg.DetectorModel != "" {
		args = append(args, "--detector-model", cfg.DetectorModel)
	}
	py := utils.NewSafeCommand(ctx, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Detect returns the raw face boxes found in a frame. Boxes are not clipped.
func (w *PythonWorker) Detect(ctx context.Context, frame *frames.Frame) ([]types.Box, error) {
	data := frame.Data
	if len(data) == 0 {
		if frame.Image == nil {
			return nil, fmt.Errorf("frame %d has no pixels", frame.Index)
		}
		var err error
		if data, err = vision.EncodeJPEG(frame.Image, w.cfg.JPEGQuality); err != nil {
			return nil, err
		}
	}

	body, err := w.roundTrip(ctx, opDetect, data)
	if err != nil {
		return nil, err
	}
	return decodeBoxes(body)
}

// Embed returns the embedding of a face crop, or nil when the model finds no face in it.
func (w *PythonWorker) Embed(ctx context.Context, face image.Image) ([]float64, error) {
	data, err := vision.EncodeJPEG(face, w.cfg.JPEGQuality)
	if err != nil {
		return nil, err
	}
	body, err := w.roundTrip(ctx, opEmbed, data)
	if err != nil {
		return nil, err
	}
	return decodeEmbedding(body)
}

// roundTrip sends one request and returns the response body following an OK status.
// Protocol: [Length][Op][Payload] -> [Length][Status][Body]
func (w *PythonWorker) roundTrip(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, uint32(len(payload)+1))
	header[4] = op
	if _, err := w.Stdin.Write(header); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", types.ErrEngineDown, err)
	}
	if _, err := w.Stdin.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", types.ErrEngineDown, err)
	}

	w.armDeadline()
	resp, err := readFrame(w.DataPipe)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", types.ErrEngineDown, err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty response", types.ErrEngineDown)
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		msg, err := readString(bytes.NewReader(resp[1:]))
		if err != nil {
			return nil, fmt.Errorf("%w: malformed error payload: %v", types.ErrEngineDown, err)
		}
		return nil, &RemoteError{Msg: msg}
	default:
		return nil, fmt.Errorf("%w: unknown status byte %d", types.ErrEngineDown, resp[0])
	}
}

// armDeadline bounds the next read when the pipe supports deadlines (os.Pipe does).
func (w *PythonWorker) armDeadline() {
	if w.cfg.ReadTimeout <= 0 {
		return
	}
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = d.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	}
}

// Close stops the engine and waits for it to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

func readFrame(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func decodeBoxes(body []byte) ([]types.Box, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: truncated detect response: %v", types.ErrEngineDown, err)
	}
	if n > maxBoxes {
		return nil, fmt.Errorf("%w: implausible box count %d", types.ErrEngineDown, n)
	}

	boxes := make([]types.Box, 0, n)
	for i := uint32(0); i < n; i++ {
		var raw [4]int32
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, fmt.Errorf("%w: truncated box %d: %v", types.ErrEngineDown, i, err)
		}
		boxes = append(boxes, types.Box{X1: int(raw[0]), Y1: int(raw[1]), X2: int(raw[2]), Y2: int(raw[3])})
	}
	return boxes, nil
}

func decodeEmbedding(body []byte) ([]float64, error) {
	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("%w: truncated embed response: %v", types.ErrEngineDown, err)
	}
	if dim == 0 {
		return nil, nil // no face in crop
	}
	if dim > maxEmbeddingDim {
		return nil, fmt.Errorf("%w: implausible embedding size %d", types.ErrEngineDown, dim)
	}

	raw := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, fmt.Errorf("%w: truncated embedding: %v", types.ErrEngineDown, err)
	}
	for i, v := range raw {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("embedding component %d is not finite", i)
		}
	}
	return utils.Float64s(raw), nil
}
