package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/footfall/internal/frames"
	"github.com/andresmejia3/footfall/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine serves python/worker.py's request loop with canned handlers instead of models.
const fakeEngine = `import os, sys
sys.path.insert(0, %q)
import worker

def detect(payload):
    if not payload.startswith(b"\xff\xd8"):
        raise ValueError("payload is not a decodable JPEG")
    return worker.encode_boxes([(-4, 5, 70, 80)])

out = os.fdopen(3, "wb", buffering=0)
worker.serve(sys.stdin.buffer, out, {
    worker.OP_DETECT: detect,
    worker.OP_EMBED: lambda payload: worker.encode_embedding([0.25, -0.5]),
})
`

func TestBundledEngineSpeaksProtocol(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	dir, err := filepath.Abs(filepath.Join("..", "..", "python"))
	require.NoError(t, err)
	script := filepath.Join(t.TempDir(), "fake_engine.py")
	require.NoError(t, os.WriteFile(script, []byte(fmt.Sprintf(fakeEngine, dir)), 0o644))

	ctx := context.Background()
	w, err := NewPythonWorker(ctx, 1, Config{Python: python, Script: script, ReadTimeout: 10 * time.Second})
	require.NoError(t, err)

	boxes, err := w.Detect(ctx, &frames.Frame{Index: 1, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}})
	require.NoError(t, err, w.Cmd.Stderr.String())
	assert.Equal(t, []types.Box{{X1: -4, Y1: 5, X2: 70, Y2: 80}}, boxes)

	_, err = w.Detect(ctx, &frames.Frame{Index: 2, Data: []byte("not a jpeg")})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Contains(t, remote.Msg, "decodable JPEG")

	vec, err := w.Embed(ctx, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, -0.5}, vec)

	assert.NoError(t, w.Close())
}
