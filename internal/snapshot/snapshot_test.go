package snapshot

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSaveLayout(t *testing.T) {
	base := t.TempDir()
	w, err := New(base, 85)
	require.NoError(t, err)
	w.now = fixedClock(time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local))

	path, err := w.Save("visitor_3", image.NewRGBA(image.Rect(0, 0, 20, 30)), "ENTRY")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "ENTRY", "2024-03-09"), filepath.Dir(path))
	name := filepath.Base(path)
	assert.True(t, strings.HasPrefix(name, "visitor_3_14-05-07_"), name)
	assert.True(t, strings.HasSuffix(name, ".jpg"), name)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 30), img.Bounds())
}

func TestSaveSameSecondNeverOverwrites(t *testing.T) {
	w, err := New(t.TempDir(), 90)
	require.NoError(t, err)
	w.now = fixedClock(time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local))

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		path, err := w.Save("visitor_1", img, "ENTRY")
		require.NoError(t, err)
		assert.False(t, seen[path], "path reused: %s", path)
		seen[path] = true
	}
}

func TestSaveSkipsExistingFiles(t *testing.T) {
	base := t.TempDir()
	when := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)

	first, err := New(base, 90)
	require.NoError(t, err)
	first.now = fixedClock(when)
	p1, err := first.Save("visitor_1", image.NewRGBA(image.Rect(0, 0, 4, 4)), "ENTRY")
	require.NoError(t, err)

	// A second writer (e.g. a restarted process) starts its sequence from scratch.
	second, err := New(base, 90)
	require.NoError(t, err)
	second.now = fixedClock(when)
	p2, err := second.Save("visitor_1", image.NewRGBA(image.Rect(0, 0, 4, 4)), "ENTRY")
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
}

func TestNewValidation(t *testing.T) {
	_, err := New("", 90)
	assert.Error(t, err)
	_, err = New(t.TempDir(), 0)
	assert.Error(t, err)
	_, err = New(t.TempDir(), 101)
	assert.Error(t, err)
}

// oversized is larger than JPEG can represent; only its bounds are ever read.
type oversized struct{}

func (oversized) ColorModel() color.Model { return color.RGBAModel }
func (oversized) Bounds() image.Rectangle { return image.Rect(0, 0, 1<<16, 1) }
func (oversized) At(x, y int) color.Color { return color.RGBA{} }

func TestSaveEncodeFailureLeavesNoFile(t *testing.T) {
	base := t.TempDir()
	w, err := New(base, 90)
	require.NoError(t, err)

	_, err = w.Save("visitor_1", oversized{}, "ENTRY")
	require.ErrorContains(t, err, "encode snapshot")

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
