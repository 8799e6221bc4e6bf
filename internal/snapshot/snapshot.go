// Package snapshot persists cropped face images for logged events.
package snapshot

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/footfall/internal/vision"
)

const maxCreateAttempts = 16

// Writer saves images under <base>/<kind>/<YYYY-MM-DD>/.
// File names carry the visitor id, time of day and a per-writer sequence number,
// and are created exclusively, so two saves in the same second never overwrite each other.
type Writer struct {
	base    string
	quality int
	seq     atomic.Uint64
	now     func() time.Time
}

// New creates the base folder and returns a writer encoding JPEGs at quality.
func New(base string, quality int) (*Writer, error) {
	if base == "" {
		return nil, errors.New("snapshot folder is empty")
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality must be in [1,100], got %d", quality)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot folder: %w", err)
	}
	return &Writer{base: base, quality: quality, now: time.Now}, nil
}

// Save writes img and returns its path.
func (w *Writer) Save(visitorID string, img image.Image, kind string) (string, error) {
	data, err := vision.EncodeJPEG(img, w.quality)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	now := w.now()
	dir := filepath.Join(w.base, kind, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		name := fmt.Sprintf("%s_%s_%06d.jpg", visitorID, now.Format("15-04-05"), w.seq.Add(1))
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			// Left over from an earlier run in the same second; take the next number.
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create snapshot: %w", err)
		}

		_, err = f.Write(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
			return "", fmt.Errorf("write snapshot: %w", err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free snapshot name for %s after %d attempts", visitorID, maxCreateAttempts)
}
