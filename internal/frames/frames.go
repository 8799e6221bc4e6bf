// Package frames acquires video frames from ffmpeg or from memory.
package frames

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/andresmejia3/footfall/internal/utils"
)

const megabyte = 1024 * 1024

// Frame is one picture of the stream. Index is 1-based.
// Data holds the encoded JPEG when the frame came off the wire; Image is set once decoded.
type Frame struct {
	Index int
	Data  []byte
	Image image.Image
}

// Decode returns the decoded picture, decoding Data on first use.
func (f *Frame) Decode() (image.Image, error) {
	if f.Image != nil {
		return f.Image, nil
	}
	if len(f.Data) == 0 {
		return nil, errors.New("frame has no data")
	}
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", f.Index, err)
	}
	f.Image = img
	return img, nil
}

// Source yields frames in stream order. Next returns io.EOF once the stream is exhausted.
// Close must always be called and releases the underlying capture.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// FFmpegSource decodes a video file or capture device through an ffmpeg child process.
type FFmpegSource struct {
	Cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner
	index   int
	done    bool

	closeOnce sync.Once
	closeErr  error
}

// OpenFFmpeg validates the source and starts the decoder.
// The returned source owns the child process until Close.
func OpenFFmpeg(ctx context.Context, source string) (*FFmpegSource, error) {
	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("video source does not exist: %w", err)
		}
		return nil, fmt.Errorf("unable to access video source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("video source %s is a directory, expected a video file or device", source)
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, source)
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	return &FFmpegSource{Cmd: ffmpeg, out: out, scanner: scanner}, nil
}

// Next returns the next frame. The returned Data is owned by the caller.
func (s *FFmpegSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.done {
		return Frame{}, io.EOF
	}
	if !s.scanner.Scan() {
		s.done = true
		// Check for scanner errors (e.g. token too long, unexpected EOF)
		if err := s.scanner.Err(); err != nil {
			return Frame{}, fmt.Errorf("frame scanner failed: %w", err)
		}
		if err := s.wait(); err != nil {
			return Frame{}, err
		}
		return Frame{}, io.EOF
	}

	s.index++
	data := make([]byte, len(s.scanner.Bytes()))
	copy(data, s.scanner.Bytes())
	return Frame{Index: s.index, Data: data}, nil
}

func (s *FFmpegSource) wait() error {
	s.closeOnce.Do(func() {
		if err := s.Cmd.Wait(); err != nil {
			if logs := strings.TrimSpace(s.Cmd.Stderr.String()); logs != "" {
				err = fmt.Errorf("%w: %s", err, logs)
			}
			s.closeErr = fmt.Errorf("FFmpeg execution failed: %w", err)
		}
	})
	return s.closeErr
}

// Close releases the decoder. Closing before end of stream kills ffmpeg.
func (s *FFmpegSource) Close() error {
	if !s.done {
		s.done = true
		s.out.Close()
		if s.Cmd.Process != nil {
			_ = s.Cmd.Process.Kill()
		}
		// An early close always ends with a signal; that is not a failure.
		_ = s.wait()
		return nil
	}
	return s.wait()
}

// SliceSource replays in-memory images as a stream.
type SliceSource struct {
	images []image.Image
	next   int
	closed bool
}

// NewSliceSource returns a source yielding images as frames 1..len(images).
func NewSliceSource(images ...image.Image) *SliceSource {
	return &SliceSource{images: images}
}

func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.closed {
		return Frame{}, errors.New("source closed")
	}
	if s.next >= len(s.images) {
		return Frame{}, io.EOF
	}
	img := s.images[s.next]
	s.next++
	return Frame{Index: s.next, Image: img}, nil
}

func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *SliceSource) Closed() bool {
	return s.closed
}
