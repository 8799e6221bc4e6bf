// Package pipeline runs the frame dispatch loop: frames in, ENTRY events out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/footfall/internal/frames"
	"github.com/andresmejia3/footfall/internal/identity"
	"github.com/andresmejia3/footfall/internal/store"
	"github.com/andresmejia3/footfall/internal/types"
	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/andresmejia3/footfall/internal/vision"
)

// ErrNoFace is reported when the embedder finds no face in a region.
var ErrNoFace = errors.New("no face in region")

// Detector finds face boxes in a frame.
type Detector interface {
	Detect(ctx context.Context, frame *frames.Frame) ([]types.Box, error)
}

// Embedder turns an RGB face crop into an embedding. A nil embedding means no face.
type Embedder interface {
	Embed(ctx context.Context, face image.Image) ([]float64, error)
}

// Engine is one detect+embed worker, e.g. a worker.PythonWorker.
type Engine interface {
	Detector
	Embedder
	Close() error
}

// EngineFactory starts engine number id.
type EngineFactory func(ctx context.Context, id int) (Engine, error)

// EventSink receives ENTRY events.
type EventSink interface {
	Append(ctx context.Context, ev *store.Event) error
}

// ImageSaver persists the face crop of an event and returns its path.
type ImageSaver interface {
	Save(visitorID string, img image.Image, kind string) (string, error)
}

type Config struct {
	FrameSkip   int
	Threshold   float64
	MinFaceSize int
	Engines     int
}

// Deps are the collaborators of a Session. Logger, Now and OnFrame are optional.
type Deps struct {
	Registry *identity.Registry
	Engines  EngineFactory
	Events   EventSink
	Images   ImageSaver
	RunID    string
	Logger   *slog.Logger
	Now      func() time.Time
	// Notify receives every logged event after Events accepted it. Failures are only logged.
	Notify []EventSink
	// OnFrame is called from the reading goroutine for every frame pulled off the source.
	OnFrame func(index int)
}

// Stats summarizes one Run.
type Stats struct {
	FramesRead      int
	FramesProcessed int
	Faces           int // detections resolved to an identity
	Skipped         int // detections dropped before resolution
	Visitors        int // distinct identities seen during the run
	Entries         int // ENTRY events written
}

// Session owns the per-run state. The logged set is only touched by the aggregator.
type Session struct {
	cfg    Config
	deps   Deps
	log    *slog.Logger
	logged map[identity.ID]bool
	seen   map[identity.ID]bool
}

func NewSession(cfg Config, deps Deps) (*Session, error) {
	switch {
	case cfg.FrameSkip < 1:
		return nil, fmt.Errorf("frame skip must be >= 1, got %d", cfg.FrameSkip)
	case cfg.Threshold <= 0 || cfg.Threshold >= 1:
		return nil, fmt.Errorf("threshold must be in (0, 1), got %g", cfg.Threshold)
	case deps.Registry == nil || deps.Engines == nil || deps.Events == nil || deps.Images == nil:
		return nil, errors.New("pipeline: registry, engines, events and images are required")
	}
	if cfg.Engines < 1 {
		cfg.Engines = 1
	}
	if cfg.MinFaceSize < 1 {
		cfg.MinFaceSize = 1
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		log:    log.With("run", deps.RunID),
		logged: make(map[identity.ID]bool),
		seen:   make(map[identity.ID]bool),
	}, nil
}

// Logged reports whether id already has an ENTRY event in this session.
func (s *Session) Logged(id identity.ID) bool {
	return s.logged[id]
}

type task struct {
	seq   int
	frame frames.Frame
}

type face struct {
	box       types.Box
	crop      *image.RGBA
	embedding []float64
}

type frameResult struct {
	seq     int
	index   int
	faces   []face
	skipped int
	err     error
}

// Run drives src to the end. Frames are processed on cfg.Engines workers and
// resolved strictly in stream order. Cancelling ctx stops reading; frames
// already dispatched are still resolved and logged. The caller closes src.
func (s *Session) Run(ctx context.Context, src frames.Source) (Stats, error) {
	// in-flight work must survive ctx cancellation; runCtx is only cancelled on fatal errors
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	fail := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	engines := make([]Engine, 0, s.cfg.Engines)
	for i := 0; i < s.cfg.Engines; i++ {
		eng, err := s.deps.Engines(runCtx, i)
		if err != nil {
			for _, e := range engines {
				e.Close()
			}
			return Stats{}, fmt.Errorf("start engine %d: %w", i, err)
		}
		engines = append(engines, eng)
	}
	s.log.Info("pipeline started", "engines", len(engines), "frame_skip", s.cfg.FrameSkip, "threshold", s.cfg.Threshold)

	tasks := make(chan task, len(engines))
	results := make(chan frameResult, len(engines)*2)

	var wg sync.WaitGroup
	for i, eng := range engines {
		wg.Add(1)
		go func(id int, eng Engine) {
			defer wg.Done()
			defer func() {
				if err := eng.Close(); err != nil {
					s.log.Debug("engine close", "engine", id, "error", err)
				}
			}()
			for t := range tasks {
				if err := runCtx.Err(); err != nil {
					results <- frameResult{seq: t.seq, index: t.frame.Index, err: err}
					continue
				}
				results <- s.processFrame(runCtx, eng, t)
			}
		}(i, eng)
	}

	var stats Stats
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		s.aggregate(runCtx, results, &stats, fail)
	}()

	read, dispatched, readErr := s.feed(ctx, runCtx, src, tasks)
	close(tasks)
	wg.Wait()
	close(results)
	<-aggDone

	stats.FramesRead = read
	stats.FramesProcessed = dispatched
	stats.Visitors = len(s.seen)
	s.log.Info("pipeline finished",
		"frames_read", stats.FramesRead, "frames_processed", stats.FramesProcessed,
		"faces", stats.Faces, "skipped", stats.Skipped,
		"visitors", stats.Visitors, "entries", stats.Entries)

	switch {
	case fatalErr != nil:
		return stats, fatalErr
	case readErr != nil:
		return stats, readErr
	}
	return stats, ctx.Err()
}

// feed pulls frames off src and dispatches every FrameSkip-th one.
func (s *Session) feed(ctx, runCtx context.Context, src frames.Source, tasks chan<- task) (read, dispatched int, err error) {
	for {
		if ctx.Err() != nil || runCtx.Err() != nil {
			return read, dispatched, nil
		}
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return read, dispatched, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return read, dispatched, nil
			}
			return read, dispatched, fmt.Errorf("read frame %d: %w", read+1, err)
		}
		read++
		if s.deps.OnFrame != nil {
			s.deps.OnFrame(f.Index)
		}
		if f.Index%s.cfg.FrameSkip != 0 {
			continue
		}
		select {
		case tasks <- task{seq: dispatched, frame: f}:
			dispatched++
		case <-ctx.Done():
			return read, dispatched, nil
		case <-runCtx.Done():
			return read, dispatched, nil
		}
	}
}

// processFrame runs detection and embedding for one frame. Only engine failures are returned as errors;
// everything else is logged and counted as a skipped detection.
func (s *Session) processFrame(ctx context.Context, eng Engine, t task) frameResult {
	res := frameResult{seq: t.seq, index: t.frame.Index}
	frame := t.frame
	log := s.log.With("frame", frame.Index)

	img, err := frame.Decode()
	if err != nil {
		log.Warn("frame skipped", "error", err)
		return res
	}
	boxes, err := eng.Detect(ctx, &frame)
	if err != nil {
		if errors.Is(err, types.ErrEngineDown) {
			res.err = fmt.Errorf("detect frame %d: %w", frame.Index, err)
			return res
		}
		log.Warn("detection failed", "error", err)
		return res
	}

	for _, box := range boxes {
		region := vision.Clip(box, img.Bounds())
		if err := vision.Validate(region, s.cfg.MinFaceSize); err != nil {
			log.Debug("face skipped", "box", region, "error", err)
			res.skipped++
			continue
		}
		crop := vision.Crop(img, region)
		emb, err := eng.Embed(ctx, crop)
		if err != nil {
			if errors.Is(err, types.ErrEngineDown) {
				res.err = fmt.Errorf("embed frame %d: %w", frame.Index, err)
				return res
			}
			log.Warn("embedding failed", "box", region, "error", err)
			res.skipped++
			continue
		}
		if len(emb) == 0 {
			log.Debug("face skipped", "box", region, "error", ErrNoFace)
			res.skipped++
			continue
		}
		unit, err := utils.Normalize(emb)
		if err != nil {
			log.Warn("face skipped", "box", region, "error", err)
			res.skipped++
			continue
		}
		res.faces = append(res.faces, face{box: box, crop: crop, embedding: unit})
	}
	return res
}

// aggregate applies results in dispatch order. It is the only writer of the logged set and of stats.
func (s *Session) aggregate(ctx context.Context, results <-chan frameResult, stats *Stats, fail func(error)) {
	pending := make(map[int]frameResult)
	next := 0
	failed := false

	for res := range results {
		pending[res.seq] = res
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++

			if failed {
				continue
			}
			if r.err != nil {
				failed = true
				fail(r.err)
				continue
			}
			if err := s.apply(ctx, r, stats); err != nil {
				failed = true
				fail(err)
			}
		}
	}
}

func (s *Session) apply(ctx context.Context, r frameResult, stats *Stats) error {
	stats.Skipped += r.skipped
	for _, f := range r.faces {
		m, err := s.deps.Registry.Resolve(f.embedding, s.cfg.Threshold)
		if err != nil {
			s.log.Warn("face skipped", "frame", r.index, "box", f.box, "error", err)
			stats.Skipped++
			continue
		}
		stats.Faces++
		s.seen[m.ID] = true
		if m.IsNew {
			s.log.Info("new visitor registered", "visitor", m.ID, "frame", r.index)
		} else {
			s.log.Debug("visitor matched", "visitor", m.ID, "frame", r.index, "similarity", m.Similarity)
		}

		if s.logged[m.ID] {
			continue
		}
		path, err := s.deps.Images.Save(string(m.ID), f.crop, types.EventEntry)
		if err != nil {
			// left unlogged; the next sighting retries
			s.log.Warn("snapshot failed", "visitor", m.ID, "frame", r.index, "error", err)
			continue
		}
		ev := store.Event{
			RunID:     s.deps.RunID,
			VisitorID: string(m.ID),
			Timestamp: s.deps.Now(),
			Kind:      types.EventEntry,
			ImagePath: path,
		}
		if err := s.deps.Events.Append(ctx, &ev); err != nil {
			return fmt.Errorf("log entry for %s: %w", m.ID, err)
		}
		s.logged[m.ID] = true
		stats.Entries++
		for _, n := range s.deps.Notify {
			if err := n.Append(ctx, &ev); err != nil {
				s.log.Warn("event notification failed", "visitor", m.ID, "error", err)
			}
		}
		s.log.Info("entry logged", "visitor", m.ID, "frame", r.index, "image", path)
	}
	return nil
}
