package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/footfall/internal/config"
	"github.com/andresmejia3/footfall/internal/emitter"
	"github.com/andresmejia3/footfall/internal/frames"
	"github.com/andresmejia3/footfall/internal/identity"
	"github.com/andresmejia3/footfall/internal/pipeline"
	"github.com/andresmejia3/footfall/internal/snapshot"
	"github.com/andresmejia3/footfall/internal/store"
	"github.com/andresmejia3/footfall/internal/types"
	"github.com/andresmejia3/footfall/internal/utils"
	"github.com/andresmejia3/footfall/internal/worker"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// runFlags are the run command's overrides. They apply only when set on the command line.
type runFlags struct {
	InputPath     string
	FrameSkip     int
	Threshold     float64
	Engines       int
	MinFaceSize   int
	MaxPrototypes int
	Index         string
	LogFolder     string
	Persist       bool
	LogLevel      string
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a video or camera stream and log visitor entries",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := Cfg
		applyRunFlags(cmd.Flags(), runOpts, &cfg)
		if err := validateRunConfig(cfg); err != nil {
			exitRun("Invalid configuration", err)
		}
		if err := runVisitors(cmd.Context(), cfg); err != nil {
			exitRun("Run failed", err)
		}
	},
}

// exitRun reports err, closes the event store and exits. os.Exit skips PersistentPostRun.
func exitRun(what string, err error) {
	utils.ShowError(what, err, nil)
	DB.Close(context.Background())
	os.Exit(1)
}

func init() {
	runCmd.Flags().AddFlagSet(newRunFlagSet(&runOpts))
	rootCmd.AddCommand(runCmd)
}

func newRunFlagSet(f *runFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.StringVarP(&f.InputPath, "input", "i", "", "Video file or capture device (/dev/videoN); overrides video_source")
	fs.IntVarP(&f.FrameSkip, "nth-frame", "n", 1, "Process every Nth frame")
	fs.Float64VarP(&f.Threshold, "threshold", "t", 0.6, "Cosine similarity a face must exceed to match a known visitor")
	fs.IntVarP(&f.Engines, "engines", "e", 1, "Number of parallel engine workers")
	fs.IntVar(&f.MinFaceSize, "min-face-size", 20, "Minimum face side length in pixels")
	fs.IntVar(&f.MaxPrototypes, "max-prototypes", 0, "Reference embeddings kept per visitor (0 = unbounded)")
	fs.StringVar(&f.Index, "index", "exact", "Candidate search: exact or hnsw")
	fs.StringVar(&f.LogFolder, "log-folder", "logs", "Folder for entry snapshots")
	fs.BoolVar(&f.Persist, "persist", false, "Load and save visitor identities across runs (PostgreSQL only)")
	fs.StringVar(&f.LogLevel, "log-level", "info", "debug, info, warn or error")
	return fs
}

// applyRunFlags copies explicitly set flags over cfg.
func applyRunFlags(fs *pflag.FlagSet, f runFlags, cfg *config.Config) {
	set := func(name string) bool { return fs.Changed(name) }
	if set("input") {
		cfg.VideoSource = f.InputPath
	}
	if set("nth-frame") {
		cfg.FrameSkip = f.FrameSkip
	}
	if set("threshold") {
		cfg.SimilarityThreshold = f.Threshold
	}
	if set("engines") {
		cfg.Engines = f.Engines
	}
	if set("min-face-size") {
		cfg.MinFaceSize = f.MinFaceSize
	}
	if set("max-prototypes") {
		cfg.MaxPrototypes = f.MaxPrototypes
	}
	if set("index") {
		cfg.Index = identity.IndexKind(f.Index)
	}
	if set("log-folder") {
		cfg.LogFolder = f.LogFolder
	}
	if set("persist") {
		cfg.PersistIdentities = f.Persist
	}
	if set("log-level") {
		cfg.LogLevel = f.LogLevel
	}
}

// validateRunConfig ensures the configuration is usable before any process is spawned.
func validateRunConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if utils.IsCameraSource(cfg.VideoSource) {
		return nil
	}
	info, err := os.Stat(cfg.VideoSource)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", cfg.VideoSource)
	}
	return nil
}

// runVisitors wires the registry, engines, frame source and stores together and runs the session.
// Every acquired resource is released before it returns; an interrupted run is not an error.
func runVisitors(ctx context.Context, cfg config.Config) error {
	level, _ := cfg.SlogLevel()
	logger := config.NewLogger(os.Stderr, level, cfg.LogFormat)

	runID := uuid.NewString()
	fmt.Fprintf(os.Stderr, "📼 Run ID: %s\n", runID[:8])

	registry, err := identity.NewRegistry(identity.NewAllocator("visitor"), identity.Options{
		MaxPrototypes:   cfg.MaxPrototypes,
		Index:           cfg.Index,
		IndexCandidates: cfg.IndexCandidates,
	})
	if err != nil {
		return fmt.Errorf("failed to create identity registry: %w", err)
	}

	var protoStore store.PrototypeStore
	if cfg.PersistIdentities {
		ps, ok := DB.(store.PrototypeStore)
		if !ok {
			return errors.New("identity persistence unavailable: event store does not keep prototypes")
		}
		protoStore = ps
		n, err := restoreIdentities(ctx, protoStore, registry)
		if err != nil {
			return fmt.Errorf("failed to restore visitor identities: %w", err)
		}
		fmt.Fprintf(os.Stderr, "🧠 Restored %d known visitors\n", n)
	}

	images, err := snapshot.New(cfg.LogFolder, cfg.SnapshotQuality)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot folder: %w", err)
	}

	total := utils.GetTotalFrames(ctx, cfg.VideoSource)
	if total <= 0 {
		// Fallback to a spinner when the length is unknown (cameras, ffprobe failures)
		total = -1
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🔍 Footfall Scanning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	src, err := frames.OpenFFmpeg(ctx, cfg.VideoSource)
	if err != nil {
		return fmt.Errorf("failed to open video source: %w", err)
	}
	defer src.Close()

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", cfg.Engines)
	workerCfg := worker.Config{
		Python:        cfg.Python,
		Script:        cfg.WorkerScript,
		DetectorModel: cfg.DetectorModelPath,
		ReadTimeout:   cfg.WorkerTimeout,
	}

	var (
		notify []pipeline.EventSink
		em     *emitter.MQTTEmitter
	)
	if cfg.MQTTBroker != "" {
		em = emitter.NewMQTTEmitter(emitter.Config{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			QoS:      byte(cfg.MQTTQoS),
			Encoding: cfg.MQTTEncoding,
		}, logger)
		if err := em.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer em.Disconnect()
		fmt.Fprintf(os.Stderr, "📡 Publishing entries to %s\n", em.TopicFor(types.EventEntry))
		notify = append(notify, em)
	}

	session, err := pipeline.NewSession(pipeline.Config{
		FrameSkip:   cfg.FrameSkip,
		Threshold:   cfg.SimilarityThreshold,
		MinFaceSize: cfg.MinFaceSize,
		Engines:     cfg.Engines,
	}, pipeline.Deps{
		Registry: registry,
		Engines: func(ctx context.Context, id int) (pipeline.Engine, error) {
			w, err := worker.NewPythonWorker(ctx, id, workerCfg)
			if err != nil {
				return nil, err
			}
			return w, nil
		},
		Events:  DB,
		Images:  images,
		RunID:   runID,
		Logger:  logger,
		Notify:  notify,
		OnFrame: func(int) { bar.Add(1) },
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	start := time.Now()
	stats, runErr := session.Run(ctx, src)
	bar.Finish()

	interrupted := errors.Is(runErr, context.Canceled)
	if interrupted {
		fmt.Fprintf(os.Stderr, "\n🛑 Interrupted. Frames already dispatched were logged.\n")
	}

	// Keep whatever was learned, even from an aborted run
	if protoStore != nil {
		saveCtx := context.WithoutCancel(ctx)
		if err := protoStore.SavePrototypes(saveCtx, prototypesOf(registry.Snapshot())); err != nil {
			utils.ShowError("Failed to persist visitor identities", err, nil)
		}
	}

	printSummary(context.WithoutCancel(ctx), os.Stderr, DB, runID, stats, time.Since(start), em)
	if interrupted {
		return nil
	}
	return runErr
}

// restoreIdentities seeds registry from persisted prototypes and returns the number of identities.
func restoreIdentities(ctx context.Context, ps store.PrototypeStore, registry *identity.Registry) (int, error) {
	protos, err := ps.LoadPrototypes(ctx)
	if err != nil {
		return 0, err
	}
	ids := identitiesOf(protos)
	if err := registry.Restore(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// prototypesOf flattens a registry snapshot for storage.
func prototypesOf(ids []identity.Identity) []store.Prototype {
	var out []store.Prototype
	for pos, id := range ids {
		for seq, vec := range id.Prototypes {
			out = append(out, store.Prototype{
				VisitorID: string(id.ID),
				Position:  pos,
				Seq:       seq,
				Sightings: id.Sightings,
				Embedding: vec,
			})
		}
	}
	return out
}

// identitiesOf regroups stored prototypes, which arrive ordered by position then seq.
func identitiesOf(protos []store.Prototype) []identity.Identity {
	var out []identity.Identity
	index := make(map[string]int)
	for _, p := range protos {
		i, ok := index[p.VisitorID]
		if !ok {
			i = len(out)
			index[p.VisitorID] = i
			out = append(out, identity.Identity{ID: identity.ID(p.VisitorID), Sightings: p.Sightings})
		}
		out[i].Prototypes = append(out[i].Prototypes, p.Embedding)
	}
	return out
}

// printSummary writes the end-of-run report. em is nil when no broker is configured.
func printSummary(ctx context.Context, w io.Writer, db store.EventStore, runID string, stats pipeline.Stats, elapsed time.Duration, em *emitter.MQTTEmitter) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 RUN SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	visitors, err := db.UniqueVisitors(ctx, runID)
	if err != nil {
		utils.ShowError("Failed to read run summary", err, nil)
	}
	for _, v := range visitors {
		fmt.Fprintf(w, "👤 %s  first seen %s\n", v.VisitorID, v.FirstSeen.Local().Format("15:04:05"))
	}

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🎞️  Frames Read / Processed:  %d / %d\n", stats.FramesRead, stats.FramesProcessed)
	fmt.Fprintf(w, "👁️  Faces Resolved / Skipped: %d / %d\n", stats.Faces, stats.Skipped)
	fmt.Fprintf(w, "🚶 Distinct Visitors:        %d\n", stats.Visitors)
	fmt.Fprintf(w, "📝 Entries Logged:           %d\n", stats.Entries)
	if em != nil {
		published, failed := em.Stats()
		fmt.Fprintf(w, "📡 MQTT Published / Failed:   %d / %d\n", published, failed)
	}
	fmt.Fprintf(w, "⏱️  Elapsed:                  %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "🏁 Total distinct visitors detected: %d\n", stats.Visitors)
}
