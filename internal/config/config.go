// Package config loads run settings from defaults, a YAML or JSON file and FOOTFALL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/footfall/internal/identity"
	"github.com/andresmejia3/footfall/internal/store"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config is given. A missing default file is not an error.
const DefaultPath = "config.yaml"

// EnvPrefix namespaces the environment overrides, e.g. FOOTFALL_FRAME_SKIP.
const EnvPrefix = "footfall"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every run setting. Struct tags name the file key and the environment suffix.
type Config struct {
	VideoSource         string             `yaml:"video_source" envconfig:"VIDEO_SOURCE"`
	FrameSkip           int                `yaml:"frame_skip" envconfig:"FRAME_SKIP"`
	LogFolder           string             `yaml:"log_folder" envconfig:"LOG_FOLDER"`
	DatabaseFile        string             `yaml:"database_file" envconfig:"DATABASE_FILE"`
	DetectorModelPath   string             `yaml:"detector_model_path" envconfig:"DETECTOR_MODEL_PATH"`
	SimilarityThreshold float64            `yaml:"similarity_threshold" envconfig:"SIMILARITY_THRESHOLD"`
	MinFaceSize         int                `yaml:"min_face_size" envconfig:"MIN_FACE_SIZE"`
	MaxPrototypes       int                `yaml:"max_prototypes" envconfig:"MAX_PROTOTYPES"`
	Index               identity.IndexKind `yaml:"index" envconfig:"INDEX"`
	IndexCandidates     int                `yaml:"index_candidates" envconfig:"INDEX_CANDIDATES"`
	Engines             int                `yaml:"engines" envconfig:"ENGINES"`
	Python              string             `yaml:"python" envconfig:"PYTHON"`
	WorkerScript        string             `yaml:"worker_script" envconfig:"WORKER_SCRIPT"`
	WorkerTimeout       time.Duration      `yaml:"worker_timeout" envconfig:"WORKER_TIMEOUT"`
	SnapshotQuality     int                `yaml:"snapshot_quality" envconfig:"SNAPSHOT_QUALITY"`
	PersistIdentities   bool               `yaml:"persist_identities" envconfig:"PERSIST_IDENTITIES"`
	LogLevel            string             `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat           string             `yaml:"log_format" envconfig:"LOG_FORMAT"`
	MQTTBroker          string             `yaml:"mqtt_broker" envconfig:"MQTT_BROKER"`
	MQTTClientID        string             `yaml:"mqtt_client_id" envconfig:"MQTT_CLIENT_ID"`
	MQTTTopic           string             `yaml:"mqtt_topic" envconfig:"MQTT_TOPIC"`
	MQTTQoS             int                `yaml:"mqtt_qos" envconfig:"MQTT_QOS"`
	MQTTEncoding        string             `yaml:"mqtt_encoding" envconfig:"MQTT_ENCODING"`
}

// fileConfig accepts the legacy yolo_model_path key next to detector_model_path.
type fileConfig struct {
	Config        `yaml:",inline"`
	YoloModelPath string `yaml:"yolo_model_path"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		FrameSkip:           1,
		LogFolder:           "logs",
		DatabaseFile:        "visitors.db",
		DetectorModelPath:   "yolov8n-face.pt",
		SimilarityThreshold: 0.6,
		MinFaceSize:         20,
		MaxPrototypes:       0,
		Index:               identity.IndexExact,
		IndexCandidates:     32,
		Engines:             1,
		Python:              "python3",
		WorkerScript:        "python/worker.py",
		WorkerTimeout:       30 * time.Second,
		SnapshotQuality:     90,
		LogLevel:            "info",
		LogFormat:           "text",
		MQTTClientID:        "footfall",
		MQTTTopic:           "footfall/events",
		MQTTQoS:             1,
		MQTTEncoding:        "json",
	}
}

// Load layers the file at path (DefaultPath when empty) and the environment over Default.
// The result is not validated; callers apply flag overrides first and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		fc := fileConfig{Config: cfg}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg = fc.Config
		if fc.YoloModelPath != "" && cfg.DetectorModelPath == Default().DetectorModelPath {
			cfg.DetectorModelPath = fc.YoloModelPath
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting, wrapped in ErrInvalid.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	switch {
	case c.VideoSource == "":
		return bad("video_source is required")
	case c.FrameSkip < 1:
		return bad("frame_skip must be >= 1, got %d", c.FrameSkip)
	case c.SimilarityThreshold <= 0 || c.SimilarityThreshold >= 1:
		return bad("similarity_threshold must be in (0, 1), got %g", c.SimilarityThreshold)
	case c.MinFaceSize < 1:
		return bad("min_face_size must be >= 1, got %d", c.MinFaceSize)
	case c.MaxPrototypes < 0:
		return bad("max_prototypes must be >= 0, got %d", c.MaxPrototypes)
	case c.Index != identity.IndexExact && c.Index != identity.IndexHNSW:
		return bad("index must be %q or %q, got %q", identity.IndexExact, identity.IndexHNSW, c.Index)
	case c.IndexCandidates < 1:
		return bad("index_candidates must be >= 1, got %d", c.IndexCandidates)
	case c.Engines < 1:
		return bad("engines must be >= 1, got %d", c.Engines)
	case c.WorkerScript == "":
		return bad("worker_script is required")
	case c.WorkerTimeout <= 0:
		return bad("worker_timeout must be positive, got %s", c.WorkerTimeout)
	case c.SnapshotQuality < 1 || c.SnapshotQuality > 100:
		return bad("snapshot_quality must be in [1, 100], got %d", c.SnapshotQuality)
	case c.DatabaseFile == "":
		return bad("database_file is required")
	case c.PersistIdentities && !store.IsPostgresDSN(c.DatabaseFile):
		return bad("persist_identities needs a PostgreSQL database_file")
	case c.LogFormat != "text" && c.LogFormat != "json":
		return bad("log_format must be text or json, got %q", c.LogFormat)
	case c.MQTTBroker != "" && c.MQTTTopic == "":
		return bad("mqtt_topic is required with mqtt_broker")
	case c.MQTTQoS < 0 || c.MQTTQoS > 2:
		return bad("mqtt_qos must be 0, 1 or 2, got %d", c.MQTTQoS)
	case c.MQTTEncoding != "json" && c.MQTTEncoding != "msgpack":
		return bad("mqtt_encoding must be json or msgpack, got %q", c.MQTTEncoding)
	}
	if _, err := c.SlogLevel(); err != nil {
		return bad("log_level: %v", err)
	}
	return nil
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(c.LogLevel))
	return lvl, err
}
