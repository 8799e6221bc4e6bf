package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/footfall/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
video_source: /dev/video0
frame_skip: 3
similarity_threshold: 0.55
index: hnsw
worker_timeout: 5s
persist_identities: true
database_file: postgres://localhost:5432/footfall
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/video0", cfg.VideoSource)
	assert.Equal(t, 3, cfg.FrameSkip)
	assert.InDelta(t, 0.55, cfg.SimilarityThreshold, 1e-12)
	assert.Equal(t, identity.IndexHNSW, cfg.Index)
	assert.Equal(t, 5*time.Second, cfg.WorkerTimeout)
	assert.True(t, cfg.PersistIdentities)
	// untouched keys keep their defaults
	assert.Equal(t, "logs", cfg.LogFolder)
	assert.Equal(t, 20, cfg.MinFaceSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"video_source": "entrance.mp4", "engines": 4, "log_folder": "out"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "entrance.mp4", cfg.VideoSource)
	assert.Equal(t, 4, cfg.Engines)
	assert.Equal(t, "out", cfg.LogFolder)
}

func TestLoadLegacyModelKey(t *testing.T) {
	path := writeFile(t, "config.yaml", "yolo_model_path: models/face.pt\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "models/face.pt", cfg.DetectorModelPath)

	path = writeFile(t, "both.yaml", "yolo_model_path: old.pt\ndetector_model_path: new.pt\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "new.pt", cfg.DetectorModelPath)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "frame_skip: [1, 2\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "video_source: file.mp4\nframe_skip: 3\n")
	t.Setenv("FOOTFALL_FRAME_SKIP", "7")
	t.Setenv("FOOTFALL_SIMILARITY_THRESHOLD", "0.8")
	t.Setenv("FOOTFALL_WORKER_TIMEOUT", "2m")
	t.Setenv("FOOTFALL_MQTT_BROKER", "broker:1883")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file.mp4", cfg.VideoSource)
	assert.Equal(t, 7, cfg.FrameSkip)
	assert.InDelta(t, 0.8, cfg.SimilarityThreshold, 1e-12)
	assert.Equal(t, 2*time.Minute, cfg.WorkerTimeout)
	assert.Equal(t, "broker:1883", cfg.MQTTBroker)
}

func TestEnvironmentBadValue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FOOTFALL_ENGINES", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "failed to read environment")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.VideoSource = "entrance.mp4"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing source", func(c *Config) { c.VideoSource = "" }},
		{"zero frame skip", func(c *Config) { c.FrameSkip = 0 }},
		{"threshold zero", func(c *Config) { c.SimilarityThreshold = 0 }},
		{"threshold one", func(c *Config) { c.SimilarityThreshold = 1 }},
		{"min face size", func(c *Config) { c.MinFaceSize = 0 }},
		{"negative prototypes", func(c *Config) { c.MaxPrototypes = -1 }},
		{"unknown index", func(c *Config) { c.Index = "kdtree" }},
		{"index candidates", func(c *Config) { c.IndexCandidates = 0 }},
		{"no engines", func(c *Config) { c.Engines = 0 }},
		{"no worker script", func(c *Config) { c.WorkerScript = "" }},
		{"worker timeout", func(c *Config) { c.WorkerTimeout = 0 }},
		{"quality low", func(c *Config) { c.SnapshotQuality = 0 }},
		{"quality high", func(c *Config) { c.SnapshotQuality = 101 }},
		{"no database", func(c *Config) { c.DatabaseFile = "" }},
		{"persist on sqlite", func(c *Config) { c.PersistIdentities = true }},
		{"log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"mqtt without topic", func(c *Config) { c.MQTTBroker = "localhost:1883"; c.MQTTTopic = "" }},
		{"mqtt qos", func(c *Config) { c.MQTTQoS = 3 }},
		{"mqtt encoding", func(c *Config) { c.MQTTEncoding = "protobuf" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalid)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelInfo, "json")
	log.Debug("hidden")
	log.Info("entry logged", "visitor", "visitor_1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "entry logged", rec["msg"])
	assert.Equal(t, "visitor_1", rec["visitor"])

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestSlogLevel(t *testing.T) {
	c := Default()
	c.LogLevel = "debug"
	lvl, err := c.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", lvl.String())
}
