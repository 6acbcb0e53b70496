package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ArtifactBackendLocal  = "local"
	ArtifactBackendRemote = "remote"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`

	ArtifactBackend  string `yaml:"artifact_backend"`
	ArtifactRoot     string `yaml:"artifact_root"`
	ArtifactURL      string `yaml:"artifact_url"`
	ArtifactCacheDir string `yaml:"artifact_cache_dir"`
	ReferenceKey     string `yaml:"reference_key"`

	TrainingWorkers int           `yaml:"training_workers"`
	TrainingTimeout time.Duration `yaml:"training_timeout"`

	EpochSeconds   float64 `yaml:"epoch_seconds"`
	EpochPreMargin float64 `yaml:"epoch_pre_margin"`
	OverlapRatio   float64 `yaml:"overlap_ratio"`

	ProtocolsDir string `yaml:"protocols_dir"`

	PingInterval  time.Duration `yaml:"ping_interval"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes"`

	NTPServer       string        `yaml:"ntp_server"`
	NTPSyncInterval time.Duration `yaml:"ntp_sync_interval"`

	MQTTBroker      string `yaml:"mqtt_broker"`
	MQTTClientID    string `yaml:"mqtt_client_id"`
	MQTTUsername    string `yaml:"mqtt_username"`
	MQTTPassword    string `yaml:"mqtt_password"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
	MQTTQoS         int    `yaml:"mqtt_qos"`

	SessionRetention  time.Duration `yaml:"session_retention"`
	RetentionInterval time.Duration `yaml:"retention_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:8765",
		SocketPath:        defaultSocketPath(),
		DBPath:            filepath.Join(defaultStateDir(), "sessions.db"),
		ArtifactBackend:   ArtifactBackendLocal,
		ArtifactRoot:      filepath.Join(defaultStateDir(), "artifacts"),
		ArtifactCacheDir:  filepath.Join(defaultStateDir(), "artifact-cache"),
		ReferenceKey:      "source_domain",
		TrainingWorkers:   2,
		TrainingTimeout:   5 * time.Minute,
		EpochSeconds:      1,
		EpochPreMargin:    0,
		OverlapRatio:      0.5,
		PingInterval:      15 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxFrameBytes:     4 << 20,
		NTPSyncInterval:   10 * time.Minute,
		MQTTClientID:      "neurolinkd",
		MQTTTopicPrefix:   "neurolink/sessions",
		MQTTQoS:           1,
		SessionRetention:  14 * 24 * time.Hour,
		RetentionInterval: time.Hour,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.ArtifactBackend {
	case ArtifactBackendLocal:
		if strings.TrimSpace(c.ArtifactRoot) == "" {
			return fmt.Errorf("artifact_root is required for the local backend")
		}
	case ArtifactBackendRemote:
		if strings.TrimSpace(c.ArtifactURL) == "" {
			return fmt.Errorf("artifact_url is required for the remote backend")
		}
		if strings.TrimSpace(c.ArtifactCacheDir) == "" {
			return fmt.Errorf("artifact_cache_dir is required for the remote backend")
		}
	default:
		return fmt.Errorf("unknown artifact_backend %q", c.ArtifactBackend)
	}
	if c.TrainingWorkers < 1 {
		return fmt.Errorf("training_workers must be >= 1")
	}
	if !(c.EpochSeconds > 0) {
		return fmt.Errorf("epoch_seconds must be > 0")
	}
	if c.EpochPreMargin < 0 || c.EpochPreMargin >= c.EpochSeconds {
		return fmt.Errorf("epoch_pre_margin must be in [0, epoch_seconds)")
	}
	if c.OverlapRatio < 0 || c.OverlapRatio >= 1 {
		return fmt.Errorf("overlap_ratio must be in [0, 1)")
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("mqtt_qos must be 0, 1 or 2")
	}
	return nil
}

// EpochPostMargin is the part of an epoch that follows the cue onset.
func (c Config) EpochPostMargin() float64 {
	return c.EpochSeconds - c.EpochPreMargin
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".neurolink"
	}
	return filepath.Join(home, ".local", "state", "neurolink")
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "neurolink", "neurolinkd.sock")
	}
	return filepath.Join(defaultStateDir(), "neurolinkd.sock")
}
