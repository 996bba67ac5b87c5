package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Store      StoreConfig      `yaml:"store" envconfig:"store"`
	Homeserver HomeserverConfig `yaml:"homeserver" envconfig:"homeserver"`
	Timeline   TimelineConfig   `yaml:"timeline" envconfig:"timeline"`
	Crypto     CryptoConfig     `yaml:"crypto" envconfig:"crypto"`
	Intake     IntakeConfig     `yaml:"intake" envconfig:"intake"`
	Sweeper    SweeperConfig    `yaml:"sweeper" envconfig:"sweeper"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" envconfig:"metrics"`
}

// StoreConfig selects and tunes the chain store backend.
type StoreConfig struct {
	Driver string `yaml:"driver" envconfig:"driver"` // "pebble" or "sqlite"
	Path   string `yaml:"path" envconfig:"path"`
	// Sync forces an fsync for every write batch on the pebble backend.
	Sync bool `yaml:"sync" envconfig:"sync"`
}

// HomeserverConfig holds the pagination endpoint settings.
type HomeserverConfig struct {
	URL             string    `yaml:"url" envconfig:"url"`
	AccessToken     string    `yaml:"access_token" envconfig:"access_token"`
	RequestTimeout  Duration  `yaml:"request_timeout" envconfig:"request_timeout"`
	MaxResponseSize SizeBytes `yaml:"max_response_size" envconfig:"max_response_size"`
	RateLimit       struct {
		RPS   float64 `yaml:"rps" envconfig:"rps"`
		Burst int     `yaml:"burst" envconfig:"burst"`
	} `yaml:"rate_limit" envconfig:"rate_limit"`
}

// TimelineConfig holds gap-fill and traversal bounds.
type TimelineConfig struct {
	FetchLimit     int      `yaml:"fetch_limit" envconfig:"fetch_limit"`
	FetchTimeout   Duration `yaml:"fetch_timeout" envconfig:"fetch_timeout"`
	DecryptTimeout Duration `yaml:"decrypt_timeout" envconfig:"decrypt_timeout"`
	MinWindow      int      `yaml:"min_window" envconfig:"min_window"`
	MaxWindow      int      `yaml:"max_window" envconfig:"max_window"`
}

// CryptoConfig controls the decryption pipeline.
type CryptoConfig struct {
	// PersistDecrypted stores plaintext in the chain store next to the
	// ciphertext. When false plaintext only lives in the in-memory cache.
	PersistDecrypted   bool     `yaml:"persist_decrypted" envconfig:"persist_decrypted"`
	SessionWaitTimeout Duration `yaml:"session_wait_timeout" envconfig:"session_wait_timeout"`
	CacheSize          int      `yaml:"cache_size" envconfig:"cache_size"`
	// KeysFile is a JSON export of inbound sessions imported at startup.
	KeysFile string `yaml:"keys_file" envconfig:"keys_file"`
}

// IntakeConfig sizes the sync batch queue.
type IntakeConfig struct {
	Workers       int `yaml:"workers" envconfig:"workers"`
	QueueCapacity int `yaml:"queue_capacity" envconfig:"queue_capacity"`
}

// SweeperConfig holds configuration for the scheduled backfill runner.
type SweeperConfig struct {
	Enabled  bool   `yaml:"enabled" envconfig:"enabled"`
	Cron     string `yaml:"cron" envconfig:"cron"`
	Prefetch int    `yaml:"prefetch" envconfig:"prefetch"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"level"`
	Sink  string `yaml:"sink" envconfig:"sink"` // "stdout", "stderr" or "file:<path>"
}

// MetricsConfig controls the prometheus endpoint of the run command.
type MetricsConfig struct {
	Address string `yaml:"address" envconfig:"address"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	return s.Decode(node.Value)
}

// Decode implements envconfig.Decoder.
func (s *SizeBytes) Decode(value string) error {
	raw := strings.TrimSpace(value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	return d.Decode(node.Value)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(value string) error {
	raw := strings.TrimSpace(value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", value)
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.Duration().String(), nil }

func (d SizeBytes) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d Duration) Duration() time.Duration { return time.Duration(d) }
