package config

import (
	"os"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ROOMLINE_STORE_PATH.
const EnvPrefix = "ROOMLINE"

const (
	defaultStoreDriver        = "pebble"
	defaultStorePath          = "./roomline.db"
	defaultRequestTimeout     = 30 * time.Second
	defaultMaxResponseSize    = 16 * 1024 * 1024 // 16 MiB
	defaultRateLimitRPS       = 5
	defaultRateLimitBurst     = 10
	defaultFetchLimit         = 20
	defaultFetchTimeout       = 30 * time.Second
	defaultDecryptTimeout     = 10 * time.Second
	defaultMinWindow          = 20
	defaultMaxWindow          = 100
	defaultSessionWaitTimeout = 5 * time.Second
	defaultCacheSize          = 4096
	defaultQueueCapacity      = 1024
	defaultSweeperCron        = "*/15 * * * *"
	defaultSweeperPrefetch    = 50
	defaultLogLevel           = "info"
	defaultLogSink            = "stdout"
)

// Load reads the YAML file at path (skipped when path is empty), overlays
// ROOMLINE_* environment variables and applies defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		fileCfg, err := LoadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "apply environment overrides")
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return &cfg, nil
}

// ApplyDefaults fills in every unset value.
func (c *Config) ApplyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultStorePath
	}

	hs := &c.Homeserver
	if hs.RequestTimeout.Duration() == 0 {
		hs.RequestTimeout = Duration(defaultRequestTimeout)
	}
	if hs.MaxResponseSize.Int64() == 0 {
		hs.MaxResponseSize = SizeBytes(defaultMaxResponseSize)
	}
	if hs.RateLimit.RPS == 0 {
		hs.RateLimit.RPS = defaultRateLimitRPS
	}
	if hs.RateLimit.Burst == 0 {
		hs.RateLimit.Burst = defaultRateLimitBurst
	}

	tl := &c.Timeline
	if tl.FetchLimit <= 0 {
		tl.FetchLimit = defaultFetchLimit
	}
	if tl.FetchTimeout.Duration() == 0 {
		tl.FetchTimeout = Duration(defaultFetchTimeout)
	}
	if tl.DecryptTimeout.Duration() == 0 {
		tl.DecryptTimeout = Duration(defaultDecryptTimeout)
	}
	if tl.MinWindow <= 0 {
		tl.MinWindow = defaultMinWindow
	}
	if tl.MaxWindow <= 0 {
		tl.MaxWindow = defaultMaxWindow
	}

	if c.Crypto.SessionWaitTimeout.Duration() == 0 {
		c.Crypto.SessionWaitTimeout = Duration(defaultSessionWaitTimeout)
	}
	if c.Crypto.CacheSize <= 0 {
		c.Crypto.CacheSize = defaultCacheSize
	}

	if c.Intake.Workers <= 0 {
		c.Intake.Workers = runtime.NumCPU()
	}
	if c.Intake.QueueCapacity <= 0 {
		c.Intake.QueueCapacity = defaultQueueCapacity
	}

	if c.Sweeper.Cron == "" {
		c.Sweeper.Cron = defaultSweeperCron
	}
	if c.Sweeper.Prefetch <= 0 {
		c.Sweeper.Prefetch = defaultSweeperPrefetch
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Sink == "" {
		c.Logging.Sink = defaultLogSink
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// YAML renders the effective configuration with the access token masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Homeserver.AccessToken != "" {
		masked.Homeserver.AccessToken = "<redacted>"
	}
	return yaml.Marshal(&masked)
}
