package config

import (
	"net/url"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/errors"
)

// Validate fails fast on values the engine cannot run with. Call it after
// ApplyDefaults.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "pebble", "sqlite":
	default:
		return errors.Newf("invalid store.driver %q: want pebble or sqlite", c.Store.Driver)
	}
	if c.Store.Path == "" {
		return errors.New("store.path is empty: set store.path or ROOMLINE_STORE_PATH")
	}

	if c.Homeserver.URL != "" {
		u, err := url.Parse(c.Homeserver.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Newf("invalid homeserver.url %q", c.Homeserver.URL)
		}
	}
	if c.Homeserver.RateLimit.RPS < 0 || c.Homeserver.RateLimit.Burst < 0 {
		return errors.New("homeserver.rate_limit values must not be negative")
	}

	if c.Timeline.MinWindow > c.Timeline.MaxWindow {
		return errors.Newf("timeline.min_window (%d) exceeds timeline.max_window (%d)",
			c.Timeline.MinWindow, c.Timeline.MaxWindow)
	}

	if c.Sweeper.Enabled {
		if !gronx.New().IsValid(c.Sweeper.Cron) {
			return errors.Newf("invalid sweeper.cron %q: not a valid cron expression", c.Sweeper.Cron)
		}
		if c.Homeserver.URL == "" {
			return errors.New("sweeper enabled but homeserver.url is not set")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf("invalid logging.level %q", c.Logging.Level)
	}
	return nil
}
