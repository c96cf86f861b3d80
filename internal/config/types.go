package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full bot configuration.
//
// The file may be JSON or YAML; YAML is coerced to JSON and decoded
// strictly, so unknown keys are rejected in both formats.
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Publisher PublisherConfig `json:"publisher"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
	Bot       BotConfig       `json:"bot"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"` // default true
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // default "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PublisherConfig controls the publication scheduler.
//
// Defaults (when fields are omitted/zero):
//   - tick_every: "1m"
//   - default_chance: 0.05
//   - error_threshold: 3
//   - send_rate_per_sec: 1
//   - dispatch_timeout: "30s"
type PublisherConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // default true

	TickEvery string `json:"tick_every,omitempty"`

	// DefaultChance is the per-tick fire probability of the Default policy.
	// It is a tunable expectation, not a schedule.
	DefaultChance float64 `json:"default_chance,omitempty"`

	// ErrorThreshold is the consecutive definitive-failure count that
	// auto-deactivates a channel.
	ErrorThreshold int `json:"error_threshold,omitempty"`

	// SendRatePerSec paces dispatches within one tick.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`

	DispatchTimeout string `json:"dispatch_timeout,omitempty"`

	// Timezone is the IANA location used to evaluate Fixed-hour policies,
	// e.g. "Asia/Riyadh". Empty means system local time.
	Timezone string `json:"timezone,omitempty"`
}

type BroadcastConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 10
}

type BotConfig struct {
	// OwnerUserIDs are developer accounts: full access, cannot be demoted.
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// Categories are the selectable content pools.
	Categories []string `json:"categories,omitempty"`

	// GroupEnableKeyword registers a group with default settings when a
	// member sends exactly this text.
	GroupEnableKeyword string `json:"group_enable_keyword,omitempty"`
}

// DefaultCategories is used when bot.categories is omitted.
var DefaultCategories = []string{"love", "birthday", "quotes", "poetry"}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Publisher.DefaultChance < 0 || c.Publisher.DefaultChance > 1 {
		return fmt.Errorf("publisher.default_chance must be in [0,1]")
	}
	if c.Publisher.ErrorThreshold < 0 {
		return fmt.Errorf("publisher.error_threshold must be >= 0")
	}
	if c.Publisher.Timezone != "" {
		if _, err := time.LoadLocation(c.Publisher.Timezone); err != nil {
			return fmt.Errorf("publisher.timezone: %w", err)
		}
	}
	for _, field := range []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"publisher.tick_every", c.Publisher.TickEvery},
		{"publisher.dispatch_timeout", c.Publisher.DispatchTimeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationField interprets a duration config value. Empty means
// "unset" and yields zero without an error; negative values are rejected.
// path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: bad duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// CategoryList returns the configured categories or the defaults.
func (c *Config) CategoryList() []string {
	if len(c.Bot.Categories) > 0 {
		return c.Bot.Categories
	}
	return DefaultCategories
}

// ConsoleLogging reports whether console output is enabled (default true).
func (c *Config) ConsoleLogging() bool {
	if c.Logging.Console == nil {
		return true
	}
	return *c.Logging.Console
}

// PublisherEnabled reports whether scheduled publishing starts at boot.
func (c *Config) PublisherEnabled() bool {
	if c.Publisher.Enabled == nil {
		return true
	}
	return *c.Publisher.Enabled
}
