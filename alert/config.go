package alert

import (
	"net/url"
	"time"

	"github.com/c360/posturestream/errors"
)

// Player kinds.
const (
	PlayerLog  = "log"
	PlayerHTTP = "http"
)

// Config controls cue selection, debouncing and playback.
type Config struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Cues maps a posture label to a device track number.
	Cues map[string]int `yaml:"cues" env:"CUES" envSeparator:","`
	// SubstringMatch lets a table key match any label containing it.
	SubstringMatch bool `yaml:"substring_match" env:"SUBSTRING_MATCH"`

	// Window is the minimum spacing between two cues for the same label.
	Window time.Duration `yaml:"window" env:"WINDOW"`

	Workers     int           `yaml:"workers" env:"WORKERS"`
	QueueSize   int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	PlayTimeout time.Duration `yaml:"play_timeout" env:"PLAY_TIMEOUT"`

	Player PlayerConfig `yaml:"player" envPrefix:"PLAYER_"`
}

// PlayerConfig selects the audio collaborator.
type PlayerConfig struct {
	Kind    string        `yaml:"kind" env:"KIND"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultCues returns the track table of the bedside audio device. Good
// postures have no cue.
func DefaultCues() map[string]int {
	return map[string]int{
		"bad_sitting_forward":  2,
		"bad_sitting_backward": 3,
		"leaning_left_side":    4,
		"too_lean_left":        4,
		"leaning_right_side":   5,
		"too_lean_right":       5,
		"neck_wrong":           7,
		"leg_wrong":            8,
	}
}

// DefaultConfig enables cues with a two second window and logs playback.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Cues:           DefaultCues(),
		SubstringMatch: true,
		Window:         2 * time.Second,
		Workers:        1,
		QueueSize:      16,
		PlayTimeout:    3 * time.Second,
		Player: PlayerConfig{
			Kind:    PlayerLog,
			Timeout: 2 * time.Second,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window < 0 || c.PlayTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "alert", "Validate", "window check")
	}
	for label, track := range c.Cues {
		if label == "" || track <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "alert", "Validate", "cue table check")
		}
	}
	switch c.Player.Kind {
	case PlayerLog, "":
	case PlayerHTTP:
		u, err := url.Parse(c.Player.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "alert", "Validate", "player base_url check")
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "alert", "Validate", "player kind "+c.Player.Kind)
	}
	return nil
}
