package aggregator

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/c360/posturestream/errors"
)

// Config controls which readings are flagged and how long they are kept.
type Config struct {
	// Capacity is the maximum number of buffered occurrences; the oldest is
	// evicted first.
	Capacity int `yaml:"capacity" env:"CAPACITY"`

	// CoalesceWindow merges repeated transitions of the same label. Each
	// merged repeat restarts the window.
	CoalesceWindow time.Duration `yaml:"coalesce_window" env:"COALESCE_WINDOW"`

	// GoodLabels are never flagged. Labels starting with GoodPrefix or
	// containing GoodSubstring are treated the same way when those are set.
	GoodLabels    []string `yaml:"good_labels" env:"GOOD_LABELS" envSeparator:","`
	GoodPrefix    string   `yaml:"good_prefix" env:"GOOD_PREFIX"`
	GoodSubstring string   `yaml:"good_substring" env:"GOOD_SUBSTRING"`

	// IgnoredLabels describe frames with no usable pose.
	IgnoredLabels []string `yaml:"ignored_labels" env:"IGNORED_LABELS" envSeparator:","`

	// FlagOnAlert also flags readings the backend marks need_alert. Off by
	// default; enable it for the legacy camera loop, which never sends
	// is_new_posture.
	FlagOnAlert bool `yaml:"flag_on_alert" env:"FLAG_ON_ALERT"`

	// ReconcileTolerance widens a persisted item's time span when matching
	// it to buffered occurrences.
	ReconcileTolerance time.Duration `yaml:"reconcile_tolerance" env:"RECONCILE_TOLERANCE"`
}

// DefaultConfig returns the defaults used by the mobile client.
func DefaultConfig() Config {
	return Config{
		Capacity:           300,
		CoalesceWindow:     1500 * time.Millisecond,
		GoodLabels:         []string{"straight_back", "good_posture", "good_sitting_side", "posture"},
		GoodPrefix:         "good_",
		GoodSubstring:      "correct",
		IgnoredLabels:      []string{"unknown"},
		ReconcileTolerance: 3 * time.Second,
	}
}

// Normalize lower-cases and de-duplicates the label lists.
func (c Config) Normalize() Config {
	c.GoodLabels = normalizeLabels(c.GoodLabels)
	c.IgnoredLabels = normalizeLabels(c.IgnoredLabels)
	c.GoodPrefix = normalizeLabel(c.GoodPrefix)
	c.GoodSubstring = normalizeLabel(c.GoodSubstring)
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "aggregator", "Validate", "capacity check")
	}
	if c.CoalesceWindow < 0 || c.ReconcileTolerance < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "aggregator", "Validate", "window check")
	}
	if len(c.GoodLabels) == 0 && c.GoodPrefix == "" && c.GoodSubstring == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "aggregator", "Validate", "good label check")
	}
	return nil
}

func normalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

func normalizeLabels(labels []string) []string {
	return lo.Uniq(lo.Compact(lo.Map(labels, func(l string, _ int) string { return normalizeLabel(l) })))
}
