// Package alert plays an audio cue when a bad posture is first observed,
// with at most one cue per label per window.
package alert

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/pkg/worker"
	"github.com/c360/posturestream/wire"
)

// Cue is one playable alert.
type Cue struct {
	// ID is the cue table key that matched.
	ID    string
	Track int
	// Label is the posture label that triggered the cue.
	Label string
}

type cueEntry struct {
	key   string
	track int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics counts dispatched and suppressed cues.
func WithMetrics(m *metric.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRegistry exports playback pool metrics.
func WithRegistry(r *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) { d.registry = r }
}

// WithClock replaces time.Now for debouncing.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithGoodFilter suppresses cues for labels the filter reports as good.
func WithGoodFilter(isGood func(label string) bool) Option {
	return func(d *Dispatcher) { d.isGood = isGood }
}

// Dispatcher maps posture readings to cues. Handle never blocks on playback.
type Dispatcher struct {
	cfg      Config
	exact    map[string]int
	byLength []cueEntry // longest key first, for substring matching
	player   Player
	pool     *worker.Pool[Cue]
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
	now      func() time.Time
	isGood   func(string) bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a dispatcher. Call Start before events arrive.
func New(cfg Config, player Player, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if player == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "New", "player check")
	}

	d := &Dispatcher{
		cfg:      cfg,
		exact:    make(map[string]int, len(cfg.Cues)),
		player:   player,
		logger:   slog.Default(),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "alert")

	for label, track := range cfg.Cues {
		d.exact[normalize(label)] = track
	}
	d.byLength = lo.MapToSlice(d.exact, func(k string, v int) cueEntry { return cueEntry{key: k, track: v} })
	sort.Slice(d.byLength, func(i, j int) bool {
		if len(d.byLength[i].key) != len(d.byLength[j].key) {
			return len(d.byLength[i].key) > len(d.byLength[j].key)
		}
		return d.byLength[i].key < d.byLength[j].key
	})

	pool, err := worker.NewPool[Cue](cfg.Workers, cfg.QueueSize, d.play,
		worker.WithMetricsRegistry[Cue](d.registry, "alert"),
		worker.WithLogger[Cue](d.logger),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Dispatcher", "New", "playback pool")
	}
	d.pool = pool
	return d, nil
}

// Start launches the playback workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.pool.Start(ctx)
}

// Stop waits up to timeout for queued cues.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	return d.pool.Stop(timeout)
}

// Lookup returns the cue for label: an exact table match first, then the
// longest table key contained in label when substring matching is enabled.
func (d *Dispatcher) Lookup(label string) (Cue, bool) {
	l := normalize(label)
	if l == "" {
		return Cue{}, false
	}
	if track, ok := d.exact[l]; ok {
		return Cue{ID: l, Track: track, Label: label}, true
	}
	if !d.cfg.SubstringMatch {
		return Cue{}, false
	}
	for _, e := range d.byLength {
		if strings.Contains(l, e.key) {
			return Cue{ID: e.key, Track: e.track, Label: label}, true
		}
	}
	return Cue{}, false
}

// Handle consumes a router event. It matches router.Handler and never
// returns an error.
func (d *Dispatcher) Handle(ev wire.Event) error {
	p, _, ok := wire.PostureOf(ev)
	if !ok || !(p.IsNewTransition || p.NeedsAlert) {
		return nil
	}
	d.Trigger(p.Label)
	return nil
}

// Trigger queues the cue for label unless it is unmapped, good, disabled or
// inside its debounce window. It reports whether a cue was queued.
func (d *Dispatcher) Trigger(label string) bool {
	if !d.cfg.Enabled {
		return false
	}
	if d.isGood != nil && d.isGood(label) {
		return false
	}
	cue, ok := d.Lookup(label)
	if !ok {
		return false
	}

	if !d.limiter(normalize(label)).AllowN(d.now(), 1) {
		d.metrics.RecordAlertSuppressed(cue.ID)
		return false
	}

	if err := d.pool.Submit(cue); err != nil {
		d.metrics.RecordAlert(cue.ID, "dropped")
		d.logger.Warn("Cue dropped", "cue", cue.ID, "error", err)
		return false
	}
	return true
}

func (d *Dispatcher) limiter(key string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.cfg.Window), 1)
		d.limiters[key] = l
	}
	return l
}

func (d *Dispatcher) play(ctx context.Context, cue Cue) error {
	if d.cfg.PlayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.PlayTimeout)
		defer cancel()
	}
	if err := d.player.PlayCue(ctx, cue); err != nil {
		d.metrics.RecordAlert(cue.ID, "error")
		d.logger.Warn("Cue playback failed", "cue", cue.ID, "track", cue.Track, "error", err)
		return nil
	}
	d.metrics.RecordAlert(cue.ID, "played")
	return nil
}

// PreloadAll preloads every cue in the table. Failures are logged and
// returned joined.
func (d *Dispatcher) PreloadAll(ctx context.Context) error {
	var errs []error
	for _, e := range d.byLength {
		cue := Cue{ID: e.key, Track: e.track}
		if err := d.player.PreloadCue(ctx, cue); err != nil {
			d.logger.Warn("Cue preload failed", "cue", cue.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
