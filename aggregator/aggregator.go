// Package aggregator keeps the current session's buffer of flagged postures.
//
// Readings arrive from the router in order. A reading is flagged when it
// marks a new transition into a posture that is not in the good set; repeats
// of the same label inside the coalescing window count as one transition.
// The buffer is capped and evicts the oldest entry first. It is cleared when
// a Start command is written.
package aggregator

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/pkg/buffer"
	"github.com/c360/posturestream/wire"
)

// FlaggedPosture is one user-visible bad-posture occurrence.
type FlaggedPosture struct {
	// ID is derived from the arrival time in milliseconds and is strictly
	// increasing within a session.
	ID           int64     `json:"id"`
	Label        string    `json:"label"`
	DisplayLabel string    `json:"display_label,omitempty"`
	Confidence   float64   `json:"confidence"`
	ImageRef     string    `json:"image_ref,omitempty"`
	ImagePath    string    `json:"image_path,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ReceivedAt   time.Time `json:"received_at"`
	// ItemID links the occurrence to its persisted session item once known.
	ItemID string `json:"item_id,omitempty"`
}

// PersistedItem is the part of a stored session item used for
// reconciliation.
type PersistedItem struct {
	ID        string
	Label     string
	StartTime time.Time
	EndTime   time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics counts flagged and coalesced readings.
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithRegistry exports buffer size and eviction metrics.
func WithRegistry(r *metric.MetricsRegistry) Option {
	return func(a *Aggregator) { a.registry = r }
}

// WithClock replaces time.Now for arrival times.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	cfg      Config
	good     map[string]struct{}
	ignored  map[string]struct{}
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry

	mu       sync.Mutex
	ring     *buffer.Ring[FlaggedPosture]
	lastSeen map[string]time.Time
	lastID   int64

	lmu       sync.RWMutex
	listeners []func(FlaggedPosture)
}

// New creates an empty aggregator.
func New(cfg Config, opts ...Option) (*Aggregator, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Aggregator{
		cfg:      cfg,
		good:     lo.Keyify(cfg.GoodLabels),
		ignored:  lo.Keyify(cfg.IgnoredLabels),
		now:      time.Now,
		logger:   slog.Default(),
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "aggregator")

	ring, err := buffer.NewRing[FlaggedPosture](cfg.Capacity,
		buffer.WithOverflowPolicy[FlaggedPosture](buffer.DropOldest),
		buffer.WithMetrics[FlaggedPosture](a.registry, "flagged_postures"),
		buffer.WithDropCallback[FlaggedPosture](func(evicted FlaggedPosture) {
			a.logger.Debug("Evicted oldest occurrence", "id", evicted.ID, "label", evicted.Label)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Aggregator", "New", "buffer creation")
	}
	a.ring = ring
	return a, nil
}

// OnFlagged registers fn to receive every newly buffered occurrence. It runs
// on the dispatching goroutine.
func (a *Aggregator) OnFlagged(fn func(FlaggedPosture)) {
	if fn == nil {
		return
	}
	a.lmu.Lock()
	defer a.lmu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Handle consumes a router event. It matches router.Handler.
func (a *Aggregator) Handle(ev wire.Event) error {
	switch e := ev.(type) {
	case wire.DetectionFrame:
		a.Ingest(e.Posture, e.ImageRef, e.ImagePath)
	case wire.PostureUpdate:
		a.Ingest(e.Posture, "", "")
	case wire.SessionItemCompleted:
		a.Reconcile([]PersistedItem{{ID: e.ItemID, Label: e.LabelID, StartTime: e.StartTime, EndTime: e.EndTime}})
	}
	return nil
}

// IsGood reports whether label belongs to the good set.
func (a *Aggregator) IsGood(label string) bool {
	l := normalizeLabel(label)
	if _, ok := a.good[l]; ok {
		return true
	}
	if a.cfg.GoodPrefix != "" && strings.HasPrefix(l, a.cfg.GoodPrefix) {
		return true
	}
	return a.cfg.GoodSubstring != "" && strings.Contains(l, a.cfg.GoodSubstring)
}

func (a *Aggregator) isIgnored(label string) bool {
	l := normalizeLabel(label)
	if l == "" {
		return true
	}
	_, ok := a.ignored[l]
	return ok
}

// Ingest applies one posture reading and reports the occurrence it added, if
// any.
func (a *Aggregator) Ingest(p wire.Posture, imageRef, imagePath string) (FlaggedPosture, bool) {
	if !p.IsNewTransition && !(a.cfg.FlagOnAlert && p.NeedsAlert) {
		return FlaggedPosture{}, false
	}
	if a.isIgnored(p.Label) || a.IsGood(p.Label) {
		return FlaggedPosture{}, false
	}

	key := normalizeLabel(p.Label)
	arrived := a.now()

	a.mu.Lock()
	if last, ok := a.lastSeen[key]; ok && arrived.Sub(last) < a.cfg.CoalesceWindow {
		a.lastSeen[key] = arrived
		a.mu.Unlock()
		a.metrics.RecordCoalesced()
		return FlaggedPosture{}, false
	}
	a.lastSeen[key] = arrived

	id := arrived.UnixMilli()
	if id <= a.lastID {
		id = a.lastID + 1
	}
	a.lastID = id

	ts := p.Timestamp
	if ts.IsZero() {
		ts = arrived
	}
	fp := FlaggedPosture{
		ID:           id,
		Label:        p.Label,
		DisplayLabel: p.DisplayLabel,
		Confidence:   p.Confidence,
		ImageRef:     imageRef,
		ImagePath:    imagePath,
		Timestamp:    ts,
		ReceivedAt:   arrived,
	}
	a.ring.Push(fp)
	a.mu.Unlock()

	a.metrics.RecordFlagged(p.Label)
	a.logger.Debug("Flagged posture", "id", id, "label", p.Label, "confidence", p.Confidence)
	a.notify(fp)
	return fp, true
}

func (a *Aggregator) notify(fp FlaggedPosture) {
	a.lmu.RLock()
	listeners := a.listeners
	a.lmu.RUnlock()
	for _, fn := range listeners {
		fn(fp)
	}
}

// CurrentBuffer returns a copy of the buffer, oldest first.
func (a *Aggregator) CurrentBuffer() []FlaggedPosture {
	return a.ring.Snapshot()
}

// Len returns the number of buffered occurrences.
func (a *Aggregator) Len() int {
	return a.ring.Size()
}

// Reset empties the buffer and forgets coalescing history.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring.Clear()
	a.lastSeen = make(map[string]time.Time)
	a.logger.Debug("Buffer reset")
}

// CommandSent resets the buffer when a Start command has been written. It
// matches command.Observer.
func (a *Aggregator) CommandSent(cmd wire.Command) {
	if cmd != nil && cmd.Action() == wire.ActionStart {
		a.Reset()
	}
}

// Reconcile links buffered occurrences to persisted items. Each item claims
// the oldest unlinked occurrence whose timestamp falls within the item's span
// widened by ReconcileTolerance and, when the item carries a label, whose
// label matches. It returns the number of occurrences linked.
func (a *Aggregator) Reconcile(items []PersistedItem) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	linked := 0
	for _, item := range items {
		if item.ID == "" || a.isLinked(item.ID) {
			continue
		}
		from := item.StartTime.Add(-a.cfg.ReconcileTolerance)
		to := item.EndTime
		if to.IsZero() || to.Before(item.StartTime) {
			to = item.StartTime
		}
		to = to.Add(a.cfg.ReconcileTolerance)
		label := normalizeLabel(item.Label)

		claimed := false
		linked += a.ring.Update(func(fp *FlaggedPosture) bool {
			if claimed || fp.ItemID != "" {
				return false
			}
			if label != "" && normalizeLabel(fp.Label) != label {
				return false
			}
			if fp.Timestamp.Before(from) || fp.Timestamp.After(to) {
				return false
			}
			fp.ItemID = item.ID
			claimed = true
			return true
		})
	}
	if linked > 0 {
		a.logger.Debug("Reconciled occurrences", "linked", linked, "items", len(items))
	}
	return linked
}

// isLinked must be called with a.mu held.
func (a *Aggregator) isLinked(itemID string) bool {
	return lo.ContainsBy(a.ring.Snapshot(), func(fp FlaggedPosture) bool { return fp.ItemID == itemID })
}
