package aggregator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/wire"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newAggregator(t *testing.T, clock *fakeClock, mutate func(*Config), opts ...Option) *Aggregator {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return a
}

func transition(label string) wire.DetectionFrame {
	return wire.DetectionFrame{
		Posture:  wire.Posture{Label: label, Confidence: 0.9, IsNewTransition: true},
		ImageRef: "img-" + label,
	}
}

func labels(buf []FlaggedPosture) []string {
	out := make([]string, len(buf))
	for i, fp := range buf {
		out[i] = fp.Label
	}
	return out
}

func TestAggregator_FlagsNewTransitions(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)

	require.NoError(t, a.Handle(wire.DetectionFrame{
		Posture: wire.Posture{
			Label:           "bad_sitting_forward_side",
			DisplayLabel:    "Ngồi cúi",
			Confidence:      0.95,
			IsNewTransition: true,
			Timestamp:       clock.Now().Add(-time.Second),
		},
		ImageRef:  "aGVsbG8=",
		ImagePath: "/frames/1.jpg",
	}))

	buf := a.CurrentBuffer()
	require.Len(t, buf, 1)
	fp := buf[0]
	assert.Equal(t, "bad_sitting_forward_side", fp.Label)
	assert.Equal(t, "Ngồi cúi", fp.DisplayLabel)
	assert.InDelta(t, 0.95, fp.Confidence, 1e-9)
	assert.Equal(t, "aGVsbG8=", fp.ImageRef)
	assert.Equal(t, "/frames/1.jpg", fp.ImagePath)
	assert.Equal(t, clock.Now().UnixMilli(), fp.ID)
	assert.Equal(t, clock.Now(), fp.ReceivedAt)
	assert.Equal(t, clock.Now().Add(-time.Second), fp.Timestamp)
}

func TestAggregator_IgnoresPlainReadings(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)

	a.Handle(wire.DetectionFrame{Posture: wire.Posture{Label: "bad_sitting_forward", NeedsAlert: true}})
	a.Handle(wire.PostureUpdate{Posture: wire.Posture{Label: "neck_wrong", NeedsAlert: true}})
	a.Handle(wire.PostureUpdate{Posture: wire.Posture{Label: "neck_wrong"}})
	a.Handle(wire.Statistics{})
	assert.Empty(t, a.CurrentBuffer())

	a.Handle(wire.PostureUpdate{Posture: wire.Posture{Label: "neck_wrong", IsNewTransition: true}})
	assert.Len(t, a.CurrentBuffer(), 1)
}

func TestAggregator_FlagOnAlert(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, func(c *Config) { c.FlagOnAlert = true })

	a.Handle(wire.PostureUpdate{Posture: wire.Posture{Label: "leg_wrong", NeedsAlert: true}})
	assert.Equal(t, []string{"leg_wrong"}, labels(a.CurrentBuffer()))
}

func TestAggregator_CoalescesDuplicates(t *testing.T) {
	m := metric.NewMetrics()
	clock := newClock()
	a := newAggregator(t, clock, nil, WithMetrics(m))

	a.Handle(transition("neck_wrong"))
	clock.Advance(500 * time.Millisecond)
	a.Handle(transition("neck_wrong"))

	assert.Len(t, a.CurrentBuffer(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CoalescedEvents))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlaggedPostures.WithLabelValues("neck_wrong")))
}

func TestAggregator_CoalescingWindowSlides(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)

	a.Handle(transition("neck_wrong"))
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		a.Handle(transition("neck_wrong"))
	}
	assert.Len(t, a.CurrentBuffer(), 1, "each repeat restarts the window")

	clock.Advance(1500 * time.Millisecond)
	a.Handle(transition("neck_wrong"))
	assert.Len(t, a.CurrentBuffer(), 2, "a full quiet window starts a new occurrence")
}

func TestAggregator_CoalescingIsPerLabel(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)

	a.Handle(transition("neck_wrong"))
	clock.Advance(100 * time.Millisecond)
	a.Handle(transition("leg_wrong"))
	clock.Advance(100 * time.Millisecond)
	a.Handle(transition("neck_wrong"))

	assert.Equal(t, []string{"neck_wrong", "leg_wrong"}, labels(a.CurrentBuffer()))
}

func TestAggregator_NeverFlagsGoodLabels(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)

	good := []string{"straight_back", "good_posture", "good_sitting_side", "posture", "GOOD_POSTURE", " straight_back ", "good_anything", "neck_correct"}
	for _, label := range good {
		for _, isNew := range []bool{true, false} {
			clock.Advance(2 * time.Second)
			a.Handle(wire.DetectionFrame{Posture: wire.Posture{Label: label, IsNewTransition: isNew, NeedsAlert: true}})
		}
		assert.True(t, a.IsGood(label), label)
	}
	assert.Empty(t, a.CurrentBuffer())

	a.Handle(transition("unknown"))
	a.Handle(transition(""))
	assert.Empty(t, a.CurrentBuffer(), "frames without a pose are not occurrences")
}

func TestAggregator_CustomGoodSet(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, func(c *Config) {
		c.GoodLabels = []string{"Upright"}
		c.GoodPrefix = ""
		c.GoodSubstring = ""
	})

	a.Handle(transition("upright"))
	a.Handle(transition("good_posture"))
	assert.Equal(t, []string{"good_posture"}, labels(a.CurrentBuffer()))
}

func TestAggregator_BoundedBuffer(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, func(c *Config) { c.Capacity = 5 })

	for i := 0; i < 12; i++ {
		clock.Advance(10 * time.Millisecond)
		a.Handle(transition(fmt.Sprintf("bad_%02d", i)))
	}

	buf := a.CurrentBuffer()
	require.Len(t, buf, 5)
	assert.Equal(t, []string{"bad_07", "bad_08", "bad_09", "bad_10", "bad_11"}, labels(buf))
	for i := 1; i < len(buf); i++ {
		assert.Greater(t, buf[i].ID, buf[i-1].ID)
	}
}

func TestAggregator_IDsStayMonotonic(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)

	a.Handle(transition("a_wrong"))
	a.Handle(transition("b_wrong"))
	a.Handle(transition("c_wrong"))

	buf := a.CurrentBuffer()
	require.Len(t, buf, 3)
	assert.Equal(t, buf[0].ID+1, buf[1].ID)
	assert.Equal(t, buf[1].ID+1, buf[2].ID)
}

func TestAggregator_ResetOnStart(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)

	a.Handle(transition("neck_wrong"))
	a.CommandSent(wire.Stop{})
	assert.Len(t, a.CurrentBuffer(), 1, "stop keeps the buffer")

	a.CommandSent(wire.Start{CameraID: "0"})
	assert.Empty(t, a.CurrentBuffer())

	a.Handle(transition("neck_wrong"))
	assert.Len(t, a.CurrentBuffer(), 1, "coalescing history is cleared too")
}

func TestAggregator_SnapshotIsIsolated(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)
	a.Handle(transition("neck_wrong"))

	snap := a.CurrentBuffer()
	snap[0].Label = "changed"
	assert.Equal(t, "neck_wrong", a.CurrentBuffer()[0].Label)
}

func TestAggregator_Reconcile(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)

	start := clock.Now()
	a.Handle(transition("neck_wrong"))
	clock.Advance(10 * time.Second)
	a.Handle(transition("leg_wrong"))
	clock.Advance(10 * time.Second)
	a.Handle(transition("neck_wrong"))

	n := a.Reconcile([]PersistedItem{
		{ID: "item-2", Label: "neck_wrong", StartTime: start.Add(19 * time.Second), EndTime: start.Add(25 * time.Second)},
		{ID: "item-1", Label: "NECK_WRONG", StartTime: start.Add(-time.Second), EndTime: start.Add(5 * time.Second)},
		{ID: "item-x", Label: "leg_wrong", StartTime: start.Add(time.Hour)},
	})
	assert.Equal(t, 2, n)

	buf := a.CurrentBuffer()
	assert.Equal(t, "item-1", buf[0].ItemID)
	assert.Empty(t, buf[1].ItemID)
	assert.Equal(t, "item-2", buf[2].ItemID)

	assert.Zero(t, a.Reconcile([]PersistedItem{{ID: "item-1", Label: "neck_wrong", StartTime: start}}), "already linked")
}

func TestAggregator_SessionItemCompletedLinksImmediately(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)
	start := clock.Now()
	a.Handle(transition("leg_wrong"))

	a.Handle(wire.SessionItemCompleted{ItemID: "665f1c", StartTime: start.Add(-2 * time.Second), EndTime: start.Add(-time.Second)})
	assert.Equal(t, "665f1c", a.CurrentBuffer()[0].ItemID)
}

func TestAggregator_SessionItemCompletedMatchesLabelID(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)
	start := clock.Now()
	a.Handle(transition("neck_wrong"))
	clock.Advance(time.Second)
	a.Handle(transition("bad_sitting_forward"))

	a.Handle(wire.SessionItemCompleted{
		ItemID:    "item-7",
		LabelID:   "bad_sitting_forward",
		StartTime: start,
		EndTime:   start.Add(2 * time.Second),
	})

	buf := a.CurrentBuffer()
	assert.Empty(t, buf[0].ItemID, "a different label is never claimed")
	assert.Equal(t, "item-7", buf[1].ItemID)
}

func TestAggregator_ConcurrentReconcileClaimsOnce(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)
	start := clock.Now()
	for i := 0; i < 5; i++ {
		a.Handle(transition("neck_wrong"))
		clock.Advance(2 * time.Second)
	}
	item := PersistedItem{ID: "item-1", Label: "neck_wrong", StartTime: start, EndTime: start.Add(10 * time.Second)}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := a.Reconcile([]PersistedItem{item})
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	linked := 0
	for _, fp := range a.CurrentBuffer() {
		if fp.ItemID == "item-1" {
			linked++
		}
	}
	assert.Equal(t, 1, linked)
}

func TestAggregator_OnFlagged(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, nil)

	var got []FlaggedPosture
	a.OnFlagged(func(fp FlaggedPosture) { got = append(got, fp) })

	a.Handle(transition("neck_wrong"))
	a.Handle(transition("neck_wrong"))
	require.Len(t, got, 1)
	assert.Equal(t, a.CurrentBuffer()[0], got[0])
}

func TestAggregator_BufferMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	clock := newClock()
	a := newAggregator(t, clock, func(c *Config) { c.Capacity = 2 }, WithRegistry(registry))

	for _, l := range []string{"a_wrong", "b_wrong", "c_wrong"} {
		a.Handle(transition(l))
	}
	assert.Equal(t, 2, a.Len())

	_, err := New(DefaultConfig(), WithRegistry(registry))
	assert.Error(t, err, "buffer metrics are registered once per registry")
}

func TestAggregator_ConcurrentReadsDuringIngest(t *testing.T) {
	clock := newClock()
	a := newAggregator(t, clock, func(c *Config) { c.Capacity = 50 })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			clock.Advance(2 * time.Second)
			a.Handle(transition("neck_wrong"))
		}
	}()
	for i := 0; i < 200; i++ {
		assert.LessOrEqual(t, len(a.CurrentBuffer()), 50)
	}
	wg.Wait()
	assert.Equal(t, 50, a.Len())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Capacity = 0
	assert.True(t, errors.IsInvalid(cfg.Validate()))

	cfg = DefaultConfig()
	cfg.GoodLabels, cfg.GoodPrefix, cfg.GoodSubstring = nil, "", ""
	assert.ErrorIs(t, cfg.Validate(), errors.ErrMissingConfig)

	cfg = DefaultConfig()
	cfg.GoodLabels = []string{" Straight_Back", "straight_back", ""}
	assert.Equal(t, []string{"straight_back"}, cfg.Normalize().GoodLabels)
}
