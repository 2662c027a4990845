package alert

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/testutil"
	"github.com/c360/posturestream/wire"
)

type fakePlayer struct {
	mu       sync.Mutex
	played   []Cue
	preloads int
	err      error
}

func (p *fakePlayer) PlayCue(_ context.Context, cue Cue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, cue)
	return p.err
}

func (p *fakePlayer) PreloadCue(context.Context, Cue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preloads++
	return p.err
}

func (p *fakePlayer) Played() []Cue {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Cue(nil), p.played...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

func newDispatcher(t *testing.T, player Player, opts ...Option) (*Dispatcher, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	d, err := New(DefaultConfig(), player, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop(time.Second) })
	return d, clock
}

func TestDispatcher_Lookup(t *testing.T) {
	d, _ := newDispatcher(t, &fakePlayer{})

	tests := []struct {
		label string
		id    string
		track int
	}{
		{"neck_wrong", "neck_wrong", 7},
		{"Neck_Wrong_Position", "neck_wrong", 7},
		{"bad_sitting_forward_side", "bad_sitting_forward", 2},
		{"bad_sitting_backward_side", "bad_sitting_backward", 3},
		{"too_lean_left_side", "too_lean_left", 4},
		{"leaning_right_side", "leaning_right_side", 5},
		{"leg_wrong_position", "leg_wrong", 8},
	}
	for _, tt := range tests {
		cue, ok := d.Lookup(tt.label)
		require.True(t, ok, tt.label)
		assert.Equal(t, tt.id, cue.ID, tt.label)
		assert.Equal(t, tt.track, cue.Track, tt.label)
		assert.Equal(t, tt.label, cue.Label)
	}

	for _, label := range []string{"", "slouching", "straight_back"} {
		_, ok := d.Lookup(label)
		assert.False(t, ok, label)
	}
}

func TestDispatcher_ExactMatchOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SubstringMatch = false
	d, err := New(cfg, &fakePlayer{})
	require.NoError(t, err)

	_, ok := d.Lookup("neck_wrong_position")
	assert.False(t, ok)
	_, ok = d.Lookup("neck_wrong")
	assert.True(t, ok)
}

func TestDispatcher_DebouncesPerLabel(t *testing.T) {
	m := metric.NewMetrics()
	player := &fakePlayer{}
	d, clock := newDispatcher(t, player, WithMetrics(m))

	assert.True(t, d.Trigger("neck_wrong"))
	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		assert.False(t, d.Trigger("neck_wrong"))
	}
	assert.True(t, d.Trigger("leg_wrong"), "other labels have their own window")

	clock.Advance(1100 * time.Millisecond)
	assert.True(t, d.Trigger("neck_wrong"))

	require.True(t, testutil.Eventually(time.Second, func() bool { return len(player.Played()) == 3 }))
	assert.Equal(t, 10.0, prom.ToFloat64(m.AlertsSuppressed.WithLabelValues("neck_wrong")))
	require.True(t, testutil.Eventually(time.Second, func() bool {
		return prom.ToFloat64(m.AlertsDispatched.WithLabelValues("neck_wrong", "played")) == 2
	}))
}

func TestDispatcher_Handle(t *testing.T) {
	player := &fakePlayer{}
	d, clock := newDispatcher(t, player, WithGoodFilter(func(l string) bool { return l == "leg_wrong" }))

	require.NoError(t, d.Handle(wire.PostureUpdate{Posture: wire.Posture{Label: "neck_wrong"}}))
	require.NoError(t, d.Handle(wire.Statistics{}))
	require.NoError(t, d.Handle(wire.DetectionFrame{Posture: wire.Posture{Label: "leg_wrong", IsNewTransition: true}}))
	require.NoError(t, d.Handle(wire.DetectionFrame{Posture: wire.Posture{Label: "slouching", NeedsAlert: true}}))
	clock.Advance(time.Minute)
	require.NoError(t, d.Handle(wire.DetectionFrame{Posture: wire.Posture{Label: "neck_wrong", IsNewTransition: true}}))
	require.NoError(t, d.Handle(wire.PostureUpdate{Posture: wire.Posture{Label: "bad_sitting_forward_side", NeedsAlert: true}}))

	require.True(t, testutil.Eventually(time.Second, func() bool { return len(player.Played()) == 2 }))
	time.Sleep(20 * time.Millisecond)
	tracks := []int{}
	for _, c := range player.Played() {
		tracks = append(tracks, c.Track)
	}
	assert.ElementsMatch(t, []int{7, 2}, tracks)
}

func TestDispatcher_PlayerFailuresAreSwallowed(t *testing.T) {
	m := metric.NewMetrics()
	player := &fakePlayer{err: fmt.Errorf("speaker unplugged")}
	d, _ := newDispatcher(t, player, WithMetrics(m))

	assert.True(t, d.Trigger("neck_wrong"))
	require.True(t, testutil.Eventually(time.Second, func() bool {
		return prom.ToFloat64(m.AlertsDispatched.WithLabelValues("neck_wrong", "error")) == 1
	}))

	err := d.PreloadAll(context.Background())
	assert.ErrorContains(t, err, "speaker unplugged")
	assert.Equal(t, len(DefaultCues()), player.preloads)
}

func TestDispatcher_NotStartedDropsCue(t *testing.T) {
	m := metric.NewMetrics()
	d, err := New(DefaultConfig(), &fakePlayer{}, WithMetrics(m))
	require.NoError(t, err)

	assert.False(t, d.Trigger("neck_wrong"))
	assert.Equal(t, 1.0, prom.ToFloat64(m.AlertsDispatched.WithLabelValues("neck_wrong", "dropped")))
}

func TestDispatcher_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	player := &fakePlayer{}
	d, err := New(cfg, player)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(time.Second)

	assert.False(t, d.Trigger("neck_wrong"))
}

func TestHTTPPlayer(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.RequestURI())
		f := fail
		mu.Unlock()
		if f {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"ready":true}`)
	}))
	defer srv.Close()

	player := NewHTTPPlayer(srv.URL+"/", time.Second)
	ctx := context.Background()
	require.NoError(t, player.PlayCue(ctx, Cue{ID: "neck_wrong", Track: 7}))
	require.NoError(t, player.PreloadCue(ctx, Cue{Track: 7}))

	mu.Lock()
	fail = true
	mu.Unlock()
	err := player.PlayCue(ctx, Cue{Track: 2})
	assert.True(t, errors.IsTransient(err))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/play?track=7", "/status", "/play?track=2"}, paths)
}

func TestNewPlayer(t *testing.T) {
	_, ok := NewPlayer(PlayerConfig{Kind: PlayerHTTP, BaseURL: "http://esp32.local"}, nil).(*HTTPPlayer)
	assert.True(t, ok)
	_, ok = NewPlayer(PlayerConfig{}, nil).(*LogPlayer)
	assert.True(t, ok)
	assert.NoError(t, NewLogPlayer(nil).PlayCue(context.Background(), Cue{Track: 1}))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"http player", func(c *Config) { c.Player = PlayerConfig{Kind: PlayerHTTP, BaseURL: "http://192.168.1.50"} }, true},
		{"http player without url", func(c *Config) { c.Player = PlayerConfig{Kind: PlayerHTTP} }, false},
		{"unknown player", func(c *Config) { c.Player.Kind = "bluetooth" }, false},
		{"bad track", func(c *Config) { c.Cues = map[string]int{"neck_wrong": 0} }, false},
		{"negative window", func(c *Config) { c.Window = -time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.True(t, errors.IsInvalid(cfg.Validate()))
			}
		})
	}
}
