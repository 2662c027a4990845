package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posturestream/aggregator"
	"github.com/c360/posturestream/alert"
	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/eventsink"
	"github.com/c360/posturestream/history"
	"github.com/c360/posturestream/identity"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/testutil"
	"github.com/c360/posturestream/transport"
	"github.com/c360/posturestream/wire"
)

const badForward = `{"type":"detection_result","data":{"image":"aGVsbG8=","posture":{"posture":"bad_sitting_forward_side"},"confidence":0.95,"need_alert":true,"is_new_posture":true}}`

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

type recordingPlayer struct {
	mu     sync.Mutex
	tracks []int
}

func (p *recordingPlayer) PlayCue(_ context.Context, cue alert.Cue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, cue.Track)
	return nil
}

func (p *recordingPlayer) PreloadCue(context.Context, alert.Cue) error { return nil }

func (p *recordingPlayer) Tracks() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.tracks...)
}

type fakeHistory struct {
	mu      sync.Mutex
	latest  *history.Session
	items   map[string]history.SessionItem
	fetched []string
}

func (h *fakeHistory) GetLatestSession(context.Context) (*history.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, nil
}

func (h *fakeHistory) GetSessionItem(_ context.Context, id string) (*history.SessionItem, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fetched = append(h.fetched, id)
	item, ok := h.items[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return &item, nil
}

type harness struct {
	svc     *Service
	backend *testutil.Backend
	clock   *fakeClock
	player  *recordingPlayer
	ids     *identity.Static

	mu        sync.Mutex
	lifecycle []wire.ConnectionLifecycle
	stats     int
}

func newHarness(t *testing.T, backendOpts []testutil.BackendOption, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		backend: testutil.NewBackend(t, backendOpts...),
		clock:   &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		player:  &recordingPlayer{},
		ids:     identity.NewStatic(identity.Identity{ClientID: "u1", Token: "t1"}),
	}

	cfg := DefaultConfig()
	cfg.Transport.URL = h.backend.URL()
	cfg.Transport.ConnectTimeout = 2 * time.Second
	cfg.Transport.AuthRejectWindow = 0
	cfg.ReconcileInterval = 0

	svc, err := New(cfg, h.ids, append([]Option{
		WithClock(h.clock.Now),
		WithPlayer(h.player),
		WithRegistry(metric.NewMetricsRegistry()),
	}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(time.Second) })

	svc.SubscribePersistent(wire.KindLifecycle, func(ev wire.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.lifecycle = append(h.lifecycle, ev.(wire.ConnectionLifecycle))
		return nil
	})
	svc.SubscribePersistent(wire.KindStatistics, func(wire.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.stats++
		return nil
	})
	h.svc = svc
	return h
}

func (h *harness) statuses() []wire.LifecycleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]wire.LifecycleStatus, 0, len(h.lifecycle))
	for _, ev := range h.lifecycle {
		out = append(out, ev.Status)
	}
	return out
}

func (h *harness) statsSeen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// barrier pushes a statistics frame and waits for it. Frames are dispatched
// in order, so everything pushed earlier has been handled when it returns.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	want := h.statsSeen() + 1
	h.backend.Push(`{"type":"statistics","data":{"total_time":1}}`)
	require.True(t, testutil.Eventually(2*time.Second, func() bool { return h.statsSeen() >= want }))
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Connect(context.Background()))
	require.True(t, testutil.Eventually(time.Second, func() bool {
		return lastStatus(h.statuses()) == wire.StatusConnected
	}))
}

func lastStatus(s []wire.LifecycleStatus) wire.LifecycleStatus {
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func TestService_StartThenFlagFromDetectionResult(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	q := h.backend.LastQuery()
	assert.Equal(t, "u1", q.Get("client_id"))
	assert.Equal(t, "t1", q.Get("token"))

	require.NoError(t, h.svc.StartDetection(context.Background()))
	sent := h.backend.WaitForReceived(t, 1, time.Second)
	var cmd map[string]any
	require.NoError(t, json.Unmarshal(sent[0], &cmd))
	assert.Equal(t, "start", cmd["action"])
	assert.EqualValues(t, 0, cmd["camera_id"])

	h.backend.Push(badForward)
	require.True(t, testutil.Eventually(time.Second, func() bool { return len(h.svc.CurrentBuffer()) == 1 }))

	fp := h.svc.CurrentBuffer()[0]
	assert.Equal(t, "bad_sitting_forward_side", fp.Label)
	assert.InDelta(t, 0.95, fp.Confidence, 1e-9)
	assert.Equal(t, "aGVsbG8=", fp.ImageRef)
	assert.Equal(t, h.clock.Now(), fp.Timestamp, "frames without a timestamp use the service clock")

	require.True(t, testutil.Eventually(time.Second, func() bool { return len(h.player.Tracks()) == 1 }))
	assert.Equal(t, []int{2}, h.player.Tracks())
}

func TestService_DuplicateWithinWindowIsCoalesced(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	require.NoError(t, h.svc.StartDetection(context.Background()))

	h.backend.Push(badForward)
	require.True(t, testutil.Eventually(time.Second, func() bool { return len(h.svc.CurrentBuffer()) == 1 }))

	h.clock.Advance(500 * time.Millisecond)
	h.backend.Push(badForward)
	h.barrier(t)

	assert.Len(t, h.svc.CurrentBuffer(), 1)
}

func TestService_StopWhileIdleIsRejected(t *testing.T) {
	h := newHarness(t, nil)

	err := h.svc.StopDetection(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
	assert.Equal(t, transport.StateIdle, h.svc.State())
	assert.Empty(t, h.backend.Received())
}

func TestService_StartClearsBufferBeforeNextEvent(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.backend.Push(badForward)
	require.True(t, testutil.Eventually(time.Second, func() bool { return len(h.svc.CurrentBuffer()) == 1 }))

	require.NoError(t, h.svc.StartDetection(context.Background()))
	assert.Empty(t, h.svc.CurrentBuffer())
}

func TestService_DisconnectTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	assert.NotPanics(t, func() {
		h.svc.Disconnect()
		h.svc.Disconnect()
	})
	assert.Equal(t, transport.StateIdle, h.svc.State())
	assert.Equal(t, []wire.LifecycleStatus{wire.StatusConnected, wire.StatusDisconnected}, h.statuses())
}

func TestService_MalformedFrameThenValid(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	var mu sync.Mutex
	var events []wire.Event
	h.svc.Subscribe(wire.KindDetectionFrame, func(ev wire.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})

	h.backend.Push(`{"type":"detection_result","data":`)
	h.backend.Push(badForward)
	h.barrier(t)

	mu.Lock()
	assert.Len(t, events, 1)
	mu.Unlock()
	assert.Equal(t, transport.StateOpen, h.svc.State())
}

func TestService_ConnectionScopedSubscriptions(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	var mu sync.Mutex
	scoped := 0
	h.svc.Subscribe(wire.KindStatistics, func(wire.Event) error {
		mu.Lock()
		defer mu.Unlock()
		scoped++
		return nil
	})
	h.barrier(t)

	h.svc.Disconnect()
	h.connect(t)
	h.barrier(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, scoped, "released by Disconnect")
}

func TestService_AuthExpired(t *testing.T) {
	h := newHarness(t, []testutil.BackendOption{testutil.WithRejectedToken("t1")})

	err := h.svc.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.ErrAuthExpired))
	assert.Contains(t, h.statuses(), wire.StatusAuthExpired)
	assert.True(t, h.svc.Health().IsUnhealthy())

	h.ids.Set(identity.Identity{ClientID: "u1", Token: "t2"})
	h.connect(t)
	assert.True(t, h.svc.Health().IsHealthy())
}

func TestService_MissingIdentity(t *testing.T) {
	h := newHarness(t, nil)
	h.ids.Clear()

	err := h.svc.Connect(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.backend.Handshakes())
}

func TestService_Health(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, h.svc.Health().IsDegraded(), "idle transport")

	h.connect(t)
	status := h.svc.Health()
	assert.True(t, status.IsHealthy())
	assert.Len(t, status.SubStatuses, 3)
}

func TestService_ExportsToSink(t *testing.T) {
	pub := testutil.NewMockPublisher()
	cfg := eventsink.DefaultConfig()
	cfg.Enabled = true
	sink, err := eventsink.New(cfg, pub)
	require.NoError(t, err)

	h := newHarness(t, nil, WithSink(sink))
	h.connect(t)
	h.backend.Push(badForward)

	testutil.WaitForMessageCount(t, pub, "posture.flagged", 1, time.Second)
	testutil.WaitForMessageCount(t, pub, "posture.events.detection_frame", 1, time.Second)
	assert.GreaterOrEqual(t, pub.Count("posture.events.lifecycle"), 1)
}

func TestService_ReconcileNow(t *testing.T) {
	end := history.Time{Time: time.Date(2024, 5, 1, 10, 0, 2, 0, time.UTC)}
	hist := &fakeHistory{latest: &history.Session{
		ID: "s1",
		Items: []history.SessionItem{{
			ID:             "item-1",
			LabelID:        "bad_sitting_forward_side",
			LabelName:      "Ngồi cong lưng về phía trước",
			StartTimestamp: history.Time{Time: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
			EndTimestamp:   &end,
		}},
	}}
	h := newHarness(t, nil, WithHistory(hist))

	linked, err := h.svc.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, linked, "empty buffer skips the fetch")

	h.connect(t)
	h.backend.Push(badForward)
	require.True(t, testutil.Eventually(time.Second, func() bool { return len(h.svc.CurrentBuffer()) == 1 }))

	linked, err = h.svc.ReconcileNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, linked)
	assert.Equal(t, "item-1", h.svc.CurrentBuffer()[0].ItemID)
}

func TestPersistedItems_MatchOnLabelID(t *testing.T) {
	start := history.Time{Time: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	items := persistedItems([]history.SessionItem{{
		ID:             "item-1",
		LabelID:        "bad_sitting_forward",
		LabelName:      "Ngồi cong lưng về phía trước",
		StartTimestamp: start,
	}})

	require.Len(t, items, 1)
	assert.Equal(t, "bad_sitting_forward", items[0].Label)
	assert.Equal(t, start.Time, items[0].StartTime)
}

func TestService_ItemCompletedTriggersLookup(t *testing.T) {
	end := history.Time{Time: time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC)}
	hist := &fakeHistory{items: map[string]history.SessionItem{
		"item-9": {
			ID:             "item-9",
			LabelID:        "bad_sitting_forward_side",
			LabelName:      "Ngồi cong lưng về phía trước",
			StartTimestamp: history.Time{Time: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
			EndTimestamp:   &end,
		},
	}}
	h := newHarness(t, nil, WithHistory(hist))
	h.connect(t)

	h.backend.Push(badForward)
	h.backend.Push(`{"type":"session_item_completed","data":{"session_item_id":"item-9","label_id":"bad_sitting_forward_side"}}`)

	require.True(t, testutil.Eventually(2*time.Second, func() bool {
		buf := h.svc.CurrentBuffer()
		return len(buf) == 1 && buf[0].ItemID == "item-9"
	}))
}

func TestService_OnFlagged(t *testing.T) {
	h := newHarness(t, nil)
	got := make(chan aggregator.FlaggedPosture, 1)
	h.svc.OnFlagged(func(fp aggregator.FlaggedPosture) { got <- fp })

	h.connect(t)
	h.backend.Push(badForward)

	select {
	case fp := <-got:
		assert.Equal(t, "bad_sitting_forward_side", fp.Label)
	case <-time.After(time.Second):
		t.Fatal("no flagged posture")
	}
}

func TestService_IndependentInstances(t *testing.T) {
	a := newHarness(t, nil)
	b := newHarness(t, nil)
	a.connect(t)

	a.backend.Push(badForward)
	require.True(t, testutil.Eventually(time.Second, func() bool { return len(a.svc.CurrentBuffer()) == 1 }))

	assert.Empty(t, b.svc.CurrentBuffer())
	assert.Equal(t, transport.StateIdle, b.svc.State())
}

func TestService_StartTwice(t *testing.T) {
	h := newHarness(t, nil)
	err := h.svc.Start(context.Background())
	assert.True(t, errors.Is(err, errors.ErrAlreadyStarted))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ReconcileInterval = -time.Second
	assert.True(t, errors.IsInvalid(cfg.Validate()))

	cfg = DefaultConfig()
	cfg.Command.Protocol = "v9"
	assert.True(t, errors.IsInvalid(cfg.Validate()))

	_, err := New(DefaultConfig(), nil)
	assert.True(t, errors.IsInvalid(err))
}
