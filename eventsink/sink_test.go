package eventsink

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posturestream/aggregator"
	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/testutil"
	"github.com/c360/posturestream/wire"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newSink(t *testing.T, mutate func(*Config)) (*Sink, *testutil.MockPublisher) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	if mutate != nil {
		mutate(&cfg)
	}
	pub := testutil.NewMockPublisher()
	s, err := New(cfg, pub, WithClock(func() time.Time { return fixedNow }), WithClientID("phone-1"))
	require.NoError(t, err)
	return s, pub
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestSink_Subjects(t *testing.T) {
	s, _ := newSink(t, func(c *Config) { c.SubjectPrefix = "clinic.room4" })
	assert.Equal(t, "clinic.room4.events.posture_update", s.EventSubject(wire.KindPostureUpdate))
	assert.Equal(t, "clinic.room4.flagged", s.FlaggedSubject())
}

func TestSink_HandlePublishesPerKind(t *testing.T) {
	s, pub := newSink(t, nil)

	require.NoError(t, s.Handle(wire.PostureUpdate{Posture: wire.Posture{Label: "neck_wrong", Confidence: 0.9}}))
	require.NoError(t, s.Handle(wire.Statistics{Transitions: 3}))

	assert.Equal(t, []string{"posture.events.posture_update", "posture.events.statistics"}, pub.Subjects())

	msg := decode(t, pub.Messages("posture.events.posture_update")[0])
	assert.Equal(t, "posture_update", msg["kind"])
	assert.Equal(t, "phone-1", msg["client_id"])
	assert.Equal(t, "2024-05-01T10:00:00Z", msg["at"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "neck_wrong", data["label"])
}

func TestSink_StripsImagesByDefault(t *testing.T) {
	s, pub := newSink(t, nil)
	frame := wire.DetectionFrame{Posture: wire.Posture{Label: "leg_wrong"}, ImageRef: "aGVsbG8=", ImagePath: "images/1.jpg"}

	require.NoError(t, s.Handle(frame))
	data := decode(t, pub.Messages("posture.events.detection_frame")[0])["data"].(map[string]any)
	assert.NotContains(t, data, "image_ref")
	assert.Equal(t, "images/1.jpg", data["image_path"])

	s, pub = newSink(t, func(c *Config) { c.IncludeImages = true })
	require.NoError(t, s.Handle(frame))
	data = decode(t, pub.Messages("posture.events.detection_frame")[0])["data"].(map[string]any)
	assert.Equal(t, "aGVsbG8=", data["image_ref"])
}

func TestSink_Lifecycle(t *testing.T) {
	s, pub := newSink(t, nil)
	at := fixedNow.Add(-time.Minute)

	require.NoError(t, s.Handle(wire.ConnectionLifecycle{
		Status:       wire.StatusDisconnected,
		ConnectionID: "c-1",
		Err:          fmt.Errorf("unexpected EOF"),
		At:           at,
	}))

	msg := decode(t, pub.Messages("posture.events.lifecycle")[0])
	assert.Equal(t, "c-1", msg["connection_id"])
	assert.Equal(t, "unexpected EOF", msg["error"])
	assert.Equal(t, "2024-05-01T09:59:00Z", msg["at"])
}

func TestSink_PublishFlagged(t *testing.T) {
	s, pub := newSink(t, nil)

	require.NoError(t, s.PublishFlagged(aggregator.FlaggedPosture{ID: 42, Label: "neck_wrong", ImageRef: "aGVsbG8="}))
	msgs := testutil.WaitForMessageCount(t, pub, "posture.flagged", 1, time.Second)

	msg := decode(t, msgs[0])
	assert.Equal(t, "flagged_posture", msg["kind"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, 42.0, data["id"])
	assert.NotContains(t, data, "image_ref")
}

func TestSink_PublishFailure(t *testing.T) {
	s, pub := newSink(t, nil)
	pub.FailWith(fmt.Errorf("nats: connection closed"))

	err := s.Handle(wire.ServerError{Message: "camera unavailable"})
	assert.True(t, errors.IsTransient(err))
	assert.Zero(t, pub.Count("posture.events.server_error"))
}

func TestNew_RequiresConn(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"disabled ignores fields", func(c *Config) { c.Enabled = false; c.URL = "" }, true},
		{"enabled defaults", func(c *Config) { c.Enabled = true }, true},
		{"missing url", func(c *Config) { c.Enabled = true; c.URL = "" }, false},
		{"wildcard prefix", func(c *Config) { c.Enabled = true; c.SubjectPrefix = "posture.>" }, false},
		{"trailing dot", func(c *Config) { c.Enabled = true; c.SubjectPrefix = "posture." }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsInvalid(err))
			}
		})
	}
}
