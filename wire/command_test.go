package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/posturestream/errors"
)

func TestEncoder_Canonical(t *testing.T) {
	enc := Encoder{Version: ProtocolV2}

	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"start local camera", Start{CameraID: "0"}, `{"action":"start","camera_id":0}`},
		{"start remote camera", Start{CameraID: "lobby", CameraURL: "rtsp://cam/1"}, `{"action":"start","camera_id":"lobby","cameraUrl":"rtsp://cam/1"}`},
		{"start default camera", Start{}, `{"action":"start"}`},
		{"stop", Stop{}, `{"action":"stop"}`},
		{"reset stats", ResetStats{}, `{"action":"reset_stats"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := enc.Encode(tt.cmd)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestEncoder_Legacy(t *testing.T) {
	enc := Encoder{
		Version: ProtocolV1,
		Now:     func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
	}

	out, err := enc.Encode(Start{CameraID: "1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"detect","client":"mobile","timestamp":"2024-05-01T10:00:00.000Z"}`, string(out))

	out, err = enc.Encode(Stop{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stopDetect","client":"mobile","timestamp":"2024-05-01T10:00:00.000Z"}`, string(out))

	_, err = enc.Encode(ResetStats{})
	assert.ErrorIs(t, err, errors.ErrUnsupportedCommand)

	_, err = enc.Encode(nil)
	assert.ErrorIs(t, err, errors.ErrUnsupportedCommand)
}

func TestParseProtocolVersion(t *testing.T) {
	for in, want := range map[string]ProtocolVersion{"": ProtocolV2, "v2": ProtocolV2, "legacy": ProtocolV1, "V1": ProtocolV1} {
		got, err := ParseProtocolVersion(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseProtocolVersion("v9")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
