package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/pkg/timestamp"
)

// Action names a session command.
type Action string

const (
	ActionStart      Action = "start"
	ActionStop       Action = "stop"
	ActionResetStats Action = "reset_stats"
)

// Command is an outbound session command. Commands are stateless and not
// acknowledged at the protocol level.
type Command interface {
	Action() Action
}

// Start begins a detection run on a camera. CameraURL is optional.
type Start struct {
	CameraID  string
	CameraURL string
}

// Stop ends the current detection run.
type Stop struct{}

// ResetStats clears the server-side session statistics.
type ResetStats struct{}

func (Start) Action() Action      { return ActionStart }
func (Stop) Action() Action       { return ActionStop }
func (ResetStats) Action() Action { return ActionResetStats }

// ProtocolVersion selects the outbound command encoding.
type ProtocolVersion string

const (
	// ProtocolV1 is the legacy {type: detect|stopDetect, client, timestamp} form.
	ProtocolV1 ProtocolVersion = "v1"
	// ProtocolV2 is the canonical {action, camera_id?, cameraUrl?} form.
	ProtocolV2 ProtocolVersion = "v2"
)

// ParseProtocolVersion accepts "v1", "v2", "legacy" and "canonical".
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "v2", "2", "canonical":
		return ProtocolV2, nil
	case "v1", "1", "legacy":
		return ProtocolV1, nil
	default:
		return "", fmt.Errorf("%w: unknown protocol version %q", errors.ErrInvalidConfig, s)
	}
}

type canonicalCommand struct {
	Action    Action `json:"action"`
	CameraID  any    `json:"camera_id,omitempty"`
	CameraURL string `json:"cameraUrl,omitempty"`
}

type legacyCommand struct {
	Type      string `json:"type"`
	Client    string `json:"client"`
	Timestamp string `json:"timestamp"`
}

// Encoder renders commands for one protocol version.
type Encoder struct {
	Version ProtocolVersion
	// Client is the legacy client tag, "mobile" by default.
	Client string
	Now    func() time.Time
}

// Encode serializes cmd. Commands with no representation in the selected
// version yield an error wrapping ErrUnsupportedCommand.
func (e Encoder) Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil command", errors.ErrUnsupportedCommand)
	}

	switch e.Version {
	case ProtocolV1:
		return e.encodeLegacy(cmd)
	case ProtocolV2, "":
		return encodeCanonical(cmd)
	default:
		return nil, fmt.Errorf("%w: protocol %q", errors.ErrUnsupportedCommand, e.Version)
	}
}

func encodeCanonical(cmd Command) ([]byte, error) {
	out := canonicalCommand{Action: cmd.Action()}
	switch c := cmd.(type) {
	case Start:
		out.CameraID = cameraID(c.CameraID)
		out.CameraURL = c.CameraURL
	case Stop, ResetStats:
	default:
		return nil, fmt.Errorf("%w: %T", errors.ErrUnsupportedCommand, cmd)
	}
	return json.Marshal(out)
}

// cameraID sends numeric ids as numbers; the backend indexes local cameras
// by integer.
func cameraID(id string) any {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func (e Encoder) encodeLegacy(cmd Command) ([]byte, error) {
	var typ string
	switch cmd.(type) {
	case Start:
		typ = "detect"
	case Stop:
		typ = "stopDetect"
	default:
		return nil, fmt.Errorf("%w: %s has no legacy form", errors.ErrUnsupportedCommand, cmd.Action())
	}

	client := e.Client
	if client == "" {
		client = "mobile"
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return json.Marshal(legacyCommand{Type: typ, Client: client, Timestamp: timestamp.Format(now())})
}
