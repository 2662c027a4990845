package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/pkg/timestamp"
)

// ErrUnrecognized marks a well-formed frame whose type or shape matches no
// known event. Such frames are dropped quietly.
var ErrUnrecognized = errors.New("unrecognized frame")

// Envelope shapes.
const (
	ShapeEnvelope   = "envelope"    // {"type": ..., "data": {...}}
	ShapeBare       = "bare"        // untyped object classified by its fields
	ShapeEventArray = "event_array" // ["posture_update", {...}]
	ShapeJSON       = "json"        // not valid JSON at all
)

// Decoder maps raw frames onto events. The zero value is usable.
type Decoder struct {
	// Location applies to timestamps without a zone. Defaults to UTC.
	Location *time.Location
	// Now supplies the timestamp of frames that carry none.
	Now func() time.Time
}

// NewDecoder returns a decoder reading zone-less timestamps in loc.
func NewDecoder(loc *time.Location) *Decoder {
	return &Decoder{Location: loc, Now: time.Now}
}

func (d *Decoder) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Decode returns exactly one event, a *errors.DecodeError, or an error
// wrapping ErrUnrecognized.
func (d *Decoder) Decode(frame []byte) (Event, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return nil, d.fail(ShapeJSON, "", frame, fmt.Errorf("%w: empty frame", errors.ErrInvalidData))
	}

	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, d.fail(ShapeJSON, "", frame, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err))
		}
		if rawType, ok := obj["type"]; ok {
			var typ string
			if err := json.Unmarshal(rawType, &typ); err != nil {
				return nil, d.fail(ShapeEnvelope, "", frame, fmt.Errorf("%w: type is not a string", errors.ErrInvalidData))
			}
			data, hasData := obj["data"]
			if !hasData {
				// Some deployments inline the payload next to the type.
				data = trimmed
			}
			return d.decodeTyped(ShapeEnvelope, typ, data, frame)
		}
		return d.decodeBare(obj, trimmed, frame)

	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return nil, d.fail(ShapeEventArray, "", frame, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err))
		}
		if len(parts) == 0 {
			return nil, d.fail(ShapeEventArray, "", frame, fmt.Errorf("%w: empty event array", errors.ErrInvalidData))
		}
		var name string
		if err := json.Unmarshal(parts[0], &name); err != nil {
			return nil, d.fail(ShapeEventArray, "", frame, fmt.Errorf("%w: event name is not a string", errors.ErrInvalidData))
		}
		data := json.RawMessage("null")
		if len(parts) > 1 {
			data = parts[1]
		}
		return d.decodeTyped(ShapeEventArray, name, data, frame)

	default:
		if json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: top-level %s", ErrUnrecognized, describeScalar(trimmed))
		}
		return nil, d.fail(ShapeJSON, "", frame, fmt.Errorf("%w: not a JSON object", errors.ErrParsingFailed))
	}
}

func (d *Decoder) fail(shape, typ string, frame []byte, err error) error {
	return &errors.DecodeError{Shape: shape, Type: typ, Size: len(frame), Err: err}
}

func (d *Decoder) decodeTyped(shape, typ string, data json.RawMessage, frame []byte) (Event, error) {
	var (
		ev  Event
		err error
	)

	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "posture_update", "posture":
		var p Posture
		p, _, _, err = d.decodePosture(data)
		ev = PostureUpdate{Posture: p}
	case "detection_result", "detection_frame", "frame":
		var (
			p         Posture
			img, path string
		)
		p, img, path, err = d.decodePosture(data)
		ev = DetectionFrame{Posture: p, ImageRef: img, ImagePath: path}
	case "session_item_completed", "session_item":
		ev, err = d.decodeItem(data)
	case "statistics", "stats":
		ev, err = decodeStatistics(data)
	case "status":
		ev, err = decodeStatus(data)
	case "error":
		ev, err = decodeServerError(data)
	case "connect", "connected":
		ev = ConnectionLifecycle{Status: StatusConnected, Message: "server reported connect", At: d.now()}
	case "disconnect", "disconnected":
		ev = ConnectionLifecycle{Status: StatusDisconnected, Message: "server reported disconnect", At: d.now()}
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnrecognized, typ)
	}

	if err != nil {
		return nil, d.fail(shape, typ, frame, err)
	}
	return ev, nil
}

func (d *Decoder) decodeBare(obj map[string]json.RawMessage, data json.RawMessage, frame []byte) (Event, error) {
	has := func(key string) bool {
		_, ok := obj[key]
		return ok
	}

	var typ string
	switch {
	case has("session_item_id"):
		typ = "session_item_completed"
	case has("posture_counts") || has("total_time"):
		typ = "statistics"
	case has("posture") || (has("label") && has("confidence")):
		if has("image") || has("image_url") || has("image_path") {
			typ = "detection_frame"
		} else {
			typ = "posture_update"
		}
	case has("running") || has("stats_reset"):
		typ = "status"
	default:
		return nil, fmt.Errorf("%w: bare object without known fields", ErrUnrecognized)
	}
	return d.decodeTyped(ShapeBare, typ, data, frame)
}

// postureInfo is the nested classification object. It may also arrive as a
// bare label string.
type postureInfo struct {
	Label        string          `json:"posture"`
	DisplayLabel string          `json:"posture_vi"`
	Confidence   *flexFloat      `json:"confidence"`
	NeedAlert    *flexBool       `json:"need_alert"`
	IsNew        *flexBool       `json:"is_new_posture"`
	Angles       json.RawMessage `json:"angles"`
}

type posturePayload struct {
	Posture         json.RawMessage `json:"posture"`
	Label           string          `json:"label"`
	DisplayLabel    string          `json:"posture_vi"`
	Confidence      *flexFloat      `json:"confidence"`
	NeedAlert       *flexBool       `json:"need_alert"`
	IsNewPosture    *flexBool       `json:"is_new_posture"`
	IsNewTransition *flexBool       `json:"is_new_transition"`
	Duration        *flexFloat      `json:"duration"`
	Angles          json.RawMessage `json:"angles"`
	Timestamp       json.RawMessage `json:"timestamp"`
	Image           string          `json:"image"`
	ImageURL        string          `json:"image_url"`
	ImagePath       string          `json:"image_path"`
}

func (d *Decoder) decodePosture(data json.RawMessage) (Posture, string, string, error) {
	var pl posturePayload
	if err := unmarshalObject(data, &pl); err != nil {
		return Posture{}, "", "", err
	}

	var nested postureInfo
	var bareLabel string
	if raw := bytes.TrimSpace(pl.Posture); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		switch raw[0] {
		case '{':
			if err := json.Unmarshal(raw, &nested); err != nil {
				return Posture{}, "", "", fmt.Errorf("%w: posture: %v", errors.ErrInvalidData, err)
			}
		case '"':
			if err := json.Unmarshal(raw, &bareLabel); err != nil {
				return Posture{}, "", "", fmt.Errorf("%w: posture: %v", errors.ErrInvalidData, err)
			}
		default:
			return Posture{}, "", "", fmt.Errorf("%w: posture must be an object or string", errors.ErrInvalidData)
		}
	}

	p := Posture{
		Label:        firstNonEmpty(nested.Label, pl.Label, bareLabel, nested.DisplayLabel, pl.DisplayLabel),
		DisplayLabel: firstNonEmpty(nested.DisplayLabel, pl.DisplayLabel),
	}
	if strings.TrimSpace(p.Label) == "" {
		return Posture{}, "", "", fmt.Errorf("%w: missing posture label", errors.ErrInvalidData)
	}

	if c := firstFloat(nested.Confidence, pl.Confidence); c != nil {
		p.Confidence = float64(*c)
	}
	if b := firstBool(nested.NeedAlert, pl.NeedAlert); b != nil {
		p.NeedsAlert = bool(*b)
	}
	if b := firstBool(pl.IsNewTransition, pl.IsNewPosture, nested.IsNew); b != nil {
		p.IsNewTransition = bool(*b)
	}
	if pl.Duration != nil {
		p.Duration = time.Duration(float64(*pl.Duration) * float64(time.Second))
	}
	p.Angles = decodeAngles(nested.Angles, pl.Angles)
	p.Timestamp = d.parseTime(pl.Timestamp)

	return p, firstNonEmpty(pl.Image, pl.ImageURL), pl.ImagePath, nil
}

type itemPayload struct {
	ID        flexString      `json:"session_item_id"`
	LabelID   flexString      `json:"label_id"`
	StartTime json.RawMessage `json:"start_time"`
	EndTime   json.RawMessage `json:"end_time"`

	DurationSeconds *flexFloat `json:"duration_seconds"`
	Duration        *flexFloat `json:"duration"`
}

func (d *Decoder) decodeItem(data json.RawMessage) (Event, error) {
	var pl itemPayload
	if err := unmarshalObject(data, &pl); err != nil {
		return nil, err
	}
	if pl.ID == "" {
		return nil, fmt.Errorf("%w: missing session_item_id", errors.ErrInvalidData)
	}

	ev := SessionItemCompleted{ItemID: string(pl.ID), LabelID: string(pl.LabelID)}
	ev.StartTime, _ = timestamp.ParseIn(rawValue(pl.StartTime), d.Location)
	ev.EndTime, _ = timestamp.ParseIn(rawValue(pl.EndTime), d.Location)
	if secs := firstFloat(pl.DurationSeconds, pl.Duration); secs != nil {
		ev.Duration = time.Duration(float64(*secs) * float64(time.Second))
	} else if !ev.StartTime.IsZero() && ev.EndTime.After(ev.StartTime) {
		ev.Duration = ev.EndTime.Sub(ev.StartTime)
	}
	return ev, nil
}

type statisticsPayload struct {
	TotalTime          flexFloat            `json:"total_time"`
	PostureCounts      map[string]flexFloat `json:"posture_counts"`
	PosturePercentages map[string]flexFloat `json:"posture_percentages"`
	Transitions        flexFloat            `json:"transitions"`
}

func decodeStatistics(data json.RawMessage) (Event, error) {
	var pl statisticsPayload
	if err := unmarshalObject(data, &pl); err != nil {
		return nil, err
	}

	ev := Statistics{
		TotalTime:          float64(pl.TotalTime),
		PostureCounts:      make(map[string]int, len(pl.PostureCounts)),
		PosturePercentages: make(map[string]float64, len(pl.PosturePercentages)),
		Transitions:        int(math.Round(float64(pl.Transitions))),
	}
	for k, v := range pl.PostureCounts {
		ev.PostureCounts[k] = int(math.Round(float64(v)))
	}
	for k, v := range pl.PosturePercentages {
		ev.PosturePercentages[k] = float64(v)
	}
	return ev, nil
}

func decodeStatus(data json.RawMessage) (Event, error) {
	var pl struct {
		Running    *flexBool `json:"running"`
		StatsReset *flexBool `json:"stats_reset"`
	}
	if err := unmarshalObject(data, &pl); err != nil {
		return nil, err
	}
	ev := DetectionStatus{}
	if pl.Running != nil {
		running := bool(*pl.Running)
		ev.Running = &running
	}
	if pl.StatsReset != nil {
		ev.StatsReset = bool(*pl.StatsReset)
	}
	return ev, nil
}

func decodeServerError(data json.RawMessage) (Event, error) {
	raw := bytes.TrimSpace(data)
	if len(raw) > 0 && raw[0] == '"' {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
		}
		return ServerError{Message: msg}, nil
	}
	var pl struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := unmarshalObject(data, &pl); err != nil {
		return nil, err
	}
	return ServerError{Message: firstNonEmpty(pl.Message, pl.Detail)}, nil
}

func (d *Decoder) parseTime(raw json.RawMessage) time.Time {
	if t, ok := timestamp.ParseIn(rawValue(raw), d.Location); ok {
		return t
	}
	return d.now()
}

// unmarshalObject requires data to be a JSON object.
func unmarshalObject(data json.RawMessage, v any) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || raw[0] != '{' {
		return fmt.Errorf("%w: payload must be an object", errors.ErrInvalidData)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
	}
	return nil
}

// rawValue converts a raw JSON scalar into a value timestamp.Parse accepts.
func rawValue(raw json.RawMessage) any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

func decodeAngles(candidates ...json.RawMessage) map[string]float64 {
	for _, raw := range candidates {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var m map[string]flexFloat
		if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
			continue
		}
		out := make(map[string]float64, len(m))
		for k, v := range m {
			out[k] = float64(v)
		}
		return out
	}
	return nil
}

func describeScalar(raw []byte) string {
	switch raw[0] {
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstFloat(values ...*flexFloat) *flexFloat {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstBool(values ...*flexBool) *flexBool {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// flexBool accepts JSON booleans, 0/1 and the strings the mobile models use
// ("true", "false", "1", "0").
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.ToLower(strings.TrimSpace(string(data))), `"`)
	switch s {
	case "true", "1", "yes":
		*b = true
	case "false", "0", "no", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// flexFloat accepts numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*f = flexFloat(v)
	return nil
}

// flexString accepts strings and numbers, for ids that may be either.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		*s = ""
		return nil
	}
	if raw[0] == '"' {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("invalid id %s", data)
	}
	*s = flexString(n.String())
	return nil
}
