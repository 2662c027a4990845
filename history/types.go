package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/posturestream/pkg/timestamp"
)

// Time decodes the zone-less ISO timestamps the API emits. They are read as UTC.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, ok := timestamp.Parse(raw)
	if !ok {
		return fmt.Errorf("history: unrecognized timestamp %s", b)
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(timestamp.Format(t.Time))
}

// Session is one recorded monitoring session. Items is only populated by
// GetSessionByID and GetLatestSession.
type Session struct {
	ID           string        `json:"_id"`
	UserID       string        `json:"user_id"`
	CreationDate Time          `json:"creation_date"`
	Items        []SessionItem `json:"items,omitempty"`
}

// SessionItem is one persisted posture occurrence.
type SessionItem struct {
	ID             string  `json:"_id"`
	SessionID      string  `json:"session_id"`
	Timestamp      Time    `json:"timestamp"`
	Accuracy       float64 `json:"accuracy"`
	Image          string  `json:"image,omitempty"`
	ImagePath      string  `json:"image_path,omitempty"`
	StartTimestamp Time    `json:"start_timestamp"`
	EndTimestamp   *Time   `json:"end_timestamp,omitempty"`
	// LabelID is the posture key; LabelName is its display text.
	LabelName           string `json:"label_name"`
	LabelID             string `json:"label_id"`
	LabelRecommendation string `json:"label_recommendation,omitempty"`
}

// Span returns the item's start and end. Open items end at their start.
func (i SessionItem) Span() (time.Time, time.Time) {
	start := i.StartTimestamp.Time
	if start.IsZero() {
		start = i.Timestamp.Time
	}
	end := start
	if i.EndTimestamp != nil && !i.EndTimestamp.IsZero() {
		end = i.EndTimestamp.Time
	}
	return start, end
}
