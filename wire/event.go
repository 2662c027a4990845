// Package wire defines the normalized inbound event union and outbound command
// set of the detection socket, together with the adapters that map every
// known envelope shape onto them.
package wire

import (
	"time"
)

// Kind discriminates inbound events.
type Kind string

const (
	KindPostureUpdate        Kind = "posture_update"
	KindDetectionFrame       Kind = "detection_frame"
	KindSessionItemCompleted Kind = "session_item_completed"
	KindStatistics           Kind = "statistics"
	KindLifecycle            Kind = "lifecycle"
	KindDetectionStatus      Kind = "detection_status"
	KindServerError          Kind = "server_error"
)

// Kinds lists every event kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindPostureUpdate,
		KindDetectionFrame,
		KindSessionItemCompleted,
		KindStatistics,
		KindLifecycle,
		KindDetectionStatus,
		KindServerError,
	}
}

// Event is the closed set of inbound events. Only types in this package
// implement it.
type Event interface {
	Kind() Kind
	isEvent()
}

// Posture is a single classification reading.
type Posture struct {
	Label           string             `json:"label"`
	DisplayLabel    string             `json:"display_label,omitempty"`
	Confidence      float64            `json:"confidence"`
	NeedsAlert      bool               `json:"needs_alert"`
	IsNewTransition bool               `json:"is_new_transition"`
	Angles          map[string]float64 `json:"angles,omitempty"`
	Duration        time.Duration      `json:"duration,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// PostureUpdate is the per-frame classification stream.
type PostureUpdate struct {
	Posture
}

// DetectionFrame is a classification that carries the captured image.
type DetectionFrame struct {
	Posture
	// ImageRef is the base64 JPEG or a URL, as sent.
	ImageRef  string `json:"image_ref,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

// SessionItemCompleted reports that the server persisted a session item.
type SessionItemCompleted struct {
	ItemID    string        `json:"item_id"`
	LabelID   string        `json:"label_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// Statistics summarizes the running session.
type Statistics struct {
	TotalTime          float64            `json:"total_time"`
	PostureCounts      map[string]int     `json:"posture_counts"`
	PosturePercentages map[string]float64 `json:"posture_percentages"`
	Transitions        int                `json:"transitions"`
}

// LifecycleStatus is the connection lifecycle discriminator.
type LifecycleStatus string

const (
	StatusConnected    LifecycleStatus = "connected"
	StatusDisconnected LifecycleStatus = "disconnected"
	StatusError        LifecycleStatus = "error"
	StatusAuthExpired  LifecycleStatus = "auth_expired"
)

// ConnectionLifecycle reports transport state changes. Transport failures
// reach subscribers only through this event.
type ConnectionLifecycle struct {
	Status       LifecycleStatus `json:"status"`
	ConnectionID string          `json:"connection_id,omitempty"`
	// Expected is true when the caller asked for the disconnect.
	Expected bool      `json:"expected"`
	Err      error     `json:"-"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// DetectionStatus acknowledges a start, stop or reset command.
type DetectionStatus struct {
	Running    *bool `json:"running,omitempty"`
	StatsReset bool  `json:"stats_reset,omitempty"`
}

// ServerError is an error reported by the detection backend, for example a
// camera that failed to open.
type ServerError struct {
	Message string `json:"message"`
}

func (PostureUpdate) Kind() Kind        { return KindPostureUpdate }
func (DetectionFrame) Kind() Kind       { return KindDetectionFrame }
func (SessionItemCompleted) Kind() Kind { return KindSessionItemCompleted }
func (Statistics) Kind() Kind           { return KindStatistics }
func (ConnectionLifecycle) Kind() Kind  { return KindLifecycle }
func (DetectionStatus) Kind() Kind      { return KindDetectionStatus }
func (ServerError) Kind() Kind          { return KindServerError }

func (PostureUpdate) isEvent()        {}
func (DetectionFrame) isEvent()       {}
func (SessionItemCompleted) isEvent() {}
func (Statistics) isEvent()           {}
func (ConnectionLifecycle) isEvent()  {}
func (DetectionStatus) isEvent()      {}
func (ServerError) isEvent()          {}

// PostureOf extracts the reading and image reference from a posture-bearing
// event.
func PostureOf(ev Event) (p Posture, imageRef string, ok bool) {
	switch e := ev.(type) {
	case PostureUpdate:
		return e.Posture, "", true
	case DetectionFrame:
		return e.Posture, e.ImageRef, true
	default:
		return Posture{}, "", false
	}
}
