package transport

import "time"

// State of the connection manager.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a point-in-time view of the current or last connection.
type ConnectionInfo struct {
	ID           string    `json:"id,omitempty"`
	Endpoint     string    `json:"endpoint"` // token redacted
	ClientID     string    `json:"client_id,omitempty"`
	State        State     `json:"state"`
	RetryCount   int       `json:"retry_count"`
	ConnectedAt  time.Time `json:"connected_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}
