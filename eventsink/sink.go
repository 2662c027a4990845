// Package eventsink republishes normalized detection events and flagged
// postures to NATS subjects for server-side consumers.
package eventsink

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/posturestream/aggregator"
	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/wire"
)

// Conn is the publishing half of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Envelope is the exported message body.
type Envelope struct {
	Kind         wire.Kind `json:"kind"`
	ClientID     string    `json:"client_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	At           time.Time `json:"at"`
	Data         any       `json:"data"`
	Error        string    `json:"error,omitempty"`
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

// WithClientID stamps every envelope with the client id.
func WithClientID(id string) Option {
	return func(s *Sink) { s.clientID = id }
}

// Sink publishes one message per event.
type Sink struct {
	conn     Conn
	prefix   string
	images   bool
	clientID string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a sink on conn.
func New(cfg Config, conn Conn, opts ...Option) (*Sink, error) {
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "eventsink", "New", "connection check")
	}
	prefix := strings.TrimSpace(cfg.SubjectPrefix)
	if prefix == "" {
		prefix = DefaultConfig().SubjectPrefix
	}

	s := &Sink{
		conn:   conn,
		prefix: prefix,
		images: cfg.IncludeImages,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "eventsink")
	return s, nil
}

// EventSubject returns the subject events of kind are published on.
func (s *Sink) EventSubject(kind wire.Kind) string {
	return s.prefix + ".events." + string(kind)
}

// FlaggedSubject returns the subject flagged postures are published on.
func (s *Sink) FlaggedSubject() string {
	return s.prefix + ".flagged"
}

// Handle publishes ev. It matches router.Handler.
func (s *Sink) Handle(ev wire.Event) error {
	env := Envelope{Kind: ev.Kind(), ClientID: s.clientID, At: s.now(), Data: ev}

	switch e := ev.(type) {
	case wire.DetectionFrame:
		if !s.images {
			e.ImageRef = ""
		}
		env.Data = e
	case wire.ConnectionLifecycle:
		env.ConnectionID = e.ConnectionID
		if !e.At.IsZero() {
			env.At = e.At
		}
		if e.Err != nil {
			env.Error = e.Err.Error()
		}
	}
	return s.publish("Handle", s.EventSubject(ev.Kind()), env)
}

// PublishFlagged publishes a newly flagged posture.
func (s *Sink) PublishFlagged(p aggregator.FlaggedPosture) error {
	if !s.images {
		p.ImageRef = ""
	}
	env := Envelope{Kind: "flagged_posture", ClientID: s.clientID, At: s.now(), Data: p}
	return s.publish("PublishFlagged", s.FlaggedSubject(), env)
}

func (s *Sink) publish(method, subject string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "eventsink", method, "marshal")
	}
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Debug("Publish failed", "subject", subject, "error", err)
		return errors.WrapTransient(err, "eventsink", method, "publish")
	}
	return nil
}
