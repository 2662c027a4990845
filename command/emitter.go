// Package command serializes session commands and writes them to the open
// connection. Commands are never queued: if the connection is not open the
// caller gets errors.ErrNotConnected right away.
package command

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/metric"
	"github.com/c360/posturestream/wire"
)

// Sender writes one frame to the connection.
type Sender interface {
	Send(data []byte) error
	IsOpen() bool
}

// Observer is told about every command after it has been written.
type Observer func(cmd wire.Command)

// Config selects the wire dialect and the default camera.
type Config struct {
	Protocol  string `yaml:"protocol" env:"PROTOCOL"`
	Client    string `yaml:"client" env:"CLIENT"`
	CameraID  string `yaml:"camera_id" env:"CAMERA_ID"`
	CameraURL string `yaml:"camera_url" env:"CAMERA_URL"`
}

// DefaultConfig uses the canonical protocol and the backend's first local
// camera.
func DefaultConfig() Config {
	return Config{
		Protocol: string(wire.ProtocolV2),
		Client:   "mobile",
		CameraID: "0",
	}
}

// Validate checks the protocol version.
func (c Config) Validate() error {
	if _, err := wire.ParseProtocolVersion(c.Protocol); err != nil {
		return errors.WrapInvalid(err, "command", "Validate", "protocol check")
	}
	return nil
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics counts commands by action and result.
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// Emitter is safe for concurrent use.
type Emitter struct {
	sender  Sender
	encoder wire.Encoder
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu        sync.RWMutex
	observers []Observer
}

// New creates an emitter writing to sender.
func New(sender Sender, cfg Config, opts ...Option) (*Emitter, error) {
	version, err := wire.ParseProtocolVersion(cfg.Protocol)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Emitter", "New", "protocol check")
	}

	e := &Emitter{
		sender:  sender,
		encoder: wire.Encoder{Version: version, Client: cfg.Client},
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "command", "protocol", string(version))
	return e, nil
}

// Protocol returns the negotiated wire dialect.
func (e *Emitter) Protocol() wire.ProtocolVersion {
	return e.encoder.Version
}

// Observe registers o. Observers run synchronously on the sending goroutine
// before Send returns.
func (e *Emitter) Observe(o Observer) {
	if o == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Send encodes cmd and writes it. A nil error means the frame reached the
// socket; it says nothing about the backend acting on it.
func (e *Emitter) Send(ctx context.Context, cmd wire.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	action := "unknown"
	if cmd != nil {
		action = string(cmd.Action())
	}

	if !e.sender.IsOpen() {
		e.metrics.RecordCommand(action, "not_connected")
		return errors.ErrNotConnected
	}

	data, err := e.encoder.Encode(cmd)
	if err != nil {
		e.metrics.RecordCommand(action, "invalid")
		return errors.WrapInvalid(err, "Emitter", "Send", "encode "+action)
	}

	if err := e.sender.Send(data); err != nil {
		if errors.Is(err, errors.ErrNotConnected) {
			e.metrics.RecordCommand(action, "not_connected")
			return err
		}
		e.metrics.RecordCommand(action, "error")
		e.logger.Warn("Command write failed", "action", action, "error", err)
		return err
	}

	e.metrics.RecordCommand(action, "sent")
	e.logger.Debug("Command sent", "action", action, "bytes", len(data))
	e.notify(cmd)
	return nil
}

// Start begins detection on the configured camera.
func (e *Emitter) Start(ctx context.Context) error {
	return e.Send(ctx, wire.Start{CameraID: e.cfg.CameraID, CameraURL: e.cfg.CameraURL})
}

// Stop ends detection.
func (e *Emitter) Stop(ctx context.Context) error {
	return e.Send(ctx, wire.Stop{})
}

// ResetStats clears the backend's running statistics.
func (e *Emitter) ResetStats(ctx context.Context) error {
	return e.Send(ctx, wire.ResetStats{})
}

func (e *Emitter) notify(cmd wire.Command) {
	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Command observer panicked", "action", cmd.Action(), "panic", r)
				}
			}()
			o(cmd)
		}()
	}
}
