package transport

import (
	"context"
	"time"

	"github.com/c360/posturestream/errors"
	"github.com/c360/posturestream/identity"
	"github.com/c360/posturestream/pkg/retry"
)

// ConnectWithRetry calls Connect with the configured reconnect backoff until
// it succeeds, the attempts run out or ctx ends. Authentication failures,
// invalid input and Disconnect stop it immediately.
func (m *Manager) ConnectWithRetry(ctx context.Context, id identity.Identity) error {
	cfg := m.cfg.Reconnect.Backoff
	cfg.OnRetry = func(attempt int, err error) {
		m.mu.Lock()
		m.retries++
		m.mu.Unlock()
		m.metrics.RecordReconnect()
		m.logger.Info("Retrying connect", "attempt", attempt, "backoff", cfg.Delay(attempt), "error", err)
	}

	return retry.Do(ctx, cfg, func() error {
		err := m.Connect(ctx, id)
		if err == nil {
			return nil
		}
		if errors.Is(err, errors.ErrAuthExpired) ||
			errors.Is(err, errors.ErrConnectCancelled) ||
			errors.IsInvalid(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

// startReconnect replaces any running reconnect loop with a new one for id.
func (m *Manager) startReconnect(id identity.Identity) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.cancelReconnect != nil {
		m.cancelReconnect()
	}
	m.cancelReconnect = cancel
	m.retries = 0
	epoch := m.epoch
	m.mu.Unlock()

	delay := m.cfg.Reconnect.Backoff.Delay(1)
	m.logger.Info("Scheduling reconnect", "after", delay)

	go func() {
		defer cancel()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := m.ConnectWithRetry(ctx, id)

		m.mu.Lock()
		if m.epoch == epoch && ctx.Err() == nil {
			m.cancelReconnect = nil
		}
		retries := m.retries
		m.mu.Unlock()

		switch {
		case err == nil:
			m.logger.Info("Reconnected", "retries", retries)
		case ctx.Err() != nil:
			m.logger.Debug("Reconnect cancelled")
		default:
			m.logger.Error("Reconnect gave up", "retries", retries, "error", err)
		}
	}()
}
