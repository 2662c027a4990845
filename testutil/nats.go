package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// MockPublisher is an in-memory stand-in for a NATS connection that records
// every published payload by subject. Safe for concurrent use.
type MockPublisher struct {
	mu       sync.RWMutex
	messages map[string][][]byte
	order    []string
	failWith error
	closed   bool
}

// NewMockPublisher creates an empty publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{messages: make(map[string][][]byte)}
}

// Publish records data under subject.
func (p *MockPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("publisher is closed")
	}
	if p.failWith != nil {
		return p.failWith
	}

	msg := make([]byte, len(data))
	copy(msg, data)
	p.messages[subject] = append(p.messages[subject], msg)
	p.order = append(p.order, subject)
	return nil
}

// FailWith makes every following Publish return err. Pass nil to recover.
func (p *MockPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Messages returns a copy of the payloads published on subject.
func (p *MockPublisher) Messages(subject string) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	msgs := p.messages[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// Subjects returns the subjects in publish order, one entry per message.
func (p *MockPublisher) Subjects() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// Count returns the number of messages on subject.
func (p *MockPublisher) Count(subject string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.messages[subject])
}

// Close makes further publishes fail.
func (p *MockPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// WaitForMessageCount waits until subject has at least count messages.
func WaitForMessageCount(t testing.TB, p *MockPublisher, subject string, count int, timeout time.Duration) [][]byte {
	t.Helper()

	if !Eventually(timeout, func() bool { return p.Count(subject) >= count }) {
		t.Fatalf("timeout waiting for %d messages on %s (got %d)", count, subject, p.Count(subject))
	}
	return p.Messages(subject)
}

// Eventually polls cond every 5ms until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}
