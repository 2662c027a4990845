package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"deadline", context.DeadlineExceeded, true},
		{"transport error", &TransportError{Op: "dial", Err: fmt.Errorf("boom")}, true},
		{"transport auth", &TransportError{Op: "dial", Err: ErrAuthExpired}, false},
		{"refused in message", fmt.Errorf("dial tcp: connection refused"), true},
		{"not connected", ErrNotConnected, false},
		{"invalid data", ErrInvalidData, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"auth expired is fatal", ErrAuthExpired, ErrorFatal},
		{"invalid config", fmt.Errorf("load: %w", ErrInvalidConfig), ErrorFatal},
		{"decode error", &DecodeError{Shape: "envelope", Err: ErrParsingFailed}, ErrorInvalid},
		{"unsupported command", ErrUnsupportedCommand, ErrorInvalid},
		{"unknown defaults to transient", fmt.Errorf("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("socket closed")

	err := Wrap(base, "Manager", "Send", "write frame")
	require.Error(t, err)
	assert.Equal(t, "Manager.Send: write frame failed: socket closed", err.Error())
	assert.ErrorIs(t, err, base)

	assert.NoError(t, Wrap(nil, "Manager", "Send", "write frame"))
}

func TestWrapClassified(t *testing.T) {
	err := WrapInvalid(ErrUnsupportedCommand, "Emitter", "Send", "encode command")

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Emitter", ce.Component)
	assert.Equal(t, "Send", ce.Operation)
	assert.ErrorIs(t, err, ErrUnsupportedCommand)
	assert.True(t, IsInvalid(err))

	assert.True(t, IsTransient(WrapTransient(errors.New("x"), "a", "b", "c")))
	assert.True(t, IsFatal(WrapFatal(errors.New("x"), "a", "b", "c")))
	assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
}

func TestDecodeError_Message(t *testing.T) {
	err := &DecodeError{Shape: "envelope", Type: "posture_update", Size: 12, Err: ErrParsingFailed}
	assert.Contains(t, err.Error(), "posture_update")
	assert.Contains(t, err.Error(), "12 bytes")
	assert.ErrorIs(t, err, ErrParsingFailed)

	anon := &DecodeError{Shape: "json", Size: 3, Err: ErrInvalidData}
	assert.NotContains(t, anon.Error(), "  ")
}
