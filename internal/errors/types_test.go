package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorFormatting(t *testing.T) {
	plain := New(ErrCodeCallBusy, "a call is already in progress")
	assert.Equal(t, "CALL_BUSY: a call is already in progress", plain.Error())

	wrapped := Wrap(errors.New("connection refused"), ErrCodeAPIRequest, "failed to fetch offline messages")
	assert.Equal(t, "API_REQUEST: failed to fetch offline messages: connection refused", wrapped.Error())
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	wrapped := Wrap(cause, ErrCodeTransportDial, "failed to connect")

	assert.ErrorIs(t, wrapped, cause)

	// Wrapping again with %w keeps the chain intact.
	outer := fmt.Errorf("startup aborted: %w", wrapped)
	assert.ErrorIs(t, outer, cause)
	assert.Equal(t, ErrCodeTransportDial, GetCode(outer))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(WrapRetryable(errors.New("eof"), ErrCodeAPIRequest, "request failed")))
	assert.False(t, IsRetryable(Wrap(errors.New("eof"), ErrCodeAPIRequest, "request failed")))
	assert.False(t, IsRetryable(errors.New("not an app error")))
	assert.False(t, IsRetryable(nil))
}

func TestGetCodeDefaultsToInternal(t *testing.T) {
	assert.Equal(t, ErrCodeNotFound, GetCode(New(ErrCodeNotFound, "no such conversation")))
	assert.Equal(t, ErrCodeInternalError, GetCode(errors.New("plain")))
}

func TestHasCode(t *testing.T) {
	err := New(ErrCodeAckTimeout, "message delivery timed out")
	assert.True(t, HasCode(err, ErrCodeAckTimeout))
	assert.False(t, HasCode(err, ErrCodeCallBusy))
}
