package saver

import (
	"errors"
	"fmt"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
)

func TestIsBusiness(t *testing.T) {
	assert := assert_.New(t)
	for _, err := range businessErrors {
		assert.True(IsBusiness(err))
		assert.True(IsBusiness(fmt.Errorf("wrapped: %w", err)))
	}
	assert.False(IsBusiness(nil))
	assert.False(IsBusiness(errors.New("connection refused")))
	assert.False(IsBusiness(&FaultError{Err: errors.New("timeout")}))
}

func TestFaultError(t *testing.T) {
	assert := assert_.New(t)
	inner := errors.New("connection reset")
	err := error(&FaultError{Link: "https://youtu.be/x", Backend: "youtube", Attempts: 2, Err: inner})

	assert.ErrorIs(err, ErrFault)
	assert.ErrorIs(err, inner)
	assert.Contains(err.Error(), "youtube")
	assert.Contains(err.Error(), "2 attempt(s)")
	var fault *FaultError
	assert.ErrorAs(fmt.Errorf("acquire: %w", err), &fault)
	assert.Equal(2, fault.Attempts)
}

func TestUserMessage(t *testing.T) {
	assert := assert_.New(t)
	assert.Equal("", UserMessage(nil))
	assert.Equal("Wrong link format", UserMessage(fmt.Errorf("%w: empty", ErrInvalidLink)))
	assert.Equal("Unsupported link origin", UserMessage(ErrUnsupportedOrigin))
	assert.Equal("File not found", UserMessage(ErrObjectNotFound))
	assert.Equal("Unsupported media type", UserMessage(ErrUnsupportedMediaType))
	assert.Equal("Entity too large", UserMessage(ErrEntityTooLarge))

	fault := &FaultError{Backend: "instagram", Err: errors.New("dial tcp 10.0.0.1:9050: secret detail")}
	assert.NotContains(UserMessage(fault), "secret detail")
	assert.NotEmpty(UserMessage(fault))
}
