package do

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPError(t *testing.T) {
	c := HTTPError(404)
	assert.Equal(t, uint32(0x80190194), uint32(c))

	status, ok := c.HTTPStatus()
	assert.True(t, ok)
	assert.Equal(t, 404, status)

	_, ok = ErrInvalidArg.HTTPStatus()
	assert.False(t, ok)

	assert.Contains(t, c.Error(), "http status 404")
}

func TestErrc_Error(t *testing.T) {
	assert.Equal(t, "invalid argument (0x80070057)", ErrInvalidArg.Error())
	assert.Equal(t, "error 0x00000001", Errc(1).Error())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Errc
	}{
		{"nil", nil, OK},
		{"bare code", ErrNotFound, ErrNotFound},
		{"sdk error", NewError("start", ErrInvalidState, nil), ErrInvalidState},
		{"wrapped sdk error", fmt.Errorf("outer: %w", Errorf("start", ErrNoProgress, "stalled")), ErrNoProgress},
		{"wrapped code", fmt.Errorf("outer: %w", HTTPError(503)), HTTPError(503)},
		{"plain error", errors.New("boom"), ErrFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestError_Is(t *testing.T) {
	err := Errorf("set_property", ErrInvalidArg, "bad value")

	assert.ErrorIs(t, err, ErrInvalidArg)
	assert.ErrorIs(t, err, NewError("other", ErrInvalidArg, nil))
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "set_property: invalid argument (0x80070057): bad value", err.Error())
	assert.Equal(t, "start: aborted (0x80004004)", NewError("start", ErrAborted, nil).Error())
}

func TestWrap(t *testing.T) {
	assert.NoError(t, wrap("start", nil))

	inner := NewError("start", ErrInvalidState, nil)
	assert.Same(t, inner, wrap("start", inner))

	wrapped := wrap("resume", inner)

	var de *Error
	assert.True(t, errors.As(wrapped, &de))
	assert.Equal(t, "resume", de.Op)
	assert.Equal(t, ErrInvalidState, de.Code)

	assert.Equal(t, ErrFail, CodeOf(wrap("start", errors.New("boom"))))
}

func TestIsUnknownProperty(t *testing.T) {
	assert.True(t, IsUnknownProperty(Errorf("set_property", ErrUnknownPropertyID, "nope")))
	assert.False(t, IsUnknownProperty(ErrInvalidArg))
	assert.False(t, IsUnknownProperty(nil))
}
