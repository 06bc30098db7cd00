package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	t.Run("matches outer code", func(t *testing.T) {
		err := New(CodeNotFound, "issue not found")
		assert.True(t, HasCode(err, CodeNotFound))
		assert.False(t, HasCode(err, CodeInternal))
	})

	t.Run("matches wrapped code through fmt wrapping", func(t *testing.T) {
		inner := New(CodeConstraintViolation, "duplicate title")
		outer := Wrap(fmt.Errorf("submit: %w", inner), CodeInternal, "flush failed")
		assert.True(t, HasCode(outer, CodeInternal))
		assert.True(t, HasCode(outer, CodeConstraintViolation))
	})

	t.Run("plain errors carry no code", func(t *testing.T) {
		assert.False(t, HasCode(errors.New("boom"), CodeInternal))
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	})
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, CodeUnavailable, "load issue")
	assert.Equal(t, "load issue: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeUnavailable, CodeOf(err))
}

func TestHasCodeJoined(t *testing.T) {
	err := errors.Join(
		New(CodeConstraintViolation, "issues/1 rejected"),
		fmt.Errorf("issues/2: %w", New(CodeNotFound, "reload failed")),
	)
	assert.True(t, HasCode(err, CodeConstraintViolation))
	assert.True(t, HasCode(err, CodeNotFound))
	assert.False(t, HasCode(err, CodeTimeout))
}
