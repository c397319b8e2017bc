package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDriverError_IsMatchesCode(t *testing.T) {
	err := ErrSlotsExhausted(3, 256)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.NotErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, uint(3), err.Context["page"])

	wrapped := fmt.Errorf("open channel: %w", err)
	assert.ErrorIs(t, wrapped, ErrNoSpace)
	assert.True(t, IsCode(wrapped, ErrCodeNoSpace))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeNoSpace))
}

func TestDriverError_Unwrap(t *testing.T) {
	cause := errors.New("mmap failed")
	err := WrapDriverError(ErrCodeOutOfMemory, "sea backing", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, "[OUT_OF_MEMORY] sea backing: mmap failed", err.Error())
	assert.Equal(t, "[INVARIANT_VIOLATION] double prepare", ErrInvariant("double prepare").Error())
}

func TestWrapError(t *testing.T) {
	assert.EqualError(t, WrapError(nil, "ctx"), "ctx")
	err := WrapError(ErrNotMapped, "unmap pool")
	assert.ErrorIs(t, err, ErrNotMapped)
	assert.Contains(t, err.Error(), "unmap pool")
}
