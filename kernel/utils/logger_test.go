package utils

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WARN, level)
	assert.Equal(t, "WARN", level.String())

	_, err = ParseLogLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, "LEVEL(42)", LogLevel(42).String())
}

func TestLogger_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LoggerConfig{Level: DEBUG, Component: "device", Output: &buf})

	pool := l.Named("pool").With(Int("page", 3))
	pool.Info("mapped semaphore pool",
		Addr("rw_va", 0x100000),
		Err(errors.New("boom")),
	)
	require.NoError(t, l.Sync())

	out := buf.String()
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "device.pool")
	assert.Contains(t, out, "mapped semaphore pool")
	assert.Contains(t, out, `"page": 3`)
	assert.Contains(t, out, `"rw_va": "0x100000"`)
	assert.Contains(t, out, "boom")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LoggerConfig{Level: WARN, Output: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.True(t, l.Enabled(ERROR))
	assert.False(t, l.Enabled(INFO))
	assert.Equal(t, WARN, l.Level())
}

func TestNopLogger(t *testing.T) {
	l := NopLogger()
	assert.NotPanics(t, func() {
		l.Named("sea").With(String("k", "v")).Error("dropped", Uint32("x", 1))
	})
}

func TestShortID(t *testing.T) {
	id := GenerateID()
	assert.Len(t, id, 36)
	assert.Equal(t, id[:8], ShortID(id))
	assert.Equal(t, "abc", ShortID("abc"))
	assert.NotEqual(t, id, GenerateID())
}
