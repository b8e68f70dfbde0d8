package logging

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"info":     zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		"warn":     zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"trace":    zerolog.TraceLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseLevel(input), "level %q", input)
	}
}

func TestInitSetsGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	Init(Config{Level: "warn", Format: "json", Component: "test"})
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.False(t, IsLevelEnabled(zerolog.DebugLevel))
	assert.True(t, IsLevelEnabled(zerolog.ErrorLevel))
}

func TestWithRequestIDGenerates(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))
}

func TestWithRequestIDPreservesExplicit(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", id)
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestRequestIDMissing(t *testing.T) {
	assert.Equal(t, "", RequestID(context.Background()))
	assert.Equal(t, "", RequestID(nil)) //nolint:staticcheck // exercises the nil guard
}
