package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	logger := Component("cache")
	logger.Debug().Str("key", "user:1:user_stats").Msg("hit")

	out := buf.String()
	assert.Contains(t, out, `"component":"cache"`)
	assert.Contains(t, out, `"key":"user:1:user_stats"`)
	assert.Contains(t, out, `"message":"hit"`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })

	Info().Msg("hidden")
	Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestCtxCarriesIDs(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))
	t.Cleanup(func() { Init(Config{}) })

	ctx := WithUserID(WithCorrelationID(context.Background(), "abc12345"), "u-1")
	Ctx(ctx).Info().Msg("fold")

	require.NotEmpty(t, buf.String())
	assert.Contains(t, buf.String(), `"correlation_id":"abc12345"`)
	assert.Contains(t, buf.String(), `"user_id":"u-1"`)
}

func TestNewCorrelationIDLength(t *testing.T) {
	assert.Len(t, NewCorrelationID(), 8)
	assert.Empty(t, CorrelationID(context.Background()))
}
