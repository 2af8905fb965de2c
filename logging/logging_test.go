package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_JSON(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	require.NoError(t, Setup("warn", "json", &buf))

	log.Info().Msg("丢弃")
	log.Warn().Uint32("poll_id", 7).Msg("保留")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "保留", entry["message"])
	assert.Equal(t, float64(7), entry["poll_id"])
	assert.Equal(t, "polld", entry["service"])
}

func TestSetup_Console(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	require.NoError(t, Setup("", "console", &buf))
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestSetup_InvalidLevel(t *testing.T) {
	assert.Error(t, Setup("loud", "json", &bytes.Buffer{}))
}
