package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesComponentAndRespectsLevel(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	InitWithWriter(Config{Level: "warn", Component: "billingsyncd"}, &buf)

	log.Info().Msg("dropped")
	log.Warn().Str("account_id", "acct_1").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "billingsyncd", entry["component"])
	assert.Equal(t, "acct_1", entry["account_id"])
	assert.Equal(t, "kept", entry["message"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" debug "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("chatty"))
}

func TestWithRequestIDGeneratesWhenEmpty(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  ")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))

	_, fixed := WithRequestID(ctx, "req-42")
	assert.Equal(t, "req-42", fixed)
}
