package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
	}
	for _, tt := range tests {
		t.Run("level="+tt.level, func(t *testing.T) {
			l := NewWithWriter(&bytes.Buffer{}, tt.level, "text")
			ctx := context.Background()
			assert.True(t, l.Enabled(ctx, tt.enabled))
			assert.False(t, l.Enabled(ctx, tt.muted))
		})
	}
}

func TestNewWithWriter_Formats(t *testing.T) {
	var js bytes.Buffer
	NewWithWriter(&js, "info", "json").Info("escrow created", "amount", 50)
	var line map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &line))
	assert.Equal(t, "escrow created", line["msg"])
	assert.EqualValues(t, 50, line["amount"])

	var txt bytes.Buffer
	NewWithWriter(&txt, "info", "text").Info("escrow created", "amount", 50)
	assert.True(t, strings.Contains(txt.String(), "amount=50"))
	assert.False(t, json.Valid(txt.Bytes()))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req_1")
	ctx = WithRequestID(ctx, "req_2")
	assert.Equal(t, "req_2", RequestID(ctx))
}

func TestFromContext_FallsBackToDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	custom := Discard()
	assert.Same(t, custom, FromContext(WithLogger(context.Background(), custom)))
}

func TestL_AnnotatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))

	L(ctx).Info("no id yet")
	L(WithRequestID(ctx, "req_abc")).Info("escrow released", "escrow_id", "esc_1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.NotContains(t, first, "request_id")
	assert.Equal(t, "req_abc", second["request_id"])
	assert.Equal(t, "esc_1", second["escrow_id"])
}
