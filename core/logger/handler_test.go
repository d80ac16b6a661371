package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(buf *bytes.Buffer, format logFormat) (*structuredHandler, *asyncWriter) {
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	return newStructuredHandler(handlerConfig{
		level:    slog.LevelInfo,
		writer:   aw,
		format:   format,
		keyOrder: append([]string(nil), defaultKeyOrder...),
	}), aw
}

func TestStructuredHandlerKVOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)

	ctx := WithRID(Background(), "rid-123")
	ctx = WithStore(ctx, "store-1")
	ctx = WithUpdateMeta(ctx, 42, 7, 9)

	log := slog.New(handler).With("component", CompOrder)
	LogEvent(ctx, log, slog.LevelInfo, "order.approve",
		slog.String("status", "ok"),
		slog.String("order_id", "01HX"),
	)
	require.NoError(t, aw.Close())

	tokens := strings.Split(strings.TrimSpace(buf.String()), " ")
	expected := []string{"ts=", "level=INFO", "component=order", "event=order.approve", "status=ok", "rid=rid-123", "store_id=store-1"}
	require.GreaterOrEqual(t, len(tokens), len(expected))
	for i, prefix := range expected {
		assert.True(t, strings.HasPrefix(tokens[i], prefix), "token %d = %s, expected prefix %s", i, tokens[i], prefix)
	}
}

func TestStructuredHandlerJSONCompactsRID(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatJSON)

	ctx := WithRID(Background(), BuildRID(11, 22, 33))
	log := slog.New(handler).With("component", CompSession)
	LogEvent(ctx, log, slog.LevelError, "remote.save",
		slog.String("status", "fail"),
		slog.Duration("took", 1500*time.Microsecond),
		slog.String("err", "boom"),
	)
	require.NoError(t, aw.Close())

	var out map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out))
	assert.Equal(t, "ERROR", out["level"])
	assert.Equal(t, "b.m.x", out["rid"])
	assert.Equal(t, "11:22:33", out["rid_full"])
	assert.Equal(t, float64(2), out["took_ms"])
	assert.True(t, strings.HasPrefix(buf.String(), `{"ts":`))
}

func TestStructuredHandlerDropsBelowLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	slog.New(handler).Debug("noise")
	require.NoError(t, aw.Close())
	assert.Empty(t, buf.String())
}

func TestStructuredHandlerUnknownOutcomeDropped(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	LogEvent(context.Background(), slog.New(handler), slog.LevelInfo, "x",
		slog.String("outcome", "maybe"),
		slog.String("status", "DEGRADED"),
	)
	require.NoError(t, aw.Close())
	line := buf.String()
	assert.NotContains(t, line, "outcome=")
	assert.Contains(t, line, "status=degraded")
	assert.Contains(t, line, "component=app")
}

func TestCompactRID(t *testing.T) {
	assert.Equal(t, "z.10.a", CompactRID("35:36:10"))
	assert.Equal(t, "not-a-rid", CompactRID("not-a-rid"))
	assert.Equal(t, "1:x:2", CompactRID("1:x:2"))
}

func TestSanitizeLimit(t *testing.T) {
	assert.Equal(t, "ab\tc", Sanitize("a\x00b\tc\u200b"))
	assert.Equal(t, "hé", SanitizeLimit("héllo", 2))
	assert.Equal(t, "", SanitizeLimit("x", 0))
}
