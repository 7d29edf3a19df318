package logger

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

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		records = append(records, rec)
	}
	return records
}

func TestLoggerContext_AccumulatesAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lc := NewLoggerContext(NewWithHandler(slog.NewJSONHandler(&buf, nil)).With("hostname", "WS-0001"))

	ctx := context.Background()
	lc.Info(ctx, "session opening")
	lc.Add("session_id", "101:7")
	lc.Info(ctx, "command dispatched")

	records := decodeLines(t, &buf)
	require.Len(t, records, 2)

	assert.Equal(t, "WS-0001", records[0]["hostname"])
	_, present := records[0]["session_id"]
	assert.False(t, present, "attribute should not appear before Add")

	assert.Equal(t, "WS-0001", records[1]["hostname"])
	assert.Equal(t, "101:7", records[1]["session_id"])
}

func TestLoggerContext_AddIsCumulative(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lc := NewLoggerContext(NewWithHandler(slog.NewJSONHandler(&buf, nil)))

	lc.Add("task_id", 42)
	lc.Add("device_id", 101)
	lc.Warn(context.Background(), "host deferred")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	assert.EqualValues(t, 42, records[0]["task_id"])
	assert.EqualValues(t, 101, records[0]["device_id"])
	assert.Equal(t, "host deferred", records[0][slog.MessageKey])
}
