package results

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSuccess(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	loc, err := sink.WriteSuccess(context.Background(), Success{
		ExecutionID:     "run-1",
		CorrelationKey:  "JIRA-1",
		StartTime:       start,
		CompletedAt:     start.Add(time.Hour),
		CallbackMessage: "ok",
		Result:          json.RawMessage(`{"status":"success","message":"ok"}`),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc.Result, "outputs/run-1/result.json"))
	assert.True(t, strings.HasSuffix(loc.Log, "logs/run-1/execution.log"))

	body, err := sink.Read(ResultKey("run-1"))
	require.NoError(t, err)
	var doc map[string]string
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "success", doc["status"])

	logBody, err := sink.Read(LogKey("run-1"))
	require.NoError(t, err)
	assert.Contains(t, string(logBody), "Correlation Key: JIRA-1")
	assert.Contains(t, string(logBody), "Status: SUCCESS")
	assert.Contains(t, string(logBody), "Callback Message: ok")
}

func TestWriteOnce(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	rec := Success{ExecutionID: "run-2", Result: map[string]string{"a": "b"}}
	_, err = sink.WriteSuccess(ctx, rec)
	require.NoError(t, err)

	_, err = sink.WriteSuccess(ctx, rec)
	assert.True(t, errors.Is(err, ErrAlreadyWritten), "got %v", err)

	_, err = sink.WriteError(ctx, "run-2", map[string]string{"error": "x"})
	require.NoError(t, err)
	_, err = sink.WriteError(ctx, "run-2", map[string]string{"error": "y"})
	assert.True(t, errors.Is(err, ErrAlreadyWritten))

	body, err := sink.Read(ErrorKey("run-2"))
	require.NoError(t, err)
	assert.Contains(t, string(body), `"x"`)
}

func TestWriteErrorUnknownExecution(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	loc, err := sink.WriteError(context.Background(), "", map[string]string{"error": "boom"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc.Error, "logs/unknown/error.json"))
}

func TestRejectsPathTraversal(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	_, err = sink.WriteSuccess(context.Background(), Success{ExecutionID: "../escape", Result: 1})
	assert.Error(t, err)
	_, err = sink.WriteError(context.Background(), "a/b", 1)
	assert.Error(t, err)
}
