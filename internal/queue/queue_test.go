package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func openTestQueue(t *testing.T, path string) *Queue {
	t.Helper()
	q, err := Open(path, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestAppendPeekPopFIFO(t *testing.T) {
	q := openTestQueue(t, filepath.Join(t.TempDir(), "queue.jsonl"))

	id1, err := q.Append("first", SourceConsole)
	require.NoError(t, err)
	id2, err := q.Append("second", SourceLocal)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, q.Size())

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, id1, head.ID)
	assert.Equal(t, 2, q.Size(), "peek must not remove")

	popped, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "first", popped.Text)

	popped, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "second", popped.Text)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestReloadPreservesItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q := openTestQueue(t, path)

	id, err := q.Append("survives restart", SourceConsole)
	require.NoError(t, err)
	original, ok := q.Peek()
	require.True(t, ok)
	require.NoError(t, q.Close())

	reloaded := openTestQueue(t, path)
	require.Equal(t, 1, reloaded.Size())
	item, ok := reloaded.Peek()
	require.True(t, ok)
	assert.Equal(t, id, item.ID)
	assert.Equal(t, original.Text, item.Text)
	assert.Equal(t, original.Source, item.Source)
	assert.True(t, original.TS.Equal(item.TS))
}

func TestPopDoesNotReplayAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q := openTestQueue(t, path)

	_, err := q.Append("consumed", SourceConsole)
	require.NoError(t, err)
	_, err = q.Append("pending", SourceConsole)
	require.NoError(t, err)

	_, ok := q.Pop()
	require.True(t, ok)
	require.NoError(t, q.Close())

	reloaded := openTestQueue(t, path)
	require.Equal(t, 1, reloaded.Size())
	item, ok := reloaded.Peek()
	require.True(t, ok)
	assert.Equal(t, "pending", item.Text)
}

func TestMalformedLinesSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	content := `{"id":"1","text":"good","source":"console","ts":"2026-01-01T00:00:00Z"}
this is not json
{"id":"2","text":"also good","source":"local","ts":"2026-01-01T00:00:01Z"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	q := openTestQueue(t, path)
	assert.Equal(t, 2, q.Size())
	items := q.List()
	assert.Equal(t, "good", items[0].Text)
	assert.Equal(t, "also good", items[1].Text)
}

func TestClearEmptiesLogAndMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	q := openTestQueue(t, path)

	_, err := q.Append("gone", SourceConsole)
	require.NoError(t, err)
	require.NoError(t, q.Clear())
	assert.Equal(t, 0, q.Size())
	require.NoError(t, q.Close())

	reloaded := openTestQueue(t, path)
	assert.Equal(t, 0, reloaded.Size())
}
