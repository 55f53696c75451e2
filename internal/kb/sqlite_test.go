package kb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/fault"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "kb.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIngestAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Ingest(ctx, "proj/a", "deploy notes", "run make deploy", []string{"ops", "deploy"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	item, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "proj/a", item.Scope)
	assert.Equal(t, "deploy notes", item.Title)
	assert.Equal(t, "run make deploy", item.Content)
	assert.Equal(t, []string{"ops", "deploy"}, item.Tags)
	assert.False(t, item.CreatedAt.IsZero())
}

func TestIngestRequiresScopeAndContent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Ingest(ctx, "", "t", "c", nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, CodeIngestFailed))

	_, err = s.Ingest(ctx, "proj/a", "t", "", nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, CodeIngestFailed))
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.True(t, fault.Is(err, CodeNotFound))
}

func TestItemsScopedToAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Ingest(ctx, "proj/a", "", "alpha", nil)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "proj/b", "", "beta", nil)
	require.NoError(t, err)

	items, err := s.Items(ctx, "proj/a", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "alpha", items[0].Content)
}

func TestSearchMatchesTitleContentAndTags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Ingest(ctx, "proj/a", "redis tuning", "set maxmemory", nil)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "proj/a", "", "enable redis persistence", nil)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "proj/a", "misc", "unrelated", []string{"redis"})
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "proj/b", "redis elsewhere", "other scope", nil)
	require.NoError(t, err)

	hits, err := s.Search(ctx, "proj/a", "redis", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 3, "title, content, and tag matches within the scope")
}

func TestSearchRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Ingest(ctx, "proj/a", "", "needle entry", nil)
		require.NoError(t, err)
	}

	hits, err := s.Search(ctx, "proj/a", "needle", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Ingest(ctx, "proj/a", "", "ephemeral", nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Get(ctx, id)
	assert.True(t, fault.Is(err, CodeNotFound))

	err = s.Delete(ctx, id)
	assert.True(t, fault.Is(err, CodeNotFound))
}

func TestCopyFrom(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	srcID, err := s.Ingest(ctx, "proj/src", "shared", "knowledge", []string{"tag"})
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "proj/src", "", "more knowledge", nil)
	require.NoError(t, err)

	n, err := s.CopyFrom(ctx, "proj/src", "proj/dst")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	copied, err := s.Items(ctx, "proj/dst", 0)
	require.NoError(t, err)
	require.Len(t, copied, 2)
	for _, item := range copied {
		assert.Equal(t, "proj/dst", item.Scope)
		assert.NotEqual(t, srcID, item.ID, "copies get fresh ids")
	}

	// Source untouched.
	src, err := s.Items(ctx, "proj/src", 0)
	require.NoError(t, err)
	assert.Len(t, src, 2)
}

func TestCopyFromSameScopeRejected(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CopyFrom(context.Background(), "proj/a", "proj/a")
	require.Error(t, err)
	assert.True(t, fault.Is(err, CodeCopyFailed))
}

func TestCopyFromEmptySource(t *testing.T) {
	s := openTestStore(t)

	n, err := s.CopyFrom(context.Background(), "proj/empty", "proj/dst")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kb.sqlite")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	id, err := s.Ingest(ctx, "proj/a", "durable", "survives reopen", nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()
	item, err := s2.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "survives reopen", item.Content)
}
