package runstate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestOpen_CreatesParentDirectories(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state", "gocirrus-state.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.MarkCopied(ctx, "k1"))

	copied, err := s.IsCopied(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, copied)
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.MarkCopied(ctx, "a/1.txt", "a/2.txt"))
	require.NoError(t, s.MarkFailed(ctx, "a/3.txt", "connection reset", 4))
	require.NoError(t, s.Close())

	s2, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	n, err := s2.CopiedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	failed, err := s2.FailedKeys(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "a/3.txt", failed[0].Key)
	assert.Equal(t, "connection reset", failed[0].Error)
	assert.Equal(t, 4, failed[0].Attempts)
	assert.False(t, failed[0].FailedAt.IsZero())
}

func TestMarkCopied(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	t.Run("records keys", func(t *testing.T) {
		require.NoError(t, s.MarkCopied(ctx, "data/1.txt", "data/2.txt"))

		copied, err := s.IsCopied(ctx, "data/1.txt")
		require.NoError(t, err)
		assert.True(t, copied)

		copied, err = s.IsCopied(ctx, "data/9.txt")
		require.NoError(t, err)
		assert.False(t, copied)
	})

	t.Run("duplicate keys are ignored", func(t *testing.T) {
		require.NoError(t, s.MarkCopied(ctx, "data/1.txt"))
		require.NoError(t, s.MarkCopied(ctx, "data/1.txt"))

		n, err := s.CopiedCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		require.NoError(t, s.MarkCopied(ctx))
	})
}

func TestCopiedKeySet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.MarkCopied(ctx, "x/1", "x/2", "y/3"))

	set, err := s.CopiedKeySet(ctx)
	require.NoError(t, err)
	assert.Len(t, set, 3)
	assert.Contains(t, set, "x/1")
	assert.Contains(t, set, "y/3")
}

func TestFailedKeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	t.Run("upsert overwrites previous failure", func(t *testing.T) {
		require.NoError(t, s.MarkFailed(ctx, "k1", "timeout", 2))
		require.NoError(t, s.MarkFailed(ctx, "k1", "throttled", 4))

		failed, err := s.FailedKeys(ctx)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "throttled", failed[0].Error)
		assert.Equal(t, 4, failed[0].Attempts)
	})

	t.Run("ordered by key", func(t *testing.T) {
		require.NoError(t, s.MarkFailed(ctx, "b", "e1", 1))
		require.NoError(t, s.MarkFailed(ctx, "a", "e2", 1))

		failed, err := s.FailedKeys(ctx)
		require.NoError(t, err)
		require.Len(t, failed, 3)
		assert.Equal(t, "a", failed[0].Key)
		assert.Equal(t, "b", failed[1].Key)
		assert.Equal(t, "k1", failed[2].Key)
	})

	t.Run("resolve removes the key", func(t *testing.T) {
		removed, err := s.ResolveFailed(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.ResolveFailed(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, removed)

		n, err := s.FailedCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})
}

func TestFolderProgress(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	t.Run("records and lists folders", func(t *testing.T) {
		require.NoError(t, s.RecordFolder(ctx, FolderResult{Path: "b/", Copied: 10, Failed: 1, Total: 11}))
		require.NoError(t, s.RecordFolder(ctx, FolderResult{Path: "a/", Copied: 5, Failed: 0, Total: 5}))

		folders, err := s.Folders(ctx)
		require.NoError(t, err)
		require.Len(t, folders, 2)
		assert.Equal(t, "a/", folders[0].Path)
		assert.Equal(t, "b/", folders[1].Path)
		assert.Equal(t, int64(10), folders[1].Copied)
		assert.False(t, folders[0].CompletedAt.IsZero())
	})

	t.Run("upsert replaces counts", func(t *testing.T) {
		require.NoError(t, s.RecordFolder(ctx, FolderResult{Path: "a/", Copied: 6, Failed: 0, Total: 6}))

		folders, err := s.Folders(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(6), folders[0].Copied)
	})

	t.Run("done reporting", func(t *testing.T) {
		done, err := s.FolderDone(ctx, "a/")
		require.NoError(t, err)
		assert.True(t, done)

		done, err = s.FolderDone(ctx, "z/")
		require.NoError(t, err)
		assert.False(t, done)
	})
}

func TestContinuation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	t.Run("empty store has no continuation", func(t *testing.T) {
		c, err := s.Continuation(ctx)
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, s.SaveContinuation(ctx, "tok-abc", "data/"))

		c, err := s.Continuation(ctx)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "tok-abc", c.Token)
		assert.Equal(t, "data/", c.Prefix)
		assert.False(t, c.SavedAt.IsZero())
	})

	t.Run("save replaces previous token", func(t *testing.T) {
		require.NoError(t, s.SaveContinuation(ctx, "tok-def", ""))

		c, err := s.Continuation(ctx)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "tok-def", c.Token)
		assert.Empty(t, c.Prefix)
	})

	t.Run("empty token rejected", func(t *testing.T) {
		err := s.SaveContinuation(ctx, "", "")
		require.Error(t, err)
	})

	t.Run("clear removes it", func(t *testing.T) {
		require.NoError(t, s.ClearContinuation(ctx))

		c, err := s.Continuation(ctx)
		require.NoError(t, err)
		assert.Nil(t, c)

		// Clearing an empty store is fine
		require.NoError(t, s.ClearContinuation(ctx))
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	t.Run("empty store has no stats", func(t *testing.T) {
		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Nil(t, stats)
	})

	t.Run("deltas accumulate", func(t *testing.T) {
		require.NoError(t, s.AddStats(ctx, StatsDelta{ObjectsSeen: 100, Copied: 95, Failed: 2, Skipped: 3, Batches: 1}))
		require.NoError(t, s.AddStats(ctx, StatsDelta{ObjectsSeen: 50, Copied: 50, Batches: 1}))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		require.NotNil(t, stats)
		assert.Equal(t, int64(150), stats.ObjectsSeen)
		assert.Equal(t, int64(145), stats.Copied)
		assert.Equal(t, int64(2), stats.Failed)
		assert.Equal(t, int64(3), stats.Skipped)
		assert.Equal(t, int64(2), stats.Batches)
		assert.False(t, stats.StartedAt.IsZero())
		assert.False(t, stats.UpdatedAt.IsZero())
	})

	t.Run("started_at is preserved across deltas", func(t *testing.T) {
		before, err := s.Stats(ctx)
		require.NoError(t, err)

		require.NoError(t, s.AddStats(ctx, StatsDelta{Copied: 1}))

		after, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.StartedAt, after.StartedAt)
	})
}
