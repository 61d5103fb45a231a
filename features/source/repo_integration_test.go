package source_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/backend/features/source"
	"clinrag/backend/internal/testutils"
	"clinrag/backend/internal/worker"
)

func TestSourceRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := testutils.NewIntegrationSuite(t)
	s.Setup()
	defer s.Teardown()

	repo := source.NewPostgresRepo(s.DB)
	ctx := context.Background()

	// Register and dedup check
	src := &source.Source{
		ID:          "abc123",
		Name:        "NCCN Breast Cancer v4.2025",
		Pass:        "interactive",
		Version:     1,
		Status:      "in_progress",
		ContentHash: "hash1",
	}
	err := repo.Save(ctx, src)
	require.NoError(t, err)
	assert.False(t, src.CreatedAt.IsZero())

	exists, err := repo.ExistsByHash(ctx, "hash1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Get and List
	retrieved, err := repo.Get(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, src.Name, retrieved.Name)
	assert.Nil(t, retrieved.IngestedAt)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Version bump and ingest bookkeeping
	version, err := repo.BumpVersion(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	err = repo.MarkIngested(ctx, src.ID, version, "automated")
	require.NoError(t, err)
	err = repo.UpdateStatus(ctx, src.ID, "completed")
	require.NoError(t, err)

	updated, err := repo.Get(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", updated.Status)
	assert.Equal(t, "automated", updated.Pass)
	assert.NotNil(t, updated.IngestedAt)

	// Chunk audit rows
	records := []worker.ChunkRecord{
		{ChunkID: "c1", SourceID: src.ID, Version: 2, Pass: "automated", Index: 0, Content: "first chunk", ContentHash: "h1", Kind: "paragraph", PageFirst: 1, PageLast: 1, Length: 11},
		{ChunkID: "c2", SourceID: src.ID, Version: 2, Pass: "automated", Index: 1, Content: "second chunk", ContentHash: "h2", Kind: "paragraph", PageFirst: 2, PageLast: 2, Length: 12},
	}
	require.NoError(t, repo.UpsertChunkRecords(ctx, records))

	// Upsert with the same ids must not duplicate rows.
	require.NoError(t, repo.UpsertChunkRecords(ctx, records))

	chunks, err := repo.ListChunks(ctx, src.ID, 2)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ChunkID)

	count, err := repo.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Tombstones
	require.NoError(t, repo.SaveTombstones(ctx, src.ID, []worker.Tombstone{
		{ChunkID: "c2", KeptChunkID: "c1", Similarity: 0.95},
	}))
	tombstoned, err := repo.ListTombstoned(ctx, src.ID)
	require.NoError(t, err)
	assert.True(t, tombstoned["c2"])

	require.NoError(t, repo.DeleteChunkRecords(ctx, src.ID, []string{"c2"}))
	chunks, err = repo.ListChunks(ctx, src.ID, 2)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	// Stale version cleanup
	require.NoError(t, repo.DeleteRecordsBefore(ctx, src.ID, 3))
	chunks, err = repo.ListChunks(ctx, src.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	// Soft delete hides the source
	require.NoError(t, repo.SoftDelete(ctx, src.ID))
	_, err = repo.Get(ctx, src.ID)
	assert.Error(t, err)

	listAfterDelete, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listAfterDelete, 0)
}
