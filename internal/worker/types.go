package worker

import (
	"context"
	"time"

	"clinrag/backend/internal/text"
)

// IndexedChunk pairs a chunk with its embedding for the index write path.
// The pipeline holds no copy of the vector once the store owns it.
type IndexedChunk struct {
	Chunk  text.Chunk
	Vector []float32
}

type VectorStore interface {
	UpsertChunks(ctx context.Context, chunks []IndexedChunk) error
	// DeleteBySource removes chunks of source versions older than
	// beforeVersion. It must complete (or be parked for retry) before new
	// version chunks become visible to search.
	DeleteBySource(ctx context.Context, sourceID string, beforeVersion int) error
	// DeleteChunks removes individual chunks superseded within a version.
	DeleteChunks(ctx context.Context, chunkIDs []string) error
}

// Embedder is the batched embedding gateway contract. Vectors align to the
// input; a nil vector means its batch failed after retries and the chunk
// must stay out of the index. The error return is reserved for
// cancellation.
type Embedder interface {
	EmbedAll(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkRecord is the relational audit row mirroring an indexed chunk. The
// pipeline dedups new batches against these records, and source detail
// reads them for citations.
type ChunkRecord struct {
	ChunkID     string    `json:"chunk_id"`
	SourceID    string    `json:"source_id"`
	Version     int       `json:"version"`
	Pass        string    `json:"pass"`
	Index       int       `json:"chunk_index"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	SectionPath string    `json:"section_path,omitempty"`
	Kind        string    `json:"kind"`
	PageFirst   int       `json:"page_first,omitempty"`
	PageLast    int       `json:"page_last,omitempty"`
	Locator     string    `json:"locator,omitempty"`
	Length      int       `json:"length"`
	CreatedAt   time.Time `json:"created_at"`
}

type ChunkAuditStore interface {
	ListChunks(ctx context.Context, sourceID string, version int) ([]ChunkRecord, error)
	UpsertChunkRecords(ctx context.Context, records []ChunkRecord) error
	DeleteChunkRecords(ctx context.Context, sourceID string, chunkIDs []string) error
	DeleteRecordsBefore(ctx context.Context, sourceID string, beforeVersion int) error
}

// Tombstone records a near-duplicate discard so the chunk is never
// re-embedded on later ingestion runs.
type Tombstone struct {
	ChunkID     string  `json:"chunk_id"`
	KeptChunkID string  `json:"kept_chunk_id"`
	Similarity  float64 `json:"similarity"`
}

type TombstoneStore interface {
	SaveTombstones(ctx context.Context, sourceID string, entries []Tombstone) error
	ListTombstoned(ctx context.Context, sourceID string) (map[string]bool, error)
}

type SourceStatusUpdater interface {
	UpdateStatus(ctx context.Context, id, status string) error
	// MarkIngested records the version and pass that produced the live
	// index state for the source.
	MarkIngested(ctx context.Context, id string, version int, pass string) error
}
