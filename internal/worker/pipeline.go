package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clinrag/backend/internal/dedup"
	"clinrag/backend/internal/extract"
	"clinrag/backend/internal/text"
)

const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Report summarizes one ingestion run.
type Report struct {
	Units        int
	SkippedUnits int
	Chunks       int
	Duplicates   int
	Unchanged    int
	Indexed      int
	FailedEmbeds int
	Status       string
}

// Pipeline turns one extraction result into index state: normalize,
// chunk, dedup against the stored corpus, embed, swap into the vector
// store. Runs for the same source are serialized so concurrent passes
// cannot interleave their delete and upsert steps.
type Pipeline struct {
	normalizer *extract.Normalizer
	chunker    *text.Chunker
	deduper    *dedup.Deduper
	embedder   Embedder
	store      VectorStore
	audit      ChunkAuditStore
	tombstones TombstoneStore
	sources    SourceStatusUpdater

	locks sync.Map
}

func NewPipeline(
	normalizer *extract.Normalizer,
	chunker *text.Chunker,
	deduper *dedup.Deduper,
	embedder Embedder,
	store VectorStore,
	audit ChunkAuditStore,
	tombstones TombstoneStore,
	sources SourceStatusUpdater,
) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		chunker:    chunker,
		deduper:    deduper,
		embedder:   embedder,
		store:      store,
		audit:      audit,
		tombstones: tombstones,
		sources:    sources,
	}
}

func (p *Pipeline) lock(sourceID string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(sourceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Run processes one extraction result. It is idempotent: replaying the
// same payload converges on the same index state because chunk ids are
// content-addressed and upserts overwrite.
func (p *Pipeline) Run(ctx context.Context, payload ExtractResultPayload) (Report, error) {
	mu := p.lock(payload.SourceID)
	mu.Lock()
	defer mu.Unlock()

	var report Report

	units, skipped := p.normalizer.Normalize(payload.SourceID, payload.Blocks)
	report.Units = len(units)
	report.SkippedUnits = skipped

	chunks := p.chunker.Chunk(units)
	for i := range chunks {
		chunks[i].Version = payload.Version
		chunks[i].Pass = payload.Pass
	}
	report.Chunks = len(chunks)

	tombstoned, err := p.tombstones.ListTombstoned(ctx, payload.SourceID)
	if err != nil {
		return report, fmt.Errorf("load tombstones: %w", err)
	}

	// Incumbents are chunks already stored for this version. They exist
	// when a second pass arrives for the same document.
	stored, err := p.audit.ListChunks(ctx, payload.SourceID, payload.Version)
	if err != nil {
		return report, fmt.Errorf("load stored chunks: %w", err)
	}
	storedByID := make(map[string]ChunkRecord, len(stored))
	items := make([]dedup.Item, 0, len(stored)+len(chunks))
	for _, rec := range stored {
		storedByID[rec.ChunkID] = rec
		items = append(items, dedup.Item{
			ID:          rec.ChunkID,
			Text:        rec.Content,
			SectionPath: rec.SectionPath,
			PageFirst:   rec.PageFirst,
			PageLast:    rec.PageLast,
			PassRank:    extract.Pass(rec.Pass).Rank(),
			Incumbent:   true,
		})
	}
	chunkByID := make(map[string]text.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
		pageFirst, pageLast, _ := c.Span()
		items = append(items, dedup.Item{
			ID:          c.ID,
			Text:        c.Text,
			SectionPath: c.SectionPath,
			PageFirst:   pageFirst,
			PageLast:    pageLast,
			PassRank:    payload.Pass.Rank(),
		})
	}

	outcome := p.deduper.Run(items, tombstoned)

	var (
		toEmbed     []text.Chunk
		superseded  []string
		discardTomb []Tombstone
	)
	unchanged := make(map[string]bool)
	for _, s := range outcome.Survivors {
		if s.Incumbent {
			continue
		}
		if _, ok := storedByID[s.ID]; ok {
			// Same content at the same position survived from a prior
			// run; nothing to re-embed.
			unchanged[s.ID] = true
			continue
		}
		toEmbed = append(toEmbed, chunkByID[s.ID])
	}
	for _, d := range outcome.Discarded {
		if d.ID == d.KeptID {
			// A replay produced a chunk already stored under the same id.
			// The incumbent stands as-is.
			unchanged[d.ID] = true
			continue
		}
		report.Duplicates++
		if _, ok := storedByID[d.ID]; ok {
			superseded = append(superseded, d.ID)
		}
		discardTomb = append(discardTomb, Tombstone{
			ChunkID:     d.ID,
			KeptChunkID: d.KeptID,
			Similarity:  d.Similarity,
		})
	}
	report.Unchanged = len(unchanged)

	texts := make([]string, len(toEmbed))
	for i, c := range toEmbed {
		texts[i] = c.Text
	}
	vectors, err := p.embedder.EmbedAll(ctx, texts)
	if err != nil {
		return report, fmt.Errorf("embed chunks: %w", err)
	}

	var indexed []IndexedChunk
	for i, c := range toEmbed {
		if vectors[i] == nil {
			report.FailedEmbeds++
			continue
		}
		indexed = append(indexed, IndexedChunk{Chunk: c, Vector: vectors[i]})
	}

	// Stale versions go first. If this fails nothing new becomes
	// visible; the caller parks the payload for replay.
	if err := p.store.DeleteBySource(ctx, payload.SourceID, payload.Version); err != nil {
		return report, fmt.Errorf("delete stale versions: %w", err)
	}
	if err := p.audit.DeleteRecordsBefore(ctx, payload.SourceID, payload.Version); err != nil {
		return report, fmt.Errorf("delete stale records: %w", err)
	}

	if len(superseded) > 0 {
		if err := p.store.DeleteChunks(ctx, superseded); err != nil {
			return report, fmt.Errorf("delete superseded chunks: %w", err)
		}
		if err := p.audit.DeleteChunkRecords(ctx, payload.SourceID, superseded); err != nil {
			return report, fmt.Errorf("delete superseded records: %w", err)
		}
	}

	if len(indexed) > 0 {
		if err := p.store.UpsertChunks(ctx, indexed); err != nil {
			return report, fmt.Errorf("upsert chunks: %w", err)
		}
		records := make([]ChunkRecord, len(indexed))
		now := time.Now().UTC()
		for i, ic := range indexed {
			c := ic.Chunk
			pageFirst, pageLast, locator := c.Span()
			records[i] = ChunkRecord{
				ChunkID:     c.ID,
				SourceID:    c.SourceID,
				Version:     c.Version,
				Pass:        string(c.Pass),
				Index:       c.Index,
				Content:     c.Text,
				ContentHash: c.ContentHash,
				SectionPath: c.SectionPath,
				Kind:        string(c.Kind),
				PageFirst:   pageFirst,
				PageLast:    pageLast,
				Locator:     locator,
				Length:      c.Length,
				CreatedAt:   now,
			}
		}
		if err := p.audit.UpsertChunkRecords(ctx, records); err != nil {
			return report, fmt.Errorf("save chunk records: %w", err)
		}
	}
	report.Indexed = len(indexed)

	if len(discardTomb) > 0 {
		if err := p.tombstones.SaveTombstones(ctx, payload.SourceID, discardTomb); err != nil {
			return report, fmt.Errorf("save tombstones: %w", err)
		}
	}

	if err := p.sources.MarkIngested(ctx, payload.SourceID, payload.Version, string(payload.Pass)); err != nil {
		slog.WarnContext(ctx, "failed to record ingest version", "source_id", payload.SourceID, "error", err)
	}

	report.Status = StatusCompleted
	if report.FailedEmbeds > 0 {
		report.Status = StatusPartial
	}
	if err := p.sources.UpdateStatus(ctx, payload.SourceID, report.Status); err != nil {
		slog.WarnContext(ctx, "failed to update source status", "source_id", payload.SourceID, "error", err)
	}

	slog.InfoContext(ctx, "ingestion run finished",
		"source_id", payload.SourceID,
		"version", payload.Version,
		"pass", payload.Pass,
		"units", report.Units,
		"skipped_units", report.SkippedUnits,
		"chunks", report.Chunks,
		"duplicates", report.Duplicates,
		"unchanged", report.Unchanged,
		"indexed", report.Indexed,
		"failed_embeds", report.FailedEmbeds,
		"status", report.Status,
	)
	return report, nil
}
