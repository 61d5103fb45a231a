package worker

import (
	"context"
	"errors"

	"clinrag/backend/features/job"
)

type mockVectorStore struct {
	upserted      [][]IndexedChunk
	deletedBefore []int
	deletedChunks [][]string
	upsertErr     error
	deleteErr     error
}

func (m *mockVectorStore) UpsertChunks(ctx context.Context, chunks []IndexedChunk) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserted = append(m.upserted, chunks)
	return nil
}

func (m *mockVectorStore) DeleteBySource(ctx context.Context, sourceID string, beforeVersion int) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletedBefore = append(m.deletedBefore, beforeVersion)
	return nil
}

func (m *mockVectorStore) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	m.deletedChunks = append(m.deletedChunks, chunkIDs)
	return nil
}

type mockAudit struct {
	stored    []ChunkRecord
	saved     [][]ChunkRecord
	deleted   [][]string
	listErr   error
	upsertErr error
}

func (m *mockAudit) ListChunks(ctx context.Context, sourceID string, version int) ([]ChunkRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []ChunkRecord
	for _, rec := range m.stored {
		if rec.SourceID == sourceID && rec.Version == version {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockAudit) UpsertChunkRecords(ctx context.Context, records []ChunkRecord) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.saved = append(m.saved, records)
	return nil
}

func (m *mockAudit) DeleteChunkRecords(ctx context.Context, sourceID string, chunkIDs []string) error {
	m.deleted = append(m.deleted, chunkIDs)
	return nil
}

func (m *mockAudit) DeleteRecordsBefore(ctx context.Context, sourceID string, beforeVersion int) error {
	return nil
}

type mockTombstones struct {
	existing map[string]bool
	saved    []Tombstone
}

func (m *mockTombstones) SaveTombstones(ctx context.Context, sourceID string, entries []Tombstone) error {
	m.saved = append(m.saved, entries...)
	return nil
}

func (m *mockTombstones) ListTombstoned(ctx context.Context, sourceID string) (map[string]bool, error) {
	if m.existing == nil {
		return map[string]bool{}, nil
	}
	return m.existing, nil
}

type mockStatus struct {
	statuses []string
	version  int
	pass     string
}

func (m *mockStatus) UpdateStatus(ctx context.Context, id, status string) error {
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockStatus) MarkIngested(ctx context.Context, id string, version int, pass string) error {
	m.version = version
	m.pass = pass
	return nil
}

type mockEmbedder struct {
	dim      int
	failText string
	calls    int
}

func (m *mockEmbedder) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	m.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if m.failText != "" && t == m.failText {
			continue
		}
		out[i] = make([]float32, m.dim)
	}
	return out, nil
}

type mockJobRepo struct {
	saved  []*job.Job
	getErr error
}

func (m *mockJobRepo) Save(ctx context.Context, j *job.Job) error {
	j.ID = "job-1"
	m.saved = append(m.saved, j)
	return nil
}

func (m *mockJobRepo) List(ctx context.Context) ([]job.Job, error) { return nil, nil }

func (m *mockJobRepo) Get(ctx context.Context, id string) (*job.Job, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return nil, errors.New("not implemented")
}

func (m *mockJobRepo) Delete(ctx context.Context, id string) error { return nil }

func (m *mockJobRepo) Count(ctx context.Context) (int, error) { return len(m.saved), nil }
