package source

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clinrag/backend/internal/config"
	"clinrag/backend/internal/extract"
	"clinrag/backend/internal/middleware"
	"clinrag/backend/internal/worker"
)

var ErrDuplicate = errors.New("duplicate source content")

// Source is one registered guideline document. Version counts ingestion
// rounds; Pass records which extraction pass produced the live index
// state.
type Source struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Pass        string     `json:"pass"`
	Version     int        `json:"version"`
	Status      string     `json:"status"`
	ContentHash string     `json:"-"`
	IngestedAt  *time.Time `json:"ingested_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Repository interface {
	Save(ctx context.Context, src *Source) error
	ExistsByHash(ctx context.Context, hash string) (bool, error)
	Get(ctx context.Context, id string) (*Source, error)
	List(ctx context.Context) ([]Source, error)
	UpdateStatus(ctx context.Context, id, status string) error
	MarkIngested(ctx context.Context, id string, version int, pass string) error
	BumpVersion(ctx context.Context, id string) (int, error)
	SoftDelete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// ChunkReader serves the audit rows for source detail.
type ChunkReader interface {
	ListChunks(ctx context.Context, sourceID string, version int) ([]worker.ChunkRecord, error)
}

// IndexPurger removes a deleted source from the vector store.
type IndexPurger interface {
	DeleteBySource(ctx context.Context, sourceID string, beforeVersion int) error
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo   Repository
	chunks ChunkReader
	index  IndexPurger
	pub    EventPublisher
}

func NewService(repo Repository, chunks ChunkReader, index IndexPurger, pub EventPublisher) *Service {
	return &Service{repo: repo, chunks: chunks, index: index, pub: pub}
}

// Register creates the source and asks the extraction backend to process
// it. The id is stable across re-registration of the same document.
func (s *Service) Register(ctx context.Context, src *Source) error {
	if src.ContentHash == "" {
		hash := sha256.Sum256([]byte(src.Name))
		src.ContentHash = fmt.Sprintf("%x", hash)
	}
	if src.ID == "" {
		src.ID = src.ContentHash[:16]
	}
	if src.Pass == "" {
		src.Pass = string(extract.PassInteractive)
	}

	exists, err := s.repo.ExistsByHash(ctx, src.ContentHash)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicate
	}

	src.Status = "in_progress"
	src.Version = 1
	if err := s.repo.Save(ctx, src); err != nil {
		return err
	}

	return s.publishTask(ctx, src, src.Version)
}

// Reingest bumps the version and republishes the ingest task. Old chunks
// stay searchable until the pipeline swaps in the new version.
func (s *Service) Reingest(ctx context.Context, id, pass string) (*Source, error) {
	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	version, err := s.repo.BumpVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	src.Version = version
	if pass != "" {
		src.Pass = pass
	}

	if err := s.repo.UpdateStatus(ctx, id, "in_progress"); err != nil {
		return nil, err
	}
	src.Status = "in_progress"

	if err := s.publishTask(ctx, src, version); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Service) publishTask(ctx context.Context, src *Source, version int) error {
	payload, _ := json.Marshal(worker.IngestTaskPayload{
		SourceID:      src.ID,
		SourceName:    src.Name,
		Pass:          src.Pass,
		Version:       version,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err := s.pub.Publish(config.TopicIngestTask, payload); err != nil {
		return fmt.Errorf("publish ingest task: %w", err)
	}
	slog.InfoContext(ctx, "published ingest task", "source_id", src.ID, "version", version, "pass", src.Pass)
	return nil
}

type SourceDetail struct {
	Source
	Chunks      []worker.ChunkRecord `json:"chunks"`
	TotalChunks int                  `json:"total_chunks"`
}

func (s *Service) Get(ctx context.Context, id string) (*SourceDetail, error) {
	src, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	chunks, err := s.chunks.ListChunks(ctx, id, src.Version)
	if err != nil {
		slog.WarnContext(ctx, "failed to fetch chunk records", "error", err, "source_id", id)
		chunks = []worker.ChunkRecord{}
	}

	return &SourceDetail{
		Source:      *src,
		Chunks:      chunks,
		TotalChunks: len(chunks),
	}, nil
}

func (s *Service) List(ctx context.Context) ([]Source, error) {
	return s.repo.List(ctx)
}

// Delete purges the index first; a source row without index state is
// recoverable, orphaned vectors are not.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.index.DeleteBySource(ctx, id, 0); err != nil {
		return err
	}
	return s.repo.SoftDelete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
