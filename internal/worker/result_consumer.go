package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"clinrag/backend/features/job"
	"clinrag/backend/internal/config"
	"clinrag/backend/internal/extract"
	"clinrag/backend/internal/middleware"
)

// ResultConsumer handles extract.result messages. Malformed messages are
// dropped; pipeline failures park the payload in failed_jobs for manual
// replay rather than spinning in the NSQ requeue loop.
type ResultConsumer struct {
	pipeline *Pipeline
	sources  SourceStatusUpdater
	jobRepo  job.Repository
}

func NewResultConsumer(p *Pipeline, sources SourceStatusUpdater, jobRepo job.Repository) *ResultConsumer {
	return &ResultConsumer{pipeline: p, sources: sources, jobRepo: jobRepo}
}

func (h *ResultConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload ExtractResultPayload
	err := json.Unmarshal(m.Body, &payload)

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err != nil {
		slog.ErrorContext(ctx, "invalid message format", "error", err)
		return nil // Don't retry invalid messages
	}

	if payload.SourceID == "" {
		slog.ErrorContext(ctx, "missing source id, dropping", "pass", payload.Pass)
		return nil
	}
	if payload.Version <= 0 {
		payload.Version = 1
	}

	if payload.Status == "failed" {
		slog.ErrorContext(ctx, "extraction failed",
			"source_id", payload.SourceID, "pass", payload.Pass, "error", payload.Error)
		if err := h.sources.UpdateStatus(ctx, payload.SourceID, StatusFailed); err != nil {
			slog.WarnContext(ctx, "failed to update source status to failed", "error", err)
		}
		h.park(ctx, payload.SourceID, m.Body, payload.Error)
		return nil
	}

	if len(payload.Blocks) == 0 && payload.Transcript != "" {
		payload.Blocks = extract.ParseTranscript(payload.Transcript)
	}

	slog.InfoContext(ctx, "received extraction result",
		"source_id", payload.SourceID, "pass", payload.Pass,
		"version", payload.Version, "blocks", len(payload.Blocks))

	if _, err := h.pipeline.Run(ctx, payload); err != nil {
		slog.ErrorContext(ctx, "ingestion run failed",
			"source_id", payload.SourceID, "version", payload.Version, "error", err)
		if updErr := h.sources.UpdateStatus(ctx, payload.SourceID, StatusFailed); updErr != nil {
			slog.WarnContext(ctx, "failed to update source status to failed", "error", updErr)
		}
		h.park(ctx, payload.SourceID, m.Body, err.Error())
		return nil
	}

	return nil
}

func (h *ResultConsumer) park(ctx context.Context, sourceID string, body []byte, reason string) {
	failedJob := &job.Job{
		SourceID: sourceID,
		Handler:  "ingest-pipeline",
		Topic:    config.TopicExtractResult,
		Payload:  json.RawMessage(body),
		Error:    reason,
	}
	if err := h.jobRepo.Save(ctx, failedJob); err != nil {
		slog.ErrorContext(ctx, "failed to save failed job", "error", err)
		return
	}
	slog.InfoContext(ctx, "saved failed job for retry", "job_id", failedJob.ID)
}
