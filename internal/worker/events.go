package worker

import "clinrag/backend/internal/extract"

// IngestTaskPayload is published to ingest.task for the extraction
// backend. The backend replies on extract.result when the document has
// been processed.
type IngestTaskPayload struct {
	SourceID      string `json:"source_id"`
	SourceName    string `json:"source_name"`
	Pass          string `json:"pass"`
	Version       int    `json:"version"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ExtractResultPayload arrives on extract.result. Status is "success" or
// "failed"; on success Blocks carries the raw extraction output for one
// whole document. Interactive extraction sessions may deliver a
// page-framed Transcript instead of structured blocks.
type ExtractResultPayload struct {
	SourceID      string             `json:"source_id"`
	SourceName    string             `json:"source_name,omitempty"`
	Version       int                `json:"version"`
	Pass          extract.Pass       `json:"pass"`
	Status        string             `json:"status,omitempty"`
	Error         string             `json:"error,omitempty"`
	Blocks        []extract.RawBlock `json:"blocks,omitempty"`
	Transcript    string             `json:"transcript,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}
