package config

const (
	// TopicIngestTask is the NSQ topic consumed by the extraction backend.
	// Publishing here asks a pass (interactive or automated) to extract a
	// document and report back.
	TopicIngestTask = "ingest.task"

	// TopicExtractResult is the NSQ topic carrying extraction output
	// (raw blocks, or a failure report) into the ingestion pipeline.
	TopicExtractResult = "extract.result"
)
