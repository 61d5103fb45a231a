package job

import (
	"encoding/json"
	"time"
)

// Job is a parked pipeline message. Retrying republishes the payload to
// the topic it originally arrived on.
type Job struct {
	ID        string          `json:"id"`
	SourceID  string          `json:"source_id"`
	Handler   string          `json:"handler"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}
