// Package envelope defines the JSON wrapper producers and workers agree
// on for task payloads. DPQ itself treats payloads as opaque bytes;
// this package is the versioned envelope that routing and dispatch call
// for, kept separate from the queue engine itself.
package envelope

import (
	"encoding/json"
	"time"
)

// Version is the envelope format version that New stamps on every
// envelope. Unmarshal does not check it, and neither does cmd/worker.
const Version = 1

// Envelope wraps a task's payload with routing and observability fields
// that live alongside the opaque bytes DPQ dedupes on.
type Envelope struct {
	// Version is the envelope format version.
	Version int `json:"version"`

	// Type routes the task to a handler (e.g. "email", "image_resize").
	Type string `json:"type"`

	// Body holds the job-specific data as raw JSON; handlers unmarshal
	// it according to Type.
	Body json.RawMessage `json:"body"`

	// CreatedAt is used to compute queue latency at processing time.
	CreatedAt time.Time `json:"created_at"`
}

// New builds an Envelope around body, marshaling it to JSON.
func New(taskType string, body interface{}) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Version:   Version,
		Type:      taskType,
		Body:      raw,
		CreatedAt: time.Now(),
	}, nil
}

// Marshal encodes the envelope for use as a DPQ payload.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a DPQ payload back into an Envelope.
func Unmarshal(payload []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(payload, &e)
	return e, err
}
