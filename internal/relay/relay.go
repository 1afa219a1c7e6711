// Package relay delivers batches of analytics events to the remote
// ingestion endpoint. One attempt per call; retry policy belongs to the
// flush pipeline, never here.
package relay

import (
	"context"
	"encoding/json"
)

// Event is a single analytics event as submitted by the host application.
// Properties are carried as-is; the relay never inspects them.
type Event struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Timestamp  string         `json:"timestamp,omitempty"`
}

// Outcome classifies one delivery attempt. Rejected and Unreachable are
// handled identically by callers; both mean "retry later".
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnreachable Outcome = "unreachable"
)

// Result carries the attempt outcome instead of signaling through errors,
// so callers handle every branch explicitly.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

type Deliverer interface {
	Deliver(ctx context.Context, events []Event, apiKey string) Result
}

// batchBody is the wire format posted to <host>/batch.
type batchBody struct {
	APIKey string  `json:"api_key"`
	Batch  []Event `json:"batch"`
}

func encodeBatch(events []Event, apiKey string) ([]byte, error) {
	return json.Marshal(batchBody{APIKey: apiKey, Batch: events})
}
