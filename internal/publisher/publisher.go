// Package publisher defines the completion-event contract for pipeline
// runs. Consumers subscribe to learn when a table finishes a stage
// without polling the bucket or the dataset.
package publisher

import (
	"context"
	"time"
)

// Event statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Event describes the outcome of one task for one table in one run.
type Event struct {
	RunID     string    `json:"run_id"`
	Flavor    string    `json:"flavor"`
	Version   string    `json:"version"`
	Table     string    `json:"table,omitempty"`
	Task      string    `json:"task"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends completion events to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) (string, error)
}
