package streaming

import (
	"context"

	"github.com/vantle/stepflow/pkg/schema"
)

// EventFilter specifies which run events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides in-process pub/sub for run events. The engine publishes
// every run and step transition; the journal writer and CLI progress output
// subscribe.
type EventHub interface {
	Publish(ctx context.Context, event schema.RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.RunEvent, func(), error)
}
