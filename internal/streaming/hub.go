package streaming

import (
	"context"
	"time"
)

// Event is a live execution or step transition, mirrored from the log record
// the engine persists for it.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	StepKey     string         `json:"step_key,omitempty"`
	Type        string         `json:"type"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Sequence    int64          `json:"sequence"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Time        time.Time      `json:"time"`
}

// EventFilter selects the events a subscriber receives. Zero values match all.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	StepKey     string   `json:"step_key,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Hub provides pub/sub for live execution events.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
}
