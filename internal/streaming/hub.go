package streaming

import (
	"context"

	"github.com/rendis/flowscript/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
// Zero values match everything.
type EventFilter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// Hub fans executor events out to external observers.
type Hub interface {
	Publish(ctx context.Context, event schema.ProgressEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ProgressEvent, func(), error)
}
