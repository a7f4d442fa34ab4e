package llm

import (
	"context"

	"github.com/voxline/voxline/pkg/conversation"
)

// Completion carries the final assistant text and provider metadata.
type Completion struct {
	Text     string
	Metadata map[string]any
}

// Event is one element of a generation stream: a text delta, or exactly
// one terminal event with Completion or Err set, after which the channel
// closes.
type Event struct {
	Delta      string
	Completion *Completion
	Err        error
}

// StreamingGenerator defines the contract for a streaming language-model
// vendor implementation.
type StreamingGenerator interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// StreamChat streams assistant deltas for the given history.
	StreamChat(ctx context.Context, history []conversation.Message) (<-chan Event, error)
}
