package stt

import (
	"context"

	"github.com/voxline/voxline/pkg/audio"
)

// Result is one recognition update. Interim results replace the current
// utterance text; a final result replaces it and terminates the utterance.
// A non-nil Err is terminal: the recognizer failed and no further results
// follow.
type Result struct {
	Text    string
	Final   bool
	Segment int
	Err     error
}

// StreamingRecognizer defines the contract for any speech-to-text vendor
// implementation.
type StreamingRecognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Recognize consumes PCM frames from the given channel until it is
	// closed (end of input) or ctx is canceled. Results are delivered on
	// the returned channel, which closes after the final result or a
	// terminal error.
	Recognize(ctx context.Context, format audio.Format, frames <-chan []byte) (<-chan Result, error)
}
