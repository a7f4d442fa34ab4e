package tts

import (
	"context"

	"github.com/voxline/voxline/pkg/audio"
)

// StreamingSynthesizer defines the contract for a streaming text-to-speech
// vendor implementation.
type StreamingSynthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// StreamSynthesize synthesizes one sentence, delivering raw audio
	// chunks on the returned channel. The channel is closed when the
	// backend finishes; a stream that closes without delivering any
	// chunk signals failure to the caller.
	StreamSynthesize(ctx context.Context, text, voice string) (<-chan []byte, error)
}

// Synthesizer is the blocking whole-utterance fallback.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
	// OutputFormat describes the PCM produced by Synthesize.
	OutputFormat() audio.Format
}
