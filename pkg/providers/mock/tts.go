package mock

import (
	"context"

	"github.com/voxline/voxline/pkg/adapters/tts"
	"github.com/voxline/voxline/pkg/audio"
)

type TTSConfig struct {
	SampleRate  int
	Channels    int
	ChunkBytes  int
	ChunkCount  int
	StreamEmpty bool
	FailWith    error
}

// TTS emits deterministic silent PCM for every sentence. StreamEmpty
// makes the streaming path close without chunks, which exercises the
// caller's blocking fallback.
type TTS struct {
	cfg TTSConfig
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.ChunkBytes == 0 {
		cfg.ChunkBytes = 320
	}
	if cfg.ChunkCount == 0 {
		cfg.ChunkCount = 2
	}
	return &TTS{cfg: cfg}
}

func (s *TTS) Name() string { return "mock_tts" }

func (s *TTS) OutputFormat() audio.Format {
	return audio.Format{SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels, BitDepth: 16}
}

func (s *TTS) StreamSynthesize(ctx context.Context, text, voice string) (<-chan []byte, error) {
	out := make(chan []byte, s.cfg.ChunkCount)
	if !s.cfg.StreamEmpty && s.cfg.FailWith == nil {
		for i := 0; i < s.cfg.ChunkCount; i++ {
			out <- make([]byte, s.cfg.ChunkBytes)
		}
	}
	close(out)
	return out, nil
}

func (s *TTS) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if s.cfg.FailWith != nil {
		return nil, s.cfg.FailWith
	}
	return make([]byte, s.cfg.ChunkBytes*s.cfg.ChunkCount), nil
}

var _ tts.StreamingSynthesizer = (*TTS)(nil)
var _ tts.Synthesizer = (*TTS)(nil)
