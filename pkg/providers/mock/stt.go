package mock

import (
	"context"

	"github.com/voxline/voxline/pkg/adapters/stt"
	"github.com/voxline/voxline/pkg/audio"
)

type STTConfig struct {
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	FailWith          error
}

// STT is a scripted recognizer: it drains the frame channel and, once
// the input closes, reports the configured transcript as final.
type STT struct {
	cfg STTConfig
}

func NewSTT(cfg STTConfig) *STT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &STT{cfg: cfg}
}

func (s *STT) Name() string { return "mock_stt" }

func (s *STT) Recognize(ctx context.Context, format audio.Format, frames <-chan []byte) (<-chan stt.Result, error) {
	out := make(chan stt.Result, 4)
	go func() {
		defer close(out)
		saw := 0
		for range frames {
			saw++
			if s.cfg.EmitInterim && saw == 1 {
				interim := s.cfg.InterimTranscript
				if interim == "" {
					interim = s.cfg.Transcript
				}
				out <- stt.Result{Text: interim, Final: false}
			}
		}
		if s.cfg.FailWith != nil {
			out <- stt.Result{Err: s.cfg.FailWith}
			return
		}
		if saw == 0 {
			return
		}
		out <- stt.Result{Text: s.cfg.Transcript, Final: true, Segment: 1}
	}()
	return out, nil
}

var _ stt.StreamingRecognizer = (*STT)(nil)
