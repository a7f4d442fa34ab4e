package mock

import (
	"context"

	"github.com/voxline/voxline/pkg/adapters/llm"
	"github.com/voxline/voxline/pkg/conversation"
)

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	FailWith     error
}

// LLM streams a scripted reply regardless of the history it is given.
type LLM struct {
	cfg LLMConfig
}

func NewLLM(cfg LLMConfig) *LLM {
	if cfg.ResponseText == "" && len(cfg.StreamChunks) == 0 {
		cfg.ResponseText = "mock response."
	}
	return &LLM{cfg: cfg}
}

func (a *LLM) Name() string { return "mock_llm" }

func (a *LLM) StreamChat(ctx context.Context, history []conversation.Message) (<-chan llm.Event, error) {
	chunks := a.cfg.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{a.cfg.ResponseText}
	}
	out := make(chan llm.Event, len(chunks)+1)
	go func() {
		defer close(out)
		if a.cfg.FailWith != nil {
			out <- llm.Event{Err: a.cfg.FailWith}
			return
		}
		full := ""
		for _, chunk := range chunks {
			select {
			case <-ctx.Done():
				out <- llm.Event{Err: ctx.Err()}
				return
			case out <- llm.Event{Delta: chunk}:
				full += chunk
			}
		}
		out <- llm.Event{Completion: &llm.Completion{Text: full}}
	}()
	return out, nil
}

var _ llm.StreamingGenerator = (*LLM)(nil)
