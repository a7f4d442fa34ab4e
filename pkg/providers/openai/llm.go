package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxline/voxline/pkg/adapters/llm"
	"github.com/voxline/voxline/pkg/conversation"
	"github.com/voxline/voxline/pkg/errorsx"
	"github.com/voxline/voxline/pkg/logging"
)

type Config struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:11434/v1/chat/completions"
	}
	if c.Model == "" {
		c.Model = "qwen2.5:7b"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.TopP == 0 {
		c.TopP = 0.9
	}
	return c
}

// LLM streams chat completions from any OpenAI-compatible endpoint
// (Ollama, vLLM, the hosted APIs). Deltas come off the SSE stream; the
// terminal event carries usage and finish metadata.
type LLM struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config) *LLM {
	return &LLM{
		cfg:    cfg.withDefaults(),
		http:   &http.Client{},
		logger: logging.NewComponentLogger(slog.Default(), "openai_llm"),
	}
}

func (a *LLM) Name() string { return a.cfg.Model }

func (a *LLM) StreamChat(ctx context.Context, history []conversation.Message) (<-chan llm.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"model":       a.cfg.Model,
		"temperature": a.cfg.Temperature,
		"top_p":       a.cfg.TopP,
		"stream":      true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
		"messages": history,
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMConnect)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMConnect)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMConnect)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errorsx.Wrap(fmt.Errorf("llm streaming failed with status %d", resp.StatusCode), errorsx.ReasonLLMConnect)
	}

	out := make(chan llm.Event, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var full strings.Builder
		metadata := map[string]any{}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				a.logger.Debug("llm_bad_chunk", "error", err)
				continue
			}
			chunk.mergeMetadata(metadata)
			if len(chunk.Choices) == 0 {
				continue
			}
			content := chunk.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			full.WriteString(content)
			select {
			case out <- llm.Event{Delta: content}:
			case <-ctx.Done():
				out <- llm.Event{Err: ctx.Err()}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				out <- llm.Event{Err: ctx.Err()}
				return
			}
			out <- llm.Event{Err: errorsx.Wrap(err, errorsx.ReasonLLMStream)}
			return
		}
		out <- llm.Event{Completion: &llm.Completion{Text: full.String(), Metadata: metadata}}
	}()
	return out, nil
}

type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage map[string]any `json:"usage"`
}

func (c streamChunk) mergeMetadata(metadata map[string]any) {
	if c.ID != "" {
		if _, ok := metadata["id"]; !ok {
			metadata["id"] = c.ID
		}
	}
	if c.Model != "" {
		if _, ok := metadata["model"]; !ok {
			metadata["model"] = c.Model
		}
	}
	if c.Created != 0 {
		metadata["created"] = c.Created
	}
	if len(c.Usage) > 0 {
		metadata["usage"] = c.Usage
	}
	if len(c.Choices) > 0 && c.Choices[0].FinishReason != "" {
		metadata["finish_reason"] = c.Choices[0].FinishReason
	}
}

var _ llm.StreamingGenerator = (*LLM)(nil)
