package kokoro

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/pkg/adapters/tts"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/errorsx"
	"github.com/voxline/voxline/pkg/logging"
)

type Config struct {
	WSURL            string `mapstructure:"ws_url"`
	HTTPURL          string `mapstructure:"http_url"`
	Voice            string `mapstructure:"voice"`
	Format           string `mapstructure:"format"`
	SampleRate       int    `mapstructure:"sample_rate"`
	Channels         int    `mapstructure:"channels"`
	BitDepth         int    `mapstructure:"bit_depth"`
	ConnectTimeoutMS int    `mapstructure:"connect_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.WSURL == "" {
		c.WSURL = "ws://127.0.0.1:8880/v1/ws/tts/stream"
	}
	if c.HTTPURL == "" {
		c.HTTPURL = "http://127.0.0.1:8880/v1/audio/speech"
	}
	if c.Voice == "" {
		c.Voice = "af_heart"
	}
	if c.Format == "" {
		c.Format = "pcm"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.BitDepth <= 0 {
		c.BitDepth = 16
	}
	if c.ConnectTimeoutMS <= 0 {
		c.ConnectTimeoutMS = 5000
	}
	return c
}

// TTS talks to a Kokoro-compatible speech server. The streaming path
// uses the websocket endpoint; Synthesize posts to the OpenAI-style
// /audio/speech endpoint and accepts either raw PCM or a JSON body with
// base64 audio.
type TTS struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config) *TTS {
	cfg = cfg.withDefaults()
	return &TTS{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logging.NewComponentLogger(slog.Default(), "kokoro_tts"),
	}
}

func (t *TTS) Name() string { return "kokoro" }

func (t *TTS) OutputFormat() audio.Format {
	return audio.Format{
		SampleRate: t.cfg.SampleRate,
		Channels:   t.cfg.Channels,
		BitDepth:   t.cfg.BitDepth,
	}
}

func (t *TTS) StreamSynthesize(ctx context.Context, text, voice string) (<-chan []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errorsx.Wrap(errors.New("text must not be blank"), errorsx.ReasonTTSStream)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(t.cfg.ConnectTimeoutMS) * time.Millisecond,
	}
	conn, _, err := dialer.DialContext(ctx, t.cfg.WSURL, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}

	init := map[string]any{
		"model":           "kokoro",
		"input":           text,
		"voice":           t.resolveVoice(voice),
		"format":          t.cfg.Format,
		"response_format": t.cfg.Format,
		"sample_rate":     t.cfg.SampleRate,
		"stream":          true,
	}
	if err := conn.WriteJSON(init); err != nil {
		_ = conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					t.logger.Warn("kokoro_stream_closed", "error", err)
				}
				return
			}
			if msgType == websocket.BinaryMessage {
				if len(payload) > 0 {
					out <- payload
				}
				continue
			}
			chunk, done := parseStreamMessage(payload)
			if len(chunk) > 0 {
				out <- chunk
			}
			if done {
				return
			}
		}
	}()
	return out, nil
}

func (t *TTS) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errorsx.Wrap(errors.New("text must not be blank"), errorsx.ReasonTTSFallback)
	}
	payload, err := json.Marshal(map[string]any{
		"model":           "kokoro",
		"input":           text,
		"voice":           t.resolveVoice(voice),
		"response_format": t.cfg.Format,
		"sample_rate":     t.cfg.SampleRate,
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSFallback)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.HTTPURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSFallback)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSFallback)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errorsx.Wrap(fmt.Errorf("tts request failed with status %d", resp.StatusCode), errorsx.ReasonTTSFallback)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSFallback)
	}
	return decodeAudioPayload(resp.Header.Get("Content-Type"), body)
}

func (t *TTS) resolveVoice(voice string) string {
	if strings.TrimSpace(voice) != "" {
		return voice
	}
	return t.cfg.Voice
}

// streamMessage covers the JSON frames the streaming endpoint emits:
// status markers, base64 audio chunks under assorted keys, and end
// markers.
type streamMessage struct {
	Event      string `json:"event"`
	Type       string `json:"type"`
	Data       string `json:"data"`
	Audio      string `json:"audio"`
	Chunk      string `json:"chunk"`
	AudioChunk string `json:"audio_chunk"`
	Message    string `json:"message"`
}

func parseStreamMessage(payload []byte) (chunk []byte, done bool) {
	var msg streamMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		// Some server builds send the end marker as loose text.
		if bytes.Contains(payload, []byte(`"event":"end"`)) {
			return nil, true
		}
		return nil, false
	}
	marker := strings.ToLower(msg.Event)
	if marker == "" {
		marker = strings.ToLower(msg.Type)
	}
	switch marker {
	case "started", "ready", "begin":
		return nil, false
	case "chunk", "audio", "data":
		if b64 := msg.audioBase64(); b64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(b64)
			if err == nil {
				return decoded, false
			}
		}
		return nil, false
	case "end", "finished", "done", "complete":
		return nil, true
	default:
		// An unexpected message field means the server bailed out.
		if msg.Message != "" {
			return nil, true
		}
		return nil, false
	}
}

func (m streamMessage) audioBase64() string {
	for _, v := range []string{m.Data, m.Audio, m.Chunk, m.AudioChunk} {
		if v != "" {
			return v
		}
	}
	return ""
}

// decodeAudioPayload returns raw audio bytes from either a binary body
// or a JSON wrapper carrying base64 audio.
func decodeAudioPayload(contentType string, body []byte) ([]byte, error) {
	if !looksLikeJSON(contentType, body) {
		return body, nil
	}
	var wrapper struct {
		Audio        string `json:"audio"`
		AudioContent string `json:"audio_content"`
		B64JSON      string `json:"b64_json"`
		Data         []struct {
			Audio   string `json:"audio"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSFallback)
	}
	b64 := wrapper.Audio
	if b64 == "" {
		b64 = wrapper.AudioContent
	}
	if b64 == "" {
		b64 = wrapper.B64JSON
	}
	for _, d := range wrapper.Data {
		if b64 != "" {
			break
		}
		if d.Audio != "" {
			b64 = d.Audio
		} else if d.B64JSON != "" {
			b64 = d.B64JSON
		}
	}
	if b64 == "" {
		return nil, errorsx.Wrap(errors.New("tts response missing audio content"), errorsx.ReasonTTSFallback)
	}
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSFallback)
	}
	return decoded, nil
}

func looksLikeJSON(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

var _ tts.StreamingSynthesizer = (*TTS)(nil)
var _ tts.Synthesizer = (*TTS)(nil)
