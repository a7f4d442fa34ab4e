package sherpa

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/pkg/adapters/stt"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/errorsx"
	"github.com/voxline/voxline/pkg/logging"
)

type Config struct {
	WSURL            string `mapstructure:"ws_url"`
	ConnectTimeoutMS int    `mapstructure:"connect_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.WSURL == "" {
		c.WSURL = "ws://127.0.0.1:6006"
	}
	if c.ConnectTimeoutMS <= 0 {
		c.ConnectTimeoutMS = 5000
	}
	return c
}

// STT streams PCM to a sherpa-onnx websocket server and parses its
// transcript messages. The server reports the full utterance so far on
// every message; a finished flag marks the result terminal.
type STT struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *STT {
	return &STT{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "sherpa_stt"),
	}
}

func (s *STT) Name() string { return "sherpa" }

func (s *STT) Recognize(ctx context.Context, format audio.Format, frames <-chan []byte) (<-chan stt.Result, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(s.cfg.ConnectTimeoutMS) * time.Millisecond,
	}
	conn, _, err := dialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}

	out := make(chan stt.Result, 16)

	// Writer: forward frames as binary messages, close on end of input.
	go func() {
		defer func() {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "eof"), deadline)
		}()
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					s.logger.Error("sherpa_send_failed", "error", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Reader: parse transcript messages until the server closes or the
	// capture is torn down.
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				// A broken backend completes the utterance with an
				// empty final result rather than killing the turn.
				s.logger.Error("sherpa_read_failed", "error", err)
				out <- stt.Result{Text: "", Final: true}
				return
			}
			res, ok := parseMessage(payload)
			if !ok {
				continue
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
			if res.Final {
				return
			}
		}
	}()

	return out, nil
}

// serverMessage covers the shapes emitted by sherpa-onnx server builds:
// a flat {text, finished} object, nested {segment: {text}}, and variants
// flagging the end via final, is_final or a type marker.
type serverMessage struct {
	Text     string `json:"text"`
	Finished bool   `json:"finished"`
	Final    bool   `json:"final"`
	IsFinal  bool   `json:"is_final"`
	Type     string `json:"type"`
	Segment  *struct {
		Text  string `json:"text"`
		Index int    `json:"index"`
	} `json:"segment"`
}

func parseMessage(payload []byte) (stt.Result, bool) {
	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return stt.Result{}, false
	}
	text := msg.Text
	segment := 0
	if text == "" && msg.Segment != nil {
		text = msg.Segment.Text
		segment = msg.Segment.Index
	}
	final := msg.Finished || msg.Final || msg.IsFinal || typeMarksFinal(msg.Type)
	if text == "" && !final {
		return stt.Result{}, false
	}
	return stt.Result{Text: text, Final: final, Segment: segment}, true
}

func typeMarksFinal(t string) bool {
	t = strings.ToLower(t)
	return t == "final" || t == "final_result" || strings.HasSuffix(t, "_final")
}

var _ stt.StreamingRecognizer = (*STT)(nil)
