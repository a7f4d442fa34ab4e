package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/voxline/voxline/pkg/adapters/stt"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/errorsx"
	"github.com/voxline/voxline/pkg/logging"
)

type Config struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`
	Interim  bool   `mapstructure:"interim"`
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	return c
}

// STT adapts the Deepgram live-transcription SDK. Each Recognize call
// opens its own websocket; audio is piped into the SDK and transcripts
// come back through the callback.
type STT struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *STT {
	return &STT{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (s *STT) Name() string { return "deepgram" }

func (s *STT) Recognize(ctx context.Context, format audio.Format, frames <-chan []byte) (<-chan stt.Result, error) {
	if s.cfg.APIKey == "" {
		return nil, errorsx.Wrap(errors.New("deepgram api key missing"), errorsx.ReasonSTTConnect)
	}
	format = format.Normalize()

	out := make(chan stt.Result, 16)
	cb := &callback{out: out, logger: s.logger}

	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       "linear16",
		SampleRate:     format.SampleRate,
		InterimResults: s.cfg.Interim,
		SmartFormat:    true,
	}

	dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	if connected := dgClient.Connect(); !connected {
		return nil, errorsx.Wrap(errors.New("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}

	pipeReader, pipeWriter := io.Pipe()
	go func() {
		if err := dgClient.Stream(pipeReader); err != nil && ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", "error", err.Error())
		}
	}()
	go func() {
		defer func() {
			_ = pipeWriter.Close()
			dgClient.Stop()
		}()
		for {
			select {
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if _, err := pipeWriter.Write(frame); err != nil {
					s.logger.Error("deepgram_send_failed", "error", err.Error())
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

type callback struct {
	out    chan stt.Result
	logger *slog.Logger
	once   sync.Once
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	select {
	case c.out <- stt.Result{Text: transcript, Final: isFinal}:
	default:
		c.logger.Warn("deepgram_result_dropped", "reason", "channel_full")
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debug("deepgram_metadata", "request_id", md.RequestID)
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.once.Do(func() { close(c.out) })
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	err := fmt.Errorf("deepgram: %s (%s)", er.ErrMsg, er.ErrCode)
	select {
	case c.out <- stt.Result{Err: errorsx.Wrap(err, errorsx.ReasonSTTStream)}:
	default:
	}
	c.once.Do(func() { close(c.out) })
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.logger.Debug("deepgram_unhandled_event", "data", string(byData))
	return nil
}

var _ stt.StreamingRecognizer = (*STT)(nil)
