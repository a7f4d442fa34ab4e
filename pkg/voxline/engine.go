package voxline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxline/voxline/pkg/configutil"
	"github.com/voxline/voxline/pkg/logging"
	"github.com/voxline/voxline/pkg/orchestrator"
	"github.com/voxline/voxline/pkg/providers/deepgram"
	"github.com/voxline/voxline/pkg/providers/kokoro"
	"github.com/voxline/voxline/pkg/providers/mock"
	"github.com/voxline/voxline/pkg/providers/openai"
	"github.com/voxline/voxline/pkg/providers/sherpa"
	"github.com/voxline/voxline/pkg/transports"
	"github.com/voxline/voxline/pkg/transports/ws"
)

// Engine assembles the provider registry, the model backends and the
// websocket server from one config.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	registry  *orchestrator.Registry
	transport transports.Transport
	cancel    context.CancelFunc
}

func NewEngine(cfg Config) (*Engine, error) {
	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(logger)

	registry, err := buildRegistry(cfg.STT)
	if err != nil {
		return nil, err
	}
	registry.WithDefault(cfg.STT.DefaultProvider)

	llmClient := openai.New(cfg.LLM)
	ttsClient := kokoro.New(cfg.TTS)

	sessionCfg := orchestrator.Config{
		Registry:           registry,
		LLM:                llmClient,
		TTS:                ttsClient,
		Voice:              cfg.Session.Voice,
		GraceDelay:         time.Duration(cfg.Session.GraceDelayMS) * time.Millisecond,
		LLMTimeout:         time.Duration(cfg.Session.LLMTimeoutMS) * time.Millisecond,
		TTSSentenceTimeout: time.Duration(cfg.Session.TTSSentenceTimeoutMS) * time.Millisecond,
		IngestFrames:       cfg.Session.IngestFrames,
		Logger:             logger,
	}
	factory := func(id string, sender orchestrator.Sender) *orchestrator.Session {
		return orchestrator.NewSession(id, sender, sessionCfg)
	}
	server := ws.New(cfg.Server, factory, logger)

	logger.Info("voxline_init",
		"environment", cfg.Environment,
		"stt_default", registry.Default(),
		"llm_model", cfg.LLM.Model,
		"tts_voice", cfg.TTS.Voice,
	)

	return &Engine{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		transport: server,
	}, nil
}

func buildRegistry(cfg STTConfig) (*orchestrator.Registry, error) {
	var entries []orchestrator.ProviderEntry
	if cfg.Providers.Sherpa != nil {
		entries = append(entries, orchestrator.ProviderEntry{
			ID:     "sherpa",
			Name:   "Sherpa ONNX",
			Client: sherpa.New(*cfg.Providers.Sherpa),
		})
	}
	if cfg.Providers.Deepgram != nil {
		if err := configutil.RequireString(cfg.Providers.Deepgram.APIKey, "stt.providers.deepgram.api_key"); err != nil {
			return nil, err
		}
		entries = append(entries, orchestrator.ProviderEntry{
			ID:     "deepgram",
			Name:   "Deepgram",
			Client: deepgram.New(*cfg.Providers.Deepgram),
		})
	}
	if cfg.Providers.Mock != nil {
		var settings mock.STTConfig
		if err := configutil.DecodeSettings(cfg.Providers.Mock, &settings); err != nil {
			return nil, fmt.Errorf("stt.providers.mock: %w", err)
		}
		entries = append(entries, orchestrator.ProviderEntry{
			ID:     "mock",
			Name:   "Mock",
			Client: mock.NewSTT(settings),
		})
	}
	return orchestrator.NewRegistry(entries)
}

// Start brings up the websocket server. It returns immediately; the
// server runs until ctx is canceled or Drain is called.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		e.logger.Info("voxline_ready", "fields", rr.ReadyFields())
	}
	return nil
}

// Drain stops accepting connections and tears down live sessions.
func (e *Engine) Drain() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.transport.Stop()
}
