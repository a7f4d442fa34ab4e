package voxline

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/voxline/voxline/pkg/providers/deepgram"
	"github.com/voxline/voxline/pkg/providers/kokoro"
	"github.com/voxline/voxline/pkg/providers/openai"
	"github.com/voxline/voxline/pkg/providers/sherpa"
	"github.com/voxline/voxline/pkg/transports/ws"
)

type Config struct {
	Server      ws.Config     `mapstructure:"server"`
	STT         STTConfig     `mapstructure:"stt"`
	LLM         openai.Config `mapstructure:"llm"`
	TTS         kokoro.Config `mapstructure:"tts"`
	Session     SessionConfig `mapstructure:"session"`
	Environment string        `mapstructure:"environment"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFormat   string        `mapstructure:"log_format"`
}

type STTConfig struct {
	DefaultProvider string             `mapstructure:"default_provider"`
	Providers       STTProvidersConfig `mapstructure:"providers"`
}

type STTProvidersConfig struct {
	Sherpa   *sherpa.Config   `mapstructure:"sherpa"`
	Deepgram *deepgram.Config `mapstructure:"deepgram"`
	Mock     map[string]any   `mapstructure:"mock"`
}

type SessionConfig struct {
	IngestFrames         int    `mapstructure:"ingest_frames"`
	GraceDelayMS         int    `mapstructure:"grace_delay_ms"`
	LLMTimeoutMS         int    `mapstructure:"llm_timeout_ms"`
	TTSSentenceTimeoutMS int    `mapstructure:"tts_sentence_timeout_ms"`
	Voice                string `mapstructure:"voice"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("server.server_addr", ":8080")
	v.SetDefault("server.ws_path", "/ws/conversation")
	v.SetDefault("stt.default_provider", "")
	v.SetDefault("llm.base_url", "http://127.0.0.1:11434/v1/chat/completions")
	v.SetDefault("llm.model", "qwen2.5:7b")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("tts.ws_url", "ws://127.0.0.1:8880/v1/ws/tts/stream")
	v.SetDefault("tts.http_url", "http://127.0.0.1:8880/v1/audio/speech")
	v.SetDefault("tts.voice", "af_heart")
	v.SetDefault("tts.format", "pcm")
	v.SetDefault("tts.sample_rate", 24000)
	v.SetDefault("tts.channels", 1)
	v.SetDefault("tts.bit_depth", 16)
	v.SetDefault("session.ingest_frames", 64)
	v.SetDefault("session.grace_delay_ms", 150)
	v.SetDefault("session.llm_timeout_ms", 60000)
	v.SetDefault("session.tts_sentence_timeout_ms", 30000)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	return cfg, nil
}
