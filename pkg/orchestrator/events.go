package orchestrator

import (
	"log/slog"
	"time"

	"github.com/voxline/voxline/pkg/conversation"
)

// Sender delivers one outbound event to the client. Implementations are
// expected to serialize concurrent calls.
type Sender interface {
	Send(event any) error
}

// Event type tags on the outbound channel.
const (
	EventReady         = "ready"
	EventListening     = "listening"
	EventTranscript    = "transcript"
	EventAssistantText = "assistant_text"
	EventTTSChunk      = "tts_chunk"
	EventTTSComplete   = "tts_complete"
	EventNoSpeech      = "no_speech"
	EventDebug         = "debug"
	EventError         = "error"
)

// Error codes surfaced to the client.
const (
	CodeTurnInProgress         = "TURN_IN_PROGRESS"
	CodeSTTProviderUnavailable = "STT_PROVIDER_UNAVAILABLE"
	CodeSTTError               = "STT_ERROR"
	CodeLLMError               = "LLM_ERROR"
	CodeTTSError               = "TTS_ERROR"
	CodeTimeout                = "TIMEOUT"
)

type readyEvent struct {
	Type               string         `json:"type"`
	STTProviders       []ProviderInfo `json:"sttProviders"`
	DefaultSTTProvider string         `json:"defaultSttProvider"`
}

type listeningEvent struct {
	Type            string `json:"type"`
	STTProvider     string `json:"sttProvider"`
	STTProviderName string `json:"sttProviderName"`
}

type transcriptEvent struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type assistantTextEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ttsChunkEvent struct {
	Type        string `json:"type"`
	AudioBase64 string `json:"audioBase64"`
	SampleRate  int    `json:"sampleRate"`
	Channels    int    `json:"channels"`
}

type ttsCompleteEvent struct {
	Type       string                 `json:"type"`
	History    []conversation.Message `json:"history"`
	SampleRate int                    `json:"sampleRate"`
	Channels   int                    `json:"channels"`
}

type noSpeechEvent struct {
	Type string `json:"type"`
}

type debugEvent struct {
	Type       string         `json:"type"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	StartTime  int64          `json:"startTime,omitempty"`
	EndTime    int64          `json:"endTime,omitempty"`
	DurationMS int64          `json:"durationMs,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Emitter shapes outbound events and hands them to the transport. Sends
// are best effort: a dead transport drops the event and we log it, the
// session notices the broken connection elsewhere.
type Emitter struct {
	sender Sender
	logger *slog.Logger
}

func NewEmitter(sender Sender, logger *slog.Logger) *Emitter {
	return &Emitter{sender: sender, logger: logger}
}

func (e *Emitter) send(eventType string, event any) {
	if err := e.sender.Send(event); err != nil {
		e.logger.Warn("event_send_failed", "event", eventType, "error", err)
	}
}

func (e *Emitter) Ready(providers []ProviderInfo, defaultProvider string) {
	e.send(EventReady, readyEvent{
		Type:               EventReady,
		STTProviders:       providers,
		DefaultSTTProvider: defaultProvider,
	})
}

func (e *Emitter) Listening(providerID, providerName string) {
	e.send(EventListening, listeningEvent{
		Type:            EventListening,
		STTProvider:     providerID,
		STTProviderName: providerName,
	})
}

func (e *Emitter) Transcript(text string, final bool) {
	e.send(EventTranscript, transcriptEvent{Type: EventTranscript, Text: text, Final: final})
}

func (e *Emitter) AssistantText(delta string) {
	e.send(EventAssistantText, assistantTextEvent{Type: EventAssistantText, Text: delta})
}

func (e *Emitter) TTSChunk(audioBase64 string, sampleRate, channels int) {
	e.send(EventTTSChunk, ttsChunkEvent{
		Type:        EventTTSChunk,
		AudioBase64: audioBase64,
		SampleRate:  sampleRate,
		Channels:    channels,
	})
}

func (e *Emitter) TTSComplete(history []conversation.Message, sampleRate, channels int) {
	e.send(EventTTSComplete, ttsCompleteEvent{
		Type:       EventTTSComplete,
		History:    history,
		SampleRate: sampleRate,
		Channels:   channels,
	})
}

func (e *Emitter) NoSpeech() {
	e.send(EventNoSpeech, noSpeechEvent{Type: EventNoSpeech})
}

func (e *Emitter) Error(code, message string) {
	e.send(EventError, errorEvent{Type: EventError, Code: code, Message: message})
}

// DebugStart reports the beginning of a pipeline stage and returns the
// start instant for the matching DebugEnd call.
func (e *Emitter) DebugStart(stage string, extra map[string]any) time.Time {
	start := time.Now()
	e.send(EventDebug, debugEvent{
		Type:      EventDebug,
		Stage:     stage,
		Status:    "start",
		StartTime: start.UnixMilli(),
		Extra:     extra,
	})
	return start
}

func (e *Emitter) DebugEnd(stage string, start time.Time, extra map[string]any) {
	end := time.Now()
	e.send(EventDebug, debugEvent{
		Type:       EventDebug,
		Stage:      stage,
		Status:     "end",
		StartTime:  start.UnixMilli(),
		EndTime:    end.UnixMilli(),
		DurationMS: end.Sub(start).Milliseconds(),
		Extra:      extra,
	})
}

func (e *Emitter) DebugMessage(stage, status, message string) {
	e.send(EventDebug, debugEvent{
		Type:    EventDebug,
		Stage:   stage,
		Status:  status,
		Message: message,
	})
}
