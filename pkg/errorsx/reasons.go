package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"
	ReasonSTTStream  ReasonCode = "stt_stream"

	ReasonLLMConnect ReasonCode = "llm_connect"
	ReasonLLMStream  ReasonCode = "llm_stream"

	ReasonTTSConnect  ReasonCode = "tts_connect"
	ReasonTTSSend     ReasonCode = "tts_send"
	ReasonTTSStream   ReasonCode = "tts_stream"
	ReasonTTSFallback ReasonCode = "tts_fallback"

	ReasonStageTimeout  ReasonCode = "stage_timeout"
	ReasonTransportSend ReasonCode = "transport_send"
)
