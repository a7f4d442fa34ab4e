package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxline/voxline/pkg/adapters/llm"
	"github.com/voxline/voxline/pkg/adapters/stt"
	"github.com/voxline/voxline/pkg/adapters/tts"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/conversation"
	"github.com/voxline/voxline/pkg/errorsx"
)

// SynthesisClient is what a session needs from a speech backend: the
// streaming path plus the blocking whole-utterance fallback.
type SynthesisClient interface {
	tts.StreamingSynthesizer
	tts.Synthesizer
}

// Config carries the session's backends and tuning knobs.
type Config struct {
	Registry *Registry
	LLM      llm.StreamingGenerator
	TTS      SynthesisClient
	Voice    string

	// GraceDelay is how long finalization waits after stop for a
	// trailing final recognition result.
	GraceDelay         time.Duration
	LLMTimeout         time.Duration
	TTSSentenceTimeout time.Duration
	IngestFrames       int
	ChunkDurationMS    int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.GraceDelay <= 0 {
		c.GraceDelay = 150 * time.Millisecond
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 60 * time.Second
	}
	if c.TTSSentenceTimeout <= 0 {
		c.TTSSentenceTimeout = 30 * time.Second
	}
	if c.IngestFrames <= 0 {
		c.IngestFrames = 64
	}
	if c.ChunkDurationMS <= 0 {
		c.ChunkDurationMS = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// StartParams is the decoded payload of a start command.
type StartParams struct {
	Format   audio.Format
	Provider string
	History  []conversation.Message
}

// Session owns one conversation: its state machine, history, the active
// capture and the response pipeline. Control commands arrive serialized
// from the transport; recognition results and synthesis run on their own
// goroutines and synchronize through the session mutex.
type Session struct {
	id       string
	emitter  *Emitter
	registry *Registry
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu         sync.Mutex
	state      State
	history    []conversation.Message
	providerID string
	format     audio.Format
	ingest     *ingestChannel
	captureCtx context.Context
	captureEnd context.CancelFunc
	graceTimer *time.Timer
	dispatch   *dispatcher
	transcript transcript
	asrStart   time.Time
	processing bool
	closed     bool
}

func NewSession(id string, sender Sender, cfg Config) *Session {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("session_id", id)
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Session{
		id:       id,
		emitter:  NewEmitter(sender, logger),
		registry: cfg.Registry,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		state:    StateIdle,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Announce emits the ready event on a fresh connection.
func (s *Session) Announce() {
	s.emitter.Ready(s.registry.Providers(), s.registry.Default())
}

// HandleStart begins a capture turn. Rejected with TURN_IN_PROGRESS
// while a turn is active; the running turn is unaffected.
func (s *Session) HandleStart(params StartParams) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		s.logger.Warn("start_rejected", "state", s.state.String())
		s.emitter.Error(CodeTurnInProgress, "a turn is already in progress")
		return
	}
	providerID, ok := s.registry.Resolve(params.Provider)
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("provider_unavailable", "requested", params.Provider)
		s.emitter.Error(CodeSTTProviderUnavailable, "requested stt provider is not registered: "+params.Provider)
		return
	}
	if seeded := validHistory(params.History); len(seeded) > 0 {
		s.history = append(s.history, seeded...)
	}

	s.transcript.Reset()
	s.processing = false
	s.providerID = providerID
	s.format = params.Format.Normalize()
	s.ingest = newIngestChannel(s.cfg.IngestFrames)
	s.captureCtx, s.captureEnd = context.WithCancel(s.ctx)
	s.transitionLocked(StateListening)

	recognizer := s.registry.Client(providerID)
	captureCtx := s.captureCtx
	format := s.format
	frames := s.ingest.Frames()
	s.mu.Unlock()

	results, err := recognizer.Recognize(captureCtx, format, frames)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		s.logger.Error("stt_start_failed", "provider", providerID, "error", err)
		s.emitter.Error(CodeSTTError, "failed to start recognition: "+err.Error())
		s.mu.Lock()
		s.teardownCaptureLocked()
		s.transitionLocked(StateIdle)
		s.mu.Unlock()
		return
	}

	s.logger.Info("turn_started", "provider", providerID,
		"sample_rate", format.SampleRate, "channels", format.Channels)
	asrStart := s.emitter.DebugStart("asr", map[string]any{
		"provider":    providerID,
		"sample_rate": format.SampleRate,
		"channels":    format.Channels,
		"bit_depth":   format.BitDepth,
	})
	s.mu.Lock()
	s.asrStart = asrStart
	s.mu.Unlock()
	s.emitter.Listening(providerID, s.registry.DisplayName(providerID))
	s.group.Go(func() error {
		s.pumpRecognition(results)
		return nil
	})
}

// HandleAudio forwards one PCM frame to the active capture. Frames
// arriving outside a capture are dropped without comment.
func (s *Session) HandleAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.mu.Lock()
	if !s.state.capturing() || s.ingest == nil {
		s.mu.Unlock()
		return
	}
	if s.state == StateListening {
		s.transitionLocked(StateCapturing)
	}
	ingest := s.ingest
	ctx := s.captureCtx
	s.mu.Unlock()

	// Blocking write outside the session lock: backpressure against a
	// slow recognizer must not stall control commands.
	if err := ingest.Write(ctx, frame); err != nil {
		s.logger.Debug("audio_frame_dropped", "error", err)
	}
}

// HandleStop ends audio capture and schedules finalization after the
// grace delay, giving a trailing final recognition result time to land.
func (s *Session) HandleStop() {
	s.mu.Lock()
	if !s.state.capturing() {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StateFinalizing)
	ingest := s.ingest
	s.graceTimer = time.AfterFunc(s.cfg.GraceDelay, func() {
		s.finalize("grace_timer")
	})
	s.mu.Unlock()

	ingest.Close()
	s.logger.Info("capture_stopped")
}

// HandleResetHistory clears the conversation history. Rejected while a
// turn is active so an in-flight response is not built on vanished
// context.
func (s *Session) HandleResetHistory() {
	s.mu.Lock()
	if s.state.Active() {
		s.mu.Unlock()
		s.emitter.Error(CodeTurnInProgress, "cannot reset history during an active turn")
		return
	}
	s.history = nil
	s.mu.Unlock()
	s.logger.Info("history_reset")
}

// Close tears the session down: the capture is canceled, the recognition
// pump observes end of input and exits, and outstanding synthesis units
// are abandoned rather than awaited.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	dispatch := s.dispatch
	s.teardownCaptureLocked()
	s.state = StateIdle
	s.mu.Unlock()

	s.cancel()
	if dispatch != nil {
		dispatch.Close()
	}
	if err := s.group.Wait(); err != nil {
		s.logger.Warn("session_task_error", "error", err)
	}
	s.logger.Info("session_closed")
}

// pumpRecognition drains the recognizer's result stream, updating the
// transcript and triggering finalization on a final result or terminal
// error.
func (s *Session) pumpRecognition(results <-chan stt.Result) {
	for res := range results {
		if res.Err != nil {
			err := errorsx.Wrap(res.Err, errorsx.ReasonSTTStream)
			s.logger.Error("stt_stream_failed", "provider", s.currentProvider(), "error", err)
			s.emitter.Error(CodeSTTError, "recognition failed: "+res.Err.Error())
			s.finalize("stt_error")
			return
		}

		s.mu.Lock()
		if s.processing || !s.state.Active() {
			// Finalization already started; a late result must not
			// mutate the consumed transcript.
			s.mu.Unlock()
			continue
		}
		s.transcript.Update(res.Text, res.Final)
		s.mu.Unlock()

		s.emitter.Transcript(res.Text, res.Final)
		if res.Final {
			s.finalize("stt_final")
		}
	}
}

// finalize closes the capture and decides the turn's fate. Idempotent:
// the grace timer and the recognizer's final result both call it, only
// the first proceeds.
func (s *Session) finalize(trigger string) {
	s.mu.Lock()
	if s.processing || s.closed || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.processing = true
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.state.capturing() {
		s.transitionLocked(StateFinalizing)
	}
	s.teardownCaptureLocked()

	text := s.transcript.Consume()
	asrStart := s.asrStart
	provider := s.providerID
	if text == "" {
		s.transitionLocked(StateIdle)
		s.mu.Unlock()
		s.emitter.DebugEnd("asr", asrStart, map[string]any{"provider": provider, "chars": 0})
		s.logger.Info("turn_finalized_empty", "trigger", trigger)
		s.emitter.NoSpeech()
		return
	}

	s.history = append(s.history, conversation.Message{Role: conversation.RoleUser, Content: text})
	s.transitionLocked(StateResponding)
	history := snapshotHistory(s.history)
	s.mu.Unlock()

	s.emitter.DebugEnd("asr", asrStart, map[string]any{
		"provider": provider,
		"chars":    len(text),
		"text":     text,
	})
	s.logger.Info("turn_finalized", "trigger", trigger, "transcript_len", len(text))
	s.group.Go(func() error {
		s.respond(history)
		return nil
	})
}

// respond streams the language model, segments deltas into sentences and
// feeds them to the synthesis dispatcher, then completes the turn once
// the dispatcher drains.
func (s *Session) respond(history []conversation.Message) {
	dispatch := newDispatcher(s.ctx, s.runSynthesis)
	s.mu.Lock()
	s.dispatch = dispatch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.LLMTimeout)
	defer cancel()

	llmStart := s.emitter.DebugStart("llm", map[string]any{"model": s.cfg.LLM.Name()})
	events, err := s.cfg.LLM.StreamChat(ctx, history)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonLLMConnect)
		s.logger.Error("llm_start_failed", "error", err)
		s.emitter.Error(CodeLLMError, "language model unavailable: "+err.Error())
		s.abortTurn(dispatch)
		return
	}

	var full strings.Builder
	var pending sentenceBuffer
	failed := false
	for ev := range events {
		if ev.Err != nil {
			code := CodeLLMError
			if errors.Is(ev.Err, context.DeadlineExceeded) {
				code = CodeTimeout
			}
			s.logger.Error("llm_stream_failed", "error", errorsx.Wrap(ev.Err, errorsx.ReasonLLMStream))
			s.emitter.Error(code, "generation failed: "+ev.Err.Error())
			failed = true
			break
		}
		if ev.Completion != nil {
			break
		}
		if ev.Delta == "" {
			continue
		}
		s.emitter.AssistantText(ev.Delta)
		full.WriteString(ev.Delta)
		pending.Append(ev.Delta)
		for _, sentence := range pending.DrainSentences() {
			dispatch.Enqueue(sentence)
		}
	}
	if failed {
		// A failed generation aborts the turn: no tail synthesis, no
		// partial assistant message in history, no completion event.
		s.abortTurn(dispatch)
		return
	}
	if tail := pending.Flush(); tail != "" {
		dispatch.Enqueue(tail)
	}
	s.emitter.DebugEnd("llm", llmStart, map[string]any{
		"chars":     full.Len(),
		"sentences": dispatch.Count(),
	})

	s.finishTurn(dispatch, strings.TrimSpace(full.String()))
}

// finishTurn waits for queued synthesis to drain, records the assistant
// message and returns the session to idle.
func (s *Session) finishTurn(dispatch *dispatcher, assistant string) {
	dispatch.Close()
	dispatch.Wait()

	s.mu.Lock()
	if assistant != "" {
		s.history = append(s.history, conversation.Message{Role: conversation.RoleAssistant, Content: assistant})
	}
	history := snapshotHistory(s.history)
	s.dispatch = nil
	closed := s.closed
	s.transitionLocked(StateIdle)
	s.mu.Unlock()

	if closed {
		return
	}
	out := s.cfg.TTS.OutputFormat().Normalize()
	s.emitter.TTSComplete(history, out.SampleRate, out.Channels)
	s.logger.Info("turn_completed", "history_len", len(history))
}

// abortTurn tears the response down after a generation failure: queued
// synthesis units are dropped, history keeps only what completed turns
// put there, and the session returns to idle without a completion event.
func (s *Session) abortTurn(dispatch *dispatcher) {
	dispatch.Abort()
	dispatch.Wait()

	s.mu.Lock()
	s.dispatch = nil
	s.transitionLocked(StateIdle)
	s.mu.Unlock()
	s.logger.Warn("turn_aborted")
}

// runSynthesis executes one dispatcher unit: stream the sentence, fall
// back to blocking synthesis if the stream delivered nothing, and keep
// the chain moving even when both paths fail.
func (s *Session) runSynthesis(ctx context.Context, task synthesisTask) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TTSSentenceTimeout)
	defer cancel()

	start := s.emitter.DebugStart("tts", map[string]any{"sentence": task.Sequence})
	out := s.cfg.TTS.OutputFormat().Normalize()

	delivered := 0
	chunks, err := s.cfg.TTS.StreamSynthesize(ctx, task.Text, s.cfg.Voice)
	if err != nil {
		s.logger.Warn("tts_stream_failed", "sentence", task.Sequence,
			"error", errorsx.Wrap(err, errorsx.ReasonTTSStream))
	} else {
		for chunk := range chunks {
			if len(chunk) == 0 {
				continue
			}
			delivered++
			s.emitChunk(chunk, out)
		}
	}

	if delivered == 0 {
		s.emitter.DebugMessage("tts", "fallback-start", task.Text)
		buf, ferr := s.cfg.TTS.Synthesize(ctx, task.Text, s.cfg.Voice)
		if ferr != nil {
			code := CodeTTSError
			if errors.Is(ferr, context.DeadlineExceeded) {
				code = CodeTimeout
			}
			s.logger.Error("tts_fallback_failed", "sentence", task.Sequence,
				"error", errorsx.Wrap(ferr, errorsx.ReasonTTSFallback))
			s.emitter.DebugMessage("tts", "fallback-error", ferr.Error())
			s.emitter.Error(code, "synthesis failed for sentence")
			return
		}
		s.emitter.DebugMessage("tts", "fallback-complete", fmt.Sprintf("%d bytes", len(buf)))
		for _, chunk := range audio.Chunk(buf, out, s.cfg.ChunkDurationMS) {
			s.emitChunk(chunk, out)
		}
	}

	s.emitter.DebugEnd("tts", start, map[string]any{
		"sentence": task.Sequence,
		"streamed": delivered > 0,
	})
}

func (s *Session) emitChunk(chunk []byte, format audio.Format) {
	s.emitter.TTSChunk(base64.StdEncoding.EncodeToString(chunk), format.SampleRate, format.Channels)
}

// teardownCaptureLocked cancels the capture context before closing the
// ingest channel so a writer blocked on a full channel is released
// before Close takes the channel lock.
func (s *Session) teardownCaptureLocked() {
	if s.captureEnd != nil {
		s.captureEnd()
		s.captureEnd = nil
	}
	if s.ingest != nil {
		s.ingest.Close()
		s.ingest = nil
	}
	s.captureCtx = nil
}

func (s *Session) transitionLocked(to State) bool {
	if s.state == to {
		return true
	}
	if !transitionValid(s.state, to) {
		s.logger.Warn("invalid_state_transition", "from", s.state.String(), "to", to.String())
		return false
	}
	s.state = to
	return true
}

func (s *Session) currentProvider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerID
}

// validHistory keeps only well-formed seed messages; malformed entries
// are skipped rather than failing the start.
func validHistory(raw []conversation.Message) []conversation.Message {
	var out []conversation.Message
	for _, m := range raw {
		if msg, ok := conversation.NewMessage(string(m.Role), m.Content); ok {
			out = append(out, msg)
		}
	}
	return out
}

func snapshotHistory(history []conversation.Message) []conversation.Message {
	out := make([]conversation.Message, len(history))
	copy(out, history)
	return out
}
