package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxline/voxline/pkg/adapters/llm"
	"github.com/voxline/voxline/pkg/adapters/stt"
	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/conversation"
)

// recordSender captures every outbound event for assertions.
type recordSender struct {
	mu     sync.Mutex
	events []any
}

func (s *recordSender) Send(event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordSender) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.events))
	copy(out, s.events)
	return out
}

// waitFor polls until pred sees a matching event or the deadline hits.
func (s *recordSender) waitFor(t *testing.T, what string, pred func(any) bool) any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range s.snapshot() {
			if pred(ev) {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; events: %#v", what, s.snapshot())
	return nil
}

func (s *recordSender) errorCodes() []string {
	var out []string
	for _, ev := range s.snapshot() {
		if e, ok := ev.(errorEvent); ok {
			out = append(out, e.Code)
		}
	}
	return out
}

// scriptRecognizer hands the test direct control of the result stream.
type scriptRecognizer struct {
	mu      sync.Mutex
	results chan stt.Result
	frames  [][]byte
	started int
}

func newScriptRecognizer() *scriptRecognizer {
	return &scriptRecognizer{results: make(chan stt.Result, 8)}
}

func (r *scriptRecognizer) Name() string { return "script" }

func (r *scriptRecognizer) Recognize(ctx context.Context, format audio.Format, frames <-chan []byte) (<-chan stt.Result, error) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	out := make(chan stt.Result, 8)
	go func() {
		for frame := range frames {
			r.mu.Lock()
			r.frames = append(r.frames, frame)
			r.mu.Unlock()
		}
	}()
	go func() {
		defer close(out)
		for res := range r.results {
			out <- res
		}
	}()
	return out, nil
}

func (r *scriptRecognizer) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *scriptRecognizer) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// scriptLLM streams a fixed delta script and records the history it saw.
type scriptLLM struct {
	mu      sync.Mutex
	deltas  []string
	failErr error
	history []conversation.Message
}

func (g *scriptLLM) Name() string { return "script-llm" }

func (g *scriptLLM) StreamChat(ctx context.Context, history []conversation.Message) (<-chan llm.Event, error) {
	g.mu.Lock()
	g.history = append([]conversation.Message(nil), history...)
	g.mu.Unlock()
	out := make(chan llm.Event, len(g.deltas)+1)
	go func() {
		defer close(out)
		for _, d := range g.deltas {
			out <- llm.Event{Delta: d}
		}
		if g.failErr != nil {
			out <- llm.Event{Err: g.failErr}
			return
		}
		out <- llm.Event{Completion: &llm.Completion{}}
	}()
	return out, nil
}

func (g *scriptLLM) seenHistory() []conversation.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.history
}

// scriptTTS controls the streaming and fallback paths per test.
type scriptTTS struct {
	mu            sync.Mutex
	streamChunks  map[string][][]byte // nil entry means empty stream
	fallbackAudio []byte
	fallbackErr   error
	streamed      []string
	fellBack      []string
}

func (s *scriptTTS) Name() string { return "script-tts" }

func (s *scriptTTS) OutputFormat() audio.Format {
	return audio.Format{SampleRate: 24000, Channels: 1, BitDepth: 16}
}

func (s *scriptTTS) StreamSynthesize(ctx context.Context, text, voice string) (<-chan []byte, error) {
	s.mu.Lock()
	s.streamed = append(s.streamed, text)
	chunks := s.streamChunks[text]
	s.mu.Unlock()
	out := make(chan []byte, len(chunks))
	for _, c := range chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func (s *scriptTTS) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	s.mu.Lock()
	s.fellBack = append(s.fellBack, text)
	s.mu.Unlock()
	if s.fallbackErr != nil {
		return nil, s.fallbackErr
	}
	return s.fallbackAudio, nil
}

func (s *scriptTTS) fallbackCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fellBack...)
}

type fixture struct {
	session *Session
	sender  *recordSender
	sttMock *scriptRecognizer
	llmMock *scriptLLM
	ttsMock *scriptTTS
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sttMock := newScriptRecognizer()
	registry, err := NewRegistry([]ProviderEntry{
		{ID: "sherpa", Name: "Sherpa ONNX", Client: sttMock},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	llmMock := &scriptLLM{}
	ttsMock := &scriptTTS{streamChunks: map[string][][]byte{}}
	sender := &recordSender{}
	session := NewSession("test-session", sender, Config{
		Registry:   registry,
		LLM:        llmMock,
		TTS:        ttsMock,
		Voice:      "af_bella",
		GraceDelay: 20 * time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	t.Cleanup(session.Close)
	return &fixture{session: session, sender: sender, sttMock: sttMock, llmMock: llmMock, ttsMock: ttsMock}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestSessionFullTurn(t *testing.T) {
	f := newFixture(t)
	f.llmMock.deltas = []string{"你好", "。", "今天", "怎么样？"}
	f.ttsMock.streamChunks["你好。"] = [][]byte{{1, 2}, {3, 4}}
	f.ttsMock.streamChunks["今天怎么样？"] = [][]byte{{5, 6}}

	f.session.HandleStart(StartParams{})
	f.sender.waitFor(t, "listening", func(ev any) bool {
		l, ok := ev.(listeningEvent)
		return ok && l.STTProvider == "sherpa" && l.STTProviderName == "Sherpa ONNX"
	})

	f.session.HandleAudio([]byte{0, 1})
	f.session.HandleAudio([]byte{2, 3})
	f.sttMock.results <- stt.Result{Text: "你好", Final: false}
	f.sttMock.results <- stt.Result{Text: "你好", Final: true}
	close(f.sttMock.results)
	f.session.HandleStop()

	complete := f.sender.waitFor(t, "tts_complete", func(ev any) bool {
		_, ok := ev.(ttsCompleteEvent)
		return ok
	}).(ttsCompleteEvent)

	// The frame drain runs on its own goroutine; give it a moment.
	for deadline := time.Now().Add(time.Second); f.sttMock.frameCount() != 2; {
		if time.Now().After(deadline) {
			t.Fatalf("recognizer saw %d frames, want 2", f.sttMock.frameCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(complete.History) != 2 {
		t.Fatalf("history = %v, want user+assistant", complete.History)
	}
	if complete.History[0].Role != conversation.RoleUser || complete.History[0].Content != "你好" {
		t.Fatalf("user message = %v", complete.History[0])
	}
	if complete.History[1].Role != conversation.RoleAssistant || complete.History[1].Content != "你好。今天怎么样？" {
		t.Fatalf("assistant message = %v", complete.History[1])
	}
	if complete.SampleRate != 24000 || complete.Channels != 1 {
		t.Fatalf("completion format = %d/%d", complete.SampleRate, complete.Channels)
	}

	var chunkOrder []string
	for _, ev := range f.sender.snapshot() {
		if c, ok := ev.(ttsChunkEvent); ok {
			chunkOrder = append(chunkOrder, c.AudioBase64)
		}
	}
	if len(chunkOrder) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunkOrder))
	}
	if history := f.llmMock.seenHistory(); len(history) != 1 || history[0].Content != "你好" {
		t.Fatalf("llm history = %v", history)
	}
}

func TestSessionRejectsSecondStart(t *testing.T) {
	f := newFixture(t)
	f.session.HandleStart(StartParams{})
	f.session.HandleStart(StartParams{})

	f.sender.waitFor(t, "turn_in_progress error", func(ev any) bool {
		e, ok := ev.(errorEvent)
		return ok && e.Code == CodeTurnInProgress
	})
	if f.sttMock.startCount() != 1 {
		t.Fatalf("recognizer started %d times, want 1", f.sttMock.startCount())
	}
	close(f.sttMock.results)
}

func TestSessionProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	f.session.HandleStart(StartParams{Provider: "whisper"})
	f.sender.waitFor(t, "provider error", func(ev any) bool {
		e, ok := ev.(errorEvent)
		return ok && e.Code == CodeSTTProviderUnavailable
	})
	// The session stays idle so a corrected start succeeds.
	f.session.HandleStart(StartParams{Provider: "sherpa"})
	f.sender.waitFor(t, "listening", func(ev any) bool {
		_, ok := ev.(listeningEvent)
		return ok
	})
	close(f.sttMock.results)
}

func TestSessionNoSpeech(t *testing.T) {
	f := newFixture(t)
	f.session.HandleStart(StartParams{})
	f.sender.waitFor(t, "listening", func(ev any) bool {
		_, ok := ev.(listeningEvent)
		return ok
	})
	close(f.sttMock.results)
	f.session.HandleStop()

	f.sender.waitFor(t, "no_speech", func(ev any) bool {
		_, ok := ev.(noSpeechEvent)
		return ok
	})
	if codes := f.sender.errorCodes(); len(codes) != 0 {
		t.Fatalf("unexpected errors: %v", codes)
	}
}

func TestSessionFallbackSynthesis(t *testing.T) {
	f := newFixture(t)
	f.llmMock.deltas = []string{"你好。"}
	// No stream chunks registered: the stream closes empty and the
	// blocking path must run exactly once.
	f.ttsMock.fallbackAudio = make([]byte, 9600) // 200ms at 24k mono 16-bit

	f.session.HandleStart(StartParams{})
	f.sttMock.results <- stt.Result{Text: "hi", Final: true}
	close(f.sttMock.results)

	f.sender.waitFor(t, "tts_complete", func(ev any) bool {
		_, ok := ev.(ttsCompleteEvent)
		return ok
	})

	if calls := f.ttsMock.fallbackCalls(); len(calls) != 1 || calls[0] != "你好。" {
		t.Fatalf("fallback calls = %v, want exactly one for 你好。", calls)
	}
	var chunks int
	for _, ev := range f.sender.snapshot() {
		if _, ok := ev.(ttsChunkEvent); ok {
			chunks++
		}
	}
	// 9600 bytes at 4800 bytes per 100ms chunk.
	if chunks != 2 {
		t.Fatalf("chunks = %d, want 2", chunks)
	}
}

func TestSessionTTSErrorKeepsChainMoving(t *testing.T) {
	f := newFixture(t)
	f.llmMock.deltas = []string{"Bad one.", " Good one!"}
	f.ttsMock.fallbackErr = errors.New("backend down")
	f.ttsMock.streamChunks["Good one!"] = [][]byte{{9}}

	f.session.HandleStart(StartParams{})
	f.sttMock.results <- stt.Result{Text: "hi", Final: true}
	close(f.sttMock.results)

	f.sender.waitFor(t, "tts_complete", func(ev any) bool {
		_, ok := ev.(ttsCompleteEvent)
		return ok
	})

	foundError := false
	for _, code := range f.sender.errorCodes() {
		if code == CodeTTSError {
			foundError = true
		}
	}
	if !foundError {
		t.Fatalf("expected TTS_ERROR for failed sentence")
	}
	var chunks int
	for _, ev := range f.sender.snapshot() {
		if _, ok := ev.(ttsChunkEvent); ok {
			chunks++
		}
	}
	if chunks != 1 {
		t.Fatalf("chunks = %d, want 1 from the surviving sentence", chunks)
	}
	foundDebug := false
	for _, ev := range f.sender.snapshot() {
		if d, ok := ev.(debugEvent); ok && d.Stage == "tts" && d.Status == "fallback-error" {
			foundDebug = true
		}
	}
	if !foundDebug {
		t.Fatalf("expected fallback-error debug event")
	}
}

func TestSessionGenerationFailureAbortsTurn(t *testing.T) {
	f := newFixture(t)
	// The only delta has no sentence boundary, so nothing reaches the
	// synthesizer before the stream fails.
	f.llmMock.deltas = []string{"只说了一半"}
	f.llmMock.failErr = errors.New("backend gone")

	f.session.HandleStart(StartParams{})
	f.sttMock.results <- stt.Result{Text: "你好", Final: true}
	close(f.sttMock.results)

	f.sender.waitFor(t, "llm error", func(ev any) bool {
		e, ok := ev.(errorEvent)
		return ok && e.Code == CodeLLMError
	})
	time.Sleep(100 * time.Millisecond) // residual synthesis would land here

	for _, ev := range f.sender.snapshot() {
		switch ev.(type) {
		case ttsChunkEvent:
			t.Fatalf("audio was synthesized after generation failure")
		case ttsCompleteEvent:
			t.Fatalf("turn completed after generation failure")
		}
	}
	if calls := f.ttsMock.fallbackCalls(); len(calls) != 0 {
		t.Fatalf("fallback ran for %v", calls)
	}

	// The partial reply stays out of history.
	f.session.mu.Lock()
	history := snapshotHistory(f.session.history)
	f.session.mu.Unlock()
	if len(history) != 1 || history[0].Role != conversation.RoleUser {
		t.Fatalf("history after aborted turn = %v, want only the user message", history)
	}

	// The aborted turn leaves the session idle: a new start is accepted.
	deadline := time.Now().Add(2 * time.Second)
	for countListening(f.sender) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("session did not return to idle after aborted turn")
		}
		f.session.HandleStart(StartParams{})
		time.Sleep(5 * time.Millisecond)
	}
}

func countListening(s *recordSender) int {
	n := 0
	for _, ev := range s.snapshot() {
		if _, ok := ev.(listeningEvent); ok {
			n++
		}
	}
	return n
}

func TestSessionDebugStages(t *testing.T) {
	f := newFixture(t)
	f.llmMock.deltas = []string{"Ok."}
	// No stream chunks registered: the sentence goes through the
	// blocking fallback and its debug trail.
	f.ttsMock.fallbackAudio = make([]byte, 4800)

	f.session.HandleStart(StartParams{})
	f.sttMock.results <- stt.Result{Text: "hello", Final: true}
	close(f.sttMock.results)

	f.sender.waitFor(t, "tts_complete", func(ev any) bool {
		_, ok := ev.(ttsCompleteEvent)
		return ok
	})

	has := func(stage, status string) bool {
		for _, ev := range f.sender.snapshot() {
			if d, ok := ev.(debugEvent); ok && d.Stage == stage && d.Status == status {
				return true
			}
		}
		return false
	}
	for _, want := range [][2]string{
		{"asr", "start"}, {"asr", "end"},
		{"llm", "start"}, {"llm", "end"},
		{"tts", "start"}, {"tts", "fallback-start"}, {"tts", "fallback-complete"}, {"tts", "end"},
	} {
		if !has(want[0], want[1]) {
			t.Fatalf("missing debug event %s/%s", want[0], want[1])
		}
	}
	for _, ev := range f.sender.snapshot() {
		if d, ok := ev.(debugEvent); ok && d.Stage == "asr" && d.Status == "end" {
			if d.Extra["text"] != "hello" {
				t.Fatalf("asr end extra = %v", d.Extra)
			}
		}
	}
}

func TestSessionSeedHistoryAppends(t *testing.T) {
	f := newFixture(t)
	f.llmMock.deltas = []string{"Sure."}
	f.ttsMock.streamChunks["Sure."] = [][]byte{{1}}

	f.session.HandleStart(StartParams{History: []conversation.Message{
		{Role: conversation.RoleSystem, Content: "be brief"},
	}})
	f.sttMock.results <- stt.Result{Text: "hello", Final: true}
	close(f.sttMock.results)
	f.sender.waitFor(t, "tts_complete", func(ev any) bool {
		_, ok := ev.(ttsCompleteEvent)
		return ok
	})

	// A later start with its own seed extends the history rather than
	// replacing what earlier turns accumulated.
	f.session.HandleStart(StartParams{History: []conversation.Message{
		{Role: conversation.RoleUser, Content: "from an earlier session"},
	}})
	f.sender.waitFor(t, "second listening", func(ev any) bool {
		return countListening(f.sender) >= 2
	})

	f.session.mu.Lock()
	history := snapshotHistory(f.session.history)
	f.session.mu.Unlock()
	if len(history) != 4 {
		t.Fatalf("history = %v, want system+user+assistant+seed", history)
	}
	if history[3].Content != "from an earlier session" {
		t.Fatalf("last message = %v", history[3])
	}
}

func TestSessionFinalizeIdempotent(t *testing.T) {
	f := newFixture(t)
	f.llmMock.deltas = []string{"Ok."}
	f.ttsMock.streamChunks["Ok."] = [][]byte{{1}}

	f.session.HandleStart(StartParams{})
	// Final result lands, then stop's grace timer fires shortly after.
	f.sttMock.results <- stt.Result{Text: "hello", Final: true}
	close(f.sttMock.results)
	f.session.HandleStop()

	f.sender.waitFor(t, "tts_complete", func(ev any) bool {
		_, ok := ev.(ttsCompleteEvent)
		return ok
	})
	time.Sleep(60 * time.Millisecond) // let a duplicate grace finalize run if it exists

	var completions int
	for _, ev := range f.sender.snapshot() {
		if _, ok := ev.(ttsCompleteEvent); ok {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("tts_complete emitted %d times, want 1", completions)
	}
}

func TestSessionResetHistory(t *testing.T) {
	f := newFixture(t)
	f.llmMock.deltas = []string{"Sure."}
	f.ttsMock.streamChunks["Sure."] = [][]byte{{1}}

	seed := []conversation.Message{
		{Role: conversation.RoleSystem, Content: "be brief"},
		{Role: "bogus", Content: "skip me"},
		{Role: conversation.RoleUser, Content: ""},
	}
	f.session.HandleStart(StartParams{History: seed})
	f.sttMock.results <- stt.Result{Text: "hello", Final: true}
	close(f.sttMock.results)

	complete := f.sender.waitFor(t, "tts_complete", func(ev any) bool {
		_, ok := ev.(ttsCompleteEvent)
		return ok
	}).(ttsCompleteEvent)
	// Seed keeps only the valid system message; bogus entries skipped.
	if len(complete.History) != 3 || complete.History[0].Role != conversation.RoleSystem {
		t.Fatalf("history = %v", complete.History)
	}

	f.session.HandleResetHistory()
	f.session.HandleStart(StartParams{})
	f.sender.waitFor(t, "listening after reset", func(ev any) bool {
		_, ok := ev.(listeningEvent)
		return ok
	})
}

func TestSessionResetHistoryRejectedMidTurn(t *testing.T) {
	f := newFixture(t)
	f.session.HandleStart(StartParams{})
	f.sender.waitFor(t, "listening", func(ev any) bool {
		_, ok := ev.(listeningEvent)
		return ok
	})
	f.session.HandleResetHistory()
	f.sender.waitFor(t, "reset rejection", func(ev any) bool {
		e, ok := ev.(errorEvent)
		return ok && e.Code == CodeTurnInProgress
	})
	close(f.sttMock.results)
}

func TestSessionAudioDroppedWhenIdle(t *testing.T) {
	f := newFixture(t)
	f.session.HandleAudio([]byte{1, 2, 3})
	time.Sleep(20 * time.Millisecond)
	if f.sttMock.frameCount() != 0 {
		t.Fatalf("idle audio must be dropped")
	}
	if codes := f.sender.errorCodes(); len(codes) != 0 {
		t.Fatalf("idle audio must not produce errors: %v", codes)
	}
}

func TestSessionAnnounce(t *testing.T) {
	f := newFixture(t)
	f.session.Announce()
	ready := f.sender.waitFor(t, "ready", func(ev any) bool {
		_, ok := ev.(readyEvent)
		return ok
	}).(readyEvent)
	if ready.DefaultSTTProvider != "sherpa" || len(ready.STTProviders) != 1 {
		t.Fatalf("ready = %#v", ready)
	}
	close(f.sttMock.results)
}

func TestSessionSTTStreamError(t *testing.T) {
	f := newFixture(t)
	f.session.HandleStart(StartParams{})
	f.sttMock.results <- stt.Result{Err: errors.New("socket reset")}
	close(f.sttMock.results)
	// An error with no transcript behaves like silence.
	f.sender.waitFor(t, "stt error", func(ev any) bool {
		e, ok := ev.(errorEvent)
		return ok && e.Code == CodeSTTError
	})
	f.sender.waitFor(t, "no_speech", func(ev any) bool {
		_, ok := ev.(noSpeechEvent)
		return ok
	})
}
