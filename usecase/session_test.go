package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/entities"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

const waitTimeout = 2 * time.Second

type fakeRecognizer struct {
	mu         sync.Mutex
	callbacks  repositories.RecognizerCallbacks
	connectErr error
	connected  bool
	closed     bool
	chunks     [][]byte
	finalizes  int
}

func (r *fakeRecognizer) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return r.connectErr
	}
	if r.closed {
		return domain.ErrAdapterClosed
	}
	r.connected = true
	return nil
}

func (r *fakeRecognizer) SendAudioChunk(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return domain.ErrNotConnected
	}
	r.chunks = append(r.chunks, data)
	return nil
}

func (r *fakeRecognizer) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return domain.ErrNotConnected
	}
	r.finalizes++
	return nil
}

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	r.closed = true
	return nil
}

func (r *fakeRecognizer) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRecognizer) finalizeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalizes
}

type speechCall struct {
	text      string
	contextID string
	cont      bool
	flush     bool
	flushID   string
}

// fakeSynthesizer answers each fragment with one audio chunk carrying the
// fragment text, then a flush acknowledgement when asked. With hold set it
// records calls and produces nothing. A non-nil gate blocks Connect until it
// is closed.
type fakeSynthesizer struct {
	mu        sync.Mutex
	callbacks repositories.SynthesizerCallbacks
	hold      bool
	gate      chan struct{}
	connected bool
	closed    bool
	contextID string
	calls     []speechCall
}

func (s *fakeSynthesizer) Connect(ctx context.Context) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrAdapterClosed
	}
	s.connected = true
	return nil
}

func (s *fakeSynthesizer) SetContextID(id string) {
	s.mu.Lock()
	s.contextID = id
	s.mu.Unlock()
}

func (s *fakeSynthesizer) GenerateSpeech(text string, continueTurn, flush bool, flushID string) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return domain.ErrNotConnected
	}
	s.calls = append(s.calls, speechCall{text: text, contextID: s.contextID, cont: continueTurn, flush: flush, flushID: flushID})
	hold := s.hold
	s.mu.Unlock()

	if hold {
		return nil
	}
	s.callbacks.OnAudio([]byte(text))
	if flush {
		s.callbacks.OnFlushDone(flushID)
	}
	return nil
}

func (s *fakeSynthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.closed = true
	return nil
}

func (s *fakeSynthesizer) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSynthesizer) speechCalls() []speechCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speechCall(nil), s.calls...)
}

func (s *fakeSynthesizer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type replyCall struct {
	text   string
	source entities.MessageSource
}

type fakeReplier struct {
	mu     sync.Mutex
	calls  []replyCall
	answer func(ctx context.Context, text string) (*repositories.Reply, error)
}

func (f *fakeReplier) Reply(ctx context.Context, conversationID, sessionID, text string, source entities.MessageSource) (*repositories.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, replyCall{text: text, source: source})
	answer := f.answer
	f.mu.Unlock()

	if answer == nil {
		return &repositories.Reply{Message: "Hi there."}, nil
	}
	return answer(ctx, text)
}

func (f *fakeReplier) replyCalls() []replyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]replyCall(nil), f.calls...)
}

type recordingEmitter struct {
	mu   sync.Mutex
	msgs []domain.ServerMessage
}

func (e *recordingEmitter) Send(msg domain.ServerMessage) error {
	e.mu.Lock()
	e.msgs = append(e.msgs, msg)
	e.mu.Unlock()
	return nil
}

func (e *recordingEmitter) messages() []domain.ServerMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.ServerMessage(nil), e.msgs...)
}

func (e *recordingEmitter) count(msgType string) int {
	n := 0
	for _, m := range e.messages() {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

type sessionHarness struct {
	session       *Session
	emitter       *recordingEmitter
	replier       *fakeReplier
	holdSynth     bool
	recognizerErr error
	// firstSynthGate holds the first synthesizer's Connect open.
	firstSynthGate chan struct{}

	mu           sync.Mutex
	recognizers  []*fakeRecognizer
	synthesizers []*fakeSynthesizer
}

func newHarness(t *testing.T, cfg SessionConfig, configure func(h *sessionHarness)) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		emitter: &recordingEmitter{},
		replier: &fakeReplier{},
	}
	if configure != nil {
		configure(h)
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = "conv-test"
	}

	h.session = NewSession(cfg, SessionDeps{
		NewRecognizer: func(cb repositories.RecognizerCallbacks) repositories.SpeechRecognizer {
			h.mu.Lock()
			defer h.mu.Unlock()
			r := &fakeRecognizer{callbacks: cb, connectErr: h.recognizerErr}
			h.recognizers = append(h.recognizers, r)
			return r
		},
		NewSynthesizer: func(cb repositories.SynthesizerCallbacks) repositories.SpeechSynthesizer {
			h.mu.Lock()
			defer h.mu.Unlock()
			s := &fakeSynthesizer{callbacks: cb, hold: h.holdSynth}
			if len(h.synthesizers) == 0 {
				s.gate = h.firstSynthGate
			}
			h.synthesizers = append(h.synthesizers, s)
			return s
		},
		Replier: h.replier,
		Emitter: h.emitter,
		Logger:  zaptest.NewLogger(t),
	})
	h.session.Start()
	t.Cleanup(h.session.Close)
	return h
}

func (h *sessionHarness) recognizer(i int) *fakeRecognizer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recognizers[i]
}

func (h *sessionHarness) synthesizer(i int) *fakeSynthesizer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.synthesizers[i]
}

func (h *sessionHarness) synthesizerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.synthesizers)
}

func (h *sessionHarness) start(t *testing.T) {
	t.Helper()
	h.session.HandleMessage(domain.ClientMessage{Type: domain.TypeStartConversation})
	waitFor(t, "conversation_started", func() bool {
		return h.emitter.count(domain.TypeConversationStarted) == 1
	})
}

func (h *sessionHarness) send(msg domain.ClientMessage) {
	h.session.HandleMessage(msg)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_RoundTrip(t *testing.T) {
	h := newHarness(t, SessionConfig{}, nil)
	h.start(t)

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "Hello"})
	waitFor(t, "return to idle", func() bool {
		return h.emitter.count(domain.TypeAudioChunk) > 0 && h.session.State() == StateIdle
	})

	msgs := h.emitter.messages()
	if msgs[0].Type != domain.TypeConversationStarted {
		t.Fatalf("first message = %s, want conversation_started", msgs[0].Type)
	}
	if msgs[1].Type != domain.TypeTranscript || *msgs[1].Transcript != "Hi there." || *msgs[1].IsPartial {
		t.Fatalf("second message = %+v, want final transcript of the reply", msgs[1])
	}
	for _, m := range msgs[2:] {
		if m.Type != domain.TypeAudioChunk {
			t.Errorf("unexpected %s after reply transcript", m.Type)
		}
		if m.ConversationID != "conv-test" {
			t.Errorf("audio chunk conversationId = %q", m.ConversationID)
		}
		if m.Audio.Format != domain.OutputAudioFormat {
			t.Errorf("audio format = %q", m.Audio.Format)
		}
	}

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "Again"})
	waitFor(t, "second gateway call", func() bool { return len(h.replier.replyCalls()) == 2 })

	calls := h.replier.replyCalls()
	if calls[0].source != entities.MessageSourceText {
		t.Errorf("source = %s, want text", calls[0].source)
	}
}

func TestSession_FragmentsShareContext(t *testing.T) {
	h := newHarness(t, SessionConfig{}, func(h *sessionHarness) {
		h.replier.answer = func(ctx context.Context, text string) (*repositories.Reply, error) {
			return &repositories.Reply{Message: "One. Two! Three?"}, nil
		}
	})
	h.start(t)

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "count"})
	waitFor(t, "turn to finish", func() bool {
		return len(h.synthesizer(0).speechCalls()) == 3 && h.session.State() == StateIdle
	})

	calls := h.synthesizer(0).speechCalls()
	contextID := calls[0].contextID
	if !strings.HasPrefix(contextID, "ctx-") {
		t.Fatalf("context id = %q", contextID)
	}
	wantText := []string{"One.", "Two!", "Three?"}
	for i, c := range calls {
		last := i == len(calls)-1
		if c.text != wantText[i] {
			t.Errorf("call %d text = %q, want %q", i, c.text, wantText[i])
		}
		if c.contextID != contextID {
			t.Errorf("call %d context = %q, want %q", i, c.contextID, contextID)
		}
		if c.cont == last {
			t.Errorf("call %d continue = %v", i, c.cont)
		}
		if c.flush != last {
			t.Errorf("call %d flush = %v", i, c.flush)
		}
		if (c.flushID != "") != last {
			t.Errorf("call %d flushID = %q", i, c.flushID)
		}
	}
	if got := h.emitter.count(domain.TypeAudioChunk); got != 3 {
		t.Errorf("audio chunks = %d, want 3", got)
	}
}

func TestSession_QueuesOverlappingInput(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, SessionConfig{}, func(h *sessionHarness) {
		h.replier.answer = func(ctx context.Context, text string) (*repositories.Reply, error) {
			if text == "first" {
				<-release
			}
			return &repositories.Reply{Message: "Reply to " + text + "."}, nil
		}
	})
	h.start(t)

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "first"})
	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "second"})
	waitFor(t, "first gateway call", func() bool { return len(h.replier.replyCalls()) == 1 })

	time.Sleep(50 * time.Millisecond)
	if n := len(h.replier.replyCalls()); n != 1 {
		t.Fatalf("gateway calls while first in flight = %d, want 1", n)
	}

	close(release)
	waitFor(t, "second turn", func() bool {
		return len(h.replier.replyCalls()) == 2 && h.session.State() == StateIdle
	})

	calls := h.replier.replyCalls()
	if calls[0].text != "first" || calls[1].text != "second" {
		t.Fatalf("gateway order = %+v", calls)
	}

	var replies []string
	for _, m := range h.emitter.messages() {
		if m.Type == domain.TypeTranscript {
			replies = append(replies, *m.Transcript)
		}
	}
	want := []string{"Reply to first.", "Reply to second."}
	if len(replies) != 2 || replies[0] != want[0] || replies[1] != want[1] {
		t.Fatalf("replies = %v, want %v", replies, want)
	}
}

func TestSession_GatewayTimeoutReleasesGuard(t *testing.T) {
	h := newHarness(t, SessionConfig{GatewayTimeout: 50 * time.Millisecond}, func(h *sessionHarness) {
		h.replier.answer = func(ctx context.Context, text string) (*repositories.Reply, error) {
			if text == "slow" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &repositories.Reply{Message: "Fast."}, nil
		}
	})
	h.start(t)

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "slow"})
	waitFor(t, "timeout error", func() bool { return h.emitter.count(domain.TypeError) == 1 })

	var errMsg string
	for _, m := range h.emitter.messages() {
		if m.Type == domain.TypeError {
			errMsg = m.Error
		}
	}
	if !strings.Contains(errMsg, "timed out") {
		t.Errorf("error = %q, want a timeout", errMsg)
	}

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "fast"})
	waitFor(t, "reply after timeout", func() bool {
		for _, m := range h.emitter.messages() {
			if m.Type == domain.TypeTranscript && *m.Transcript == "Fast." {
				return true
			}
		}
		return false
	})
	if got := h.emitter.count(domain.TypeError); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestSession_EndAudioWithoutChunks(t *testing.T) {
	h := newHarness(t, SessionConfig{}, nil)
	h.start(t)

	h.send(domain.ClientMessage{Type: domain.TypeEndAudio})
	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "marker"})
	waitFor(t, "marker turn", func() bool { return len(h.replier.replyCalls()) == 1 })

	if calls := h.replier.replyCalls(); calls[0].text != "marker" {
		t.Fatalf("gateway called with %q", calls[0].text)
	}
	if n := h.recognizer(0).finalizeCount(); n != 0 {
		t.Errorf("finalize calls = %d, want 0", n)
	}
	if n := h.emitter.count(domain.TypeError); n != 0 {
		t.Errorf("errors = %d, want 0", n)
	}
}

func TestSession_VoiceTurn(t *testing.T) {
	h := newHarness(t, SessionConfig{}, nil)
	h.start(t)
	rec := h.recognizer(0)

	h.send(domain.ClientMessage{Type: domain.TypeAudioChunk, AudioData: []byte{1, 2, 3, 4}})
	waitFor(t, "listening", func() bool { return h.session.State() == StateListening })

	rec.callbacks.OnTranscript("hello")
	rec.callbacks.OnTranscript("hello there")
	h.send(domain.ClientMessage{Type: domain.TypeEndAudio})
	waitFor(t, "finalize", func() bool { return rec.finalizeCount() == 1 })

	rec.callbacks.OnFinalized("")
	waitFor(t, "gateway call", func() bool { return len(h.replier.replyCalls()) == 1 })

	call := h.replier.replyCalls()[0]
	if call.text != "hello there" || call.source != entities.MessageSourceVoice {
		t.Fatalf("gateway call = %+v", call)
	}

	var transcripts []domain.ServerMessage
	for _, m := range h.emitter.messages() {
		if m.Type == domain.TypeTranscript {
			transcripts = append(transcripts, m)
		}
	}
	if len(transcripts) < 3 {
		t.Fatalf("transcripts = %d, want at least 3", len(transcripts))
	}
	want := []struct {
		text    string
		partial bool
	}{
		{"hello", true},
		{"hello there", true},
		{"hello there", false},
	}
	for i, w := range want {
		if *transcripts[i].Transcript != w.text || *transcripts[i].IsPartial != w.partial {
			t.Errorf("transcript %d = %q partial=%v, want %q partial=%v",
				i, *transcripts[i].Transcript, *transcripts[i].IsPartial, w.text, w.partial)
		}
	}
}

func TestSession_CancelEmitsSingleDone(t *testing.T) {
	h := newHarness(t, SessionConfig{}, func(h *sessionHarness) {
		h.holdSynth = true
		h.replier.answer = func(ctx context.Context, text string) (*repositories.Reply, error) {
			return &repositories.Reply{Message: "First sentence. Second sentence."}, nil
		}
	})
	h.start(t)
	synth := h.synthesizer(0)

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "talk"})
	waitFor(t, "fragments sent", func() bool { return len(synth.speechCalls()) == 2 })

	synth.callbacks.OnAudio([]byte{0, 0, 128, 63})
	waitFor(t, "first audio", func() bool { return h.emitter.count(domain.TypeAudioChunk) == 1 })

	h.send(domain.ClientMessage{Type: domain.TypeCancel})
	waitFor(t, "done", func() bool { return h.emitter.count(domain.TypeDone) == 1 })

	// Late audio from the closed synthesizer must not reach the client.
	synth.callbacks.OnAudio([]byte{0, 0, 128, 63})
	synth.callbacks.OnFlushDone(synth.speechCalls()[1].flushID)
	waitFor(t, "replacement synthesizer", func() bool { return h.synthesizerCount() == 2 })
	time.Sleep(50 * time.Millisecond)

	if !synth.isClosed() {
		t.Error("synthesizer not closed on cancel")
	}
	if got := h.emitter.count(domain.TypeDone); got != 1 {
		t.Errorf("done = %d, want 1", got)
	}
	if got := h.emitter.count(domain.TypeAudioChunk); got != 1 {
		t.Errorf("audio chunks = %d, want 1", got)
	}
	if h.session.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.session.State())
	}

	// The session keeps working on the replacement synthesizer.
	waitFor(t, "replacement connected", func() bool { return h.synthesizer(1).IsConnected() })
	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "again"})
	waitFor(t, "speech on replacement", func() bool { return len(h.synthesizer(1).speechCalls()) == 2 })
}

func TestSession_CancelDiscardsPendingUtterance(t *testing.T) {
	h := newHarness(t, SessionConfig{}, nil)
	h.start(t)
	rec := h.recognizer(0)

	h.send(domain.ClientMessage{Type: domain.TypeAudioChunk, AudioData: []byte{1, 2}})
	rec.callbacks.OnTranscript("never mind")
	h.send(domain.ClientMessage{Type: domain.TypeCancel})
	waitFor(t, "done", func() bool { return h.emitter.count(domain.TypeDone) == 1 })

	if n := rec.finalizeCount(); n != 1 {
		t.Fatalf("finalize calls = %d, want 1", n)
	}

	rec.callbacks.OnFinalized("never mind")
	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "marker"})
	waitFor(t, "marker turn", func() bool { return len(h.replier.replyCalls()) == 1 })

	if calls := h.replier.replyCalls(); calls[0].text != "marker" {
		t.Fatalf("gateway called with %q, want only the marker", calls[0].text)
	}
	for _, m := range h.emitter.messages() {
		if m.Type == domain.TypeTranscript && !*m.IsPartial && *m.Transcript == "never mind" {
			t.Fatal("cancelled utterance was promoted to a final transcript")
		}
	}
}

func TestSession_CancelWhileSpeakingFinalizesRecognizer(t *testing.T) {
	h := newHarness(t, SessionConfig{}, func(h *sessionHarness) {
		h.holdSynth = true
	})
	h.start(t)
	rec := h.recognizer(0)
	synth := h.synthesizer(0)

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "talk"})
	waitFor(t, "speaking", func() bool { return len(synth.speechCalls()) == 1 })

	h.send(domain.ClientMessage{Type: domain.TypeCancel})
	waitFor(t, "done", func() bool { return h.emitter.count(domain.TypeDone) == 1 })

	if n := rec.finalizeCount(); n != 1 {
		t.Fatalf("finalize calls = %d, want 1", n)
	}
	if !synth.isClosed() {
		t.Error("synthesizer not closed on cancel")
	}

	// The empty acknowledgement of that finalize is swallowed, and the next
	// utterance still goes through.
	rec.callbacks.OnFinalized("")
	h.send(domain.ClientMessage{Type: domain.TypeAudioChunk, AudioData: []byte{1, 2}})
	rec.callbacks.OnTranscript("next question")
	h.send(domain.ClientMessage{Type: domain.TypeEndAudio})
	waitFor(t, "second finalize", func() bool { return rec.finalizeCount() == 2 })
	rec.callbacks.OnFinalized("")

	waitFor(t, "voice turn", func() bool { return len(h.replier.replyCalls()) == 2 })
	if call := h.replier.replyCalls()[1]; call.text != "next question" {
		t.Fatalf("gateway called with %q, want %q", call.text, "next question")
	}
}

func TestSession_CancelDuringConnect(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, SessionConfig{}, func(h *sessionHarness) {
		h.firstSynthGate = gate
	})

	h.send(domain.ClientMessage{Type: domain.TypeStartConversation})
	waitFor(t, "synthesizer created", func() bool { return h.synthesizerCount() == 1 })
	first := h.synthesizer(0)

	h.send(domain.ClientMessage{Type: domain.TypeCancel})
	waitFor(t, "done", func() bool { return h.emitter.count(domain.TypeDone) == 1 })
	waitFor(t, "replacement synthesizer", func() bool { return h.synthesizerCount() == 2 })

	if !first.isClosed() {
		t.Fatal("connecting synthesizer not closed on cancel")
	}

	close(gate)
	waitFor(t, "conversation_started", func() bool {
		return h.emitter.count(domain.TypeConversationStarted) == 1
	})
	waitFor(t, "replacement connected", func() bool { return h.synthesizer(1).IsConnected() })

	if n := h.emitter.count(domain.TypeError); n != 0 {
		t.Errorf("errors = %d, want the stale connect result ignored", n)
	}

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "hello"})
	waitFor(t, "speech on replacement", func() bool { return len(h.synthesizer(1).speechCalls()) == 1 })
	if n := len(first.speechCalls()); n != 0 {
		t.Errorf("closed synthesizer received %d fragments", n)
	}
}

func TestSession_RejectKeepsSessionUsable(t *testing.T) {
	h := newHarness(t, SessionConfig{}, nil)
	h.start(t)

	h.session.Reject(&domain.ValidationError{Field: "audio.data", Message: "not base64"})
	waitFor(t, "error", func() bool { return h.emitter.count(domain.TypeError) == 1 })

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "still here"})
	waitFor(t, "gateway call", func() bool { return len(h.replier.replyCalls()) == 1 })
}

func TestSession_EmptyTextInput(t *testing.T) {
	h := newHarness(t, SessionConfig{}, nil)
	h.start(t)

	h.send(domain.ClientMessage{Type: domain.TypeTextInput})
	waitFor(t, "error", func() bool { return h.emitter.count(domain.TypeError) == 1 })

	if n := len(h.replier.replyCalls()); n != 0 {
		t.Errorf("gateway calls = %d, want 0", n)
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	h := newHarness(t, SessionConfig{}, func(h *sessionHarness) {
		h.recognizerErr = &domain.ConnectionError{Provider: "fake", Err: errors.New("refused")}
	})

	h.send(domain.ClientMessage{Type: domain.TypeStartConversation})
	waitFor(t, "error", func() bool { return h.emitter.count(domain.TypeError) == 1 })

	if n := h.emitter.count(domain.TypeConversationStarted); n != 0 {
		t.Errorf("conversation_started = %d, want 0", n)
	}

	h.send(domain.ClientMessage{Type: domain.TypeAudioChunk, AudioData: []byte{1, 2}})
	h.send(domain.ClientMessage{Type: domain.TypeEndAudio})
	time.Sleep(50 * time.Millisecond)
	if n := h.emitter.count(domain.TypeError); n != 1 {
		t.Errorf("errors = %d, want dropped audio to stay silent", n)
	}
}

func TestSession_DrainTimeout(t *testing.T) {
	h := newHarness(t, SessionConfig{DrainTimeout: 50 * time.Millisecond}, func(h *sessionHarness) {
		h.holdSynth = true
	})
	h.start(t)

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "hello"})
	waitFor(t, "drain timeout", func() bool {
		return h.emitter.count(domain.TypeError) == 1 && h.session.State() == StateIdle
	})

	h.send(domain.ClientMessage{Type: domain.TypeTextInput, Text: "again"})
	waitFor(t, "next turn", func() bool { return len(h.replier.replyCalls()) == 2 })
}

func TestTurnState_String(t *testing.T) {
	tests := map[TurnState]string{
		StateIdle:      "idle",
		StateListening: "listening",
		StateThinking:  "thinking",
		StateSpeaking:  "speaking",
		TurnState(42):  "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
