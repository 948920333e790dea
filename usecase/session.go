package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/entities"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
	"github.com/tilo305/JARVIS-TEST-N8N/internal/metrics"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultGatewayTimeout = 30 * time.Second
	DefaultDrainTimeout   = 30 * time.Second

	eventBufferSize = 256
)

// Turn outcomes reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Emitter delivers frames to the client.
type Emitter interface {
	Send(msg domain.ServerMessage) error
}

// Replier turns committed user input into a gateway reply.
type Replier interface {
	Reply(ctx context.Context, conversationID, sessionID, text string, source entities.MessageSource) (*repositories.Reply, error)
}

// TurnState is the position of a session in its turn cycle.
type TurnState int32

const (
	StateIdle TurnState = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// SessionConfig holds per-connection settings. Zero timeouts use defaults.
type SessionConfig struct {
	ConversationID string
	SessionID      string
	ConnectTimeout time.Duration
	GatewayTimeout time.Duration
	// DrainTimeout bounds the silence between synthesized audio chunks while
	// a reply is being spoken.
	DrainTimeout time.Duration
}

// SessionDeps are the collaborators a session needs. Metrics may be nil.
type SessionDeps struct {
	NewRecognizer  repositories.RecognizerFactory
	NewSynthesizer repositories.SynthesizerFactory
	Replier        Replier
	Emitter        Emitter
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

type (
	clientEvent struct {
		msg domain.ClientMessage
	}
	rejectEvent struct {
		err error
	}
	// connectResult reports a start_conversation connect. A zero gen means
	// that adapter was already open and took no part.
	connectResult struct {
		recognizerGen  uint64
		synthesizerGen uint64
		recognizerErr  error
		synthesizerErr error
	}
	synthReady struct {
		gen uint64
		err error
	}
	partialEvent struct {
		gen  uint64
		text string
	}
	finalizedEvent struct {
		gen  uint64
		text string
	}
	recognizerError struct {
		gen uint64
		err error
	}
	audioEvent struct {
		gen   uint64
		chunk []byte
	}
	flushDoneEvent struct {
		gen     uint64
		flushID string
	}
	synthesizerError struct {
		gen uint64
		err error
	}
	gatewayResult struct {
		turnID  uint64
		reply   *repositories.Reply
		err     error
		elapsed time.Duration
	}
	drainExpired struct {
		turnID uint64
	}
)

type pendingInput struct {
	text   string
	source entities.MessageSource
}

// turn is one gateway call plus the synthesis of its reply.
type turn struct {
	id        uint64
	source    entities.MessageSource
	cancel    context.CancelFunc
	fragments []string
	spoken    bool
	flushID   string
	drain     *time.Timer
	startedAt time.Time
}

// Session coordinates one client's conversation: recognition, the gateway
// call and synthesis. All state is owned by the run goroutine; adapter
// callbacks and client frames reach it as events.
type Session struct {
	cfg     SessionConfig
	deps    SessionDeps
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan any
	stopped chan struct{}

	startOnce sync.Once
	started   atomic.Bool
	state     atomic.Int32

	// Owned by run.
	recognizer        repositories.SpeechRecognizer
	recognizerGen     uint64
	synthesizer       repositories.SpeechSynthesizer
	synthesizerGen    uint64
	synthConnecting   bool
	connecting        bool
	contextID         string
	isGeneratingReply bool
	lastTranscript    string
	utteranceChunks   int
	awaitingFinal     bool
	suppressFinal     bool
	discardFinals     int
	queue             []pendingInput
	turn              *turn
	turnSeq           uint64
}

// NewSession creates a session. Call Start to begin processing.
func NewSession(cfg SessionConfig, deps SessionDeps) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = DefaultGatewayTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With(zap.String("conversationID", cfg.ConversationID)),
		metrics: deps.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan any, eventBufferSize),
		stopped: make(chan struct{}),
	}
}

// State returns the current turn state. Safe for concurrent use.
func (s *Session) State() TurnState {
	return TurnState(s.state.Load())
}

// Start launches the event loop.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.metrics.RecordSessionStart()
		go s.run()
	})
}

// HandleMessage queues a decoded client frame for processing.
func (s *Session) HandleMessage(msg domain.ClientMessage) {
	s.post(clientEvent{msg: msg})
}

// Reject reports a client frame that could not be decoded.
func (s *Session) Reject(err error) {
	s.post(rejectEvent{err: err})
}

// Close tears the session down and waits for the event loop to exit. Both
// adapters are closed and any in-flight gateway call is cancelled.
func (s *Session) Close() {
	s.cancel()
	if s.started.Load() {
		<-s.stopped
	}
}

func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer close(s.stopped)
	defer s.teardown()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

func (s *Session) dispatch(ev any) {
	switch e := ev.(type) {
	case clientEvent:
		s.handleClient(e.msg)
	case rejectEvent:
		s.emitError(e.err)
	case connectResult:
		s.handleConnected(e)
	case synthReady:
		s.handleSynthReady(e)
	case partialEvent:
		s.handlePartial(e)
	case finalizedEvent:
		s.handleFinalized(e)
	case recognizerError:
		s.handleRecognizerError(e)
	case audioEvent:
		s.handleAudio(e)
	case flushDoneEvent:
		s.handleFlushDone(e)
	case synthesizerError:
		s.handleSynthesizerError(e)
	case gatewayResult:
		s.handleGatewayResult(e)
	case drainExpired:
		s.handleDrainExpired(e)
	default:
		s.logger.Warn("Unknown session event", zap.Any("event", ev))
	}
}

func (s *Session) handleClient(msg domain.ClientMessage) {
	switch msg.Type {
	case domain.TypeStartConversation:
		s.startConversation()
	case domain.TypeAudioChunk:
		s.forwardAudio(msg.AudioData)
	case domain.TypeEndAudio:
		s.endAudio()
	case domain.TypeTextInput:
		if msg.Text == "" {
			s.emitError(&domain.ValidationError{Field: "text", Message: "text must not be empty"})
			return
		}
		s.submit(msg.Text, entities.MessageSourceText)
	case domain.TypeCancel:
		s.cancelTurn()
	default:
		s.emitError(&domain.ValidationError{Field: "type", Message: "unknown message type " + msg.Type})
	}
}

// startConversation connects whichever adapters are not already open.
func (s *Session) startConversation() {
	if s.connecting {
		s.logger.Debug("Connect already in progress")
		return
	}

	var rec repositories.SpeechRecognizer
	var syn repositories.SpeechSynthesizer
	if s.recognizer == nil || !s.recognizer.IsConnected() {
		rec = s.replaceRecognizer()
	}
	if s.synthesizer == nil || !s.synthesizer.IsConnected() {
		syn = s.replaceSynthesizer()
	}
	if rec == nil && syn == nil {
		s.emit(domain.NewConversationStarted(s.cfg.ConversationID))
		return
	}

	s.connecting = true
	result := connectResult{}
	if rec != nil {
		result.recognizerGen = s.recognizerGen
	}
	if syn != nil {
		result.synthesizerGen = s.synthesizerGen
	}
	timeout := s.cfg.ConnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		// Each adapter connects on its own; a cancel may close the
		// synthesizer mid-connect without aborting the recognizer.
		var g errgroup.Group
		if rec != nil {
			g.Go(func() error {
				result.recognizerErr = rec.Connect(ctx)
				return nil
			})
		}
		if syn != nil {
			g.Go(func() error {
				result.synthesizerErr = syn.Connect(ctx)
				return nil
			})
		}
		_ = g.Wait()
		s.post(result)
	}()
}

func (s *Session) handleConnected(res connectResult) {
	s.connecting = false

	recErr := res.recognizerErr
	if res.recognizerGen != 0 && res.recognizerGen != s.recognizerGen {
		recErr = nil
	}
	// A synthesizer replaced by cancel reports through synthReady instead.
	synCurrent := res.synthesizerGen != 0 && res.synthesizerGen == s.synthesizerGen
	synErr := res.synthesizerErr
	if !synCurrent {
		synErr = nil
	} else {
		s.synthConnecting = false
	}

	// A reply may have arrived while the synthesizer was still connecting.
	t := s.turn
	waiting := t != nil && s.State() == StateSpeaking && !t.spoken

	if recErr != nil || synErr != nil {
		if recErr != nil {
			s.emitError(recErr)
		}
		if synErr != nil {
			s.emitError(synErr)
			if waiting {
				s.finishTurn(OutcomeFailed)
			}
		}
		return
	}
	s.logger.Info("Conversation started")
	s.emit(domain.NewConversationStarted(s.cfg.ConversationID))

	if waiting && synCurrent && s.synthesizer.IsConnected() {
		s.speak()
	}
}

func (s *Session) replaceRecognizer() repositories.SpeechRecognizer {
	if s.recognizer != nil {
		_ = s.recognizer.Close()
	}
	s.recognizerGen++
	gen := s.recognizerGen
	s.recognizer = s.deps.NewRecognizer(repositories.RecognizerCallbacks{
		OnTranscript: func(text string) { s.post(partialEvent{gen: gen, text: text}) },
		OnFinalized:  func(text string) { s.post(finalizedEvent{gen: gen, text: text}) },
		OnError:      func(err error) { s.post(recognizerError{gen: gen, err: err}) },
	})
	s.utteranceChunks = 0
	s.awaitingFinal = false
	s.suppressFinal = false
	s.discardFinals = 0
	return s.recognizer
}

func (s *Session) replaceSynthesizer() repositories.SpeechSynthesizer {
	if s.synthesizer != nil {
		_ = s.synthesizer.Close()
	}
	s.synthesizerGen++
	gen := s.synthesizerGen
	s.synthesizer = s.deps.NewSynthesizer(repositories.SynthesizerCallbacks{
		OnAudio:     func(chunk []byte) { s.post(audioEvent{gen: gen, chunk: chunk}) },
		OnFlushDone: func(flushID string) { s.post(flushDoneEvent{gen: gen, flushID: flushID}) },
		OnError:     func(err error) { s.post(synthesizerError{gen: gen, err: err}) },
	})
	return s.synthesizer
}

// connectSynthesizer opens a fresh synthesizer outside of start_conversation,
// after a cancel or a dropped connection.
func (s *Session) connectSynthesizer() {
	syn := s.replaceSynthesizer()
	gen := s.synthesizerGen
	s.synthConnecting = true
	timeout := s.cfg.ConnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		s.post(synthReady{gen: gen, err: syn.Connect(ctx)})
	}()
}

func (s *Session) handleSynthReady(e synthReady) {
	if e.gen != s.synthesizerGen {
		return
	}
	s.synthConnecting = false

	t := s.turn
	waiting := t != nil && s.State() == StateSpeaking && !t.spoken
	if e.err != nil {
		if waiting {
			s.emitError(e.err)
			s.finishTurn(OutcomeFailed)
			return
		}
		s.logger.Warn("Failed to reconnect synthesizer", zap.Error(e.err))
		return
	}
	if waiting {
		s.speak()
	}
}

func (s *Session) forwardAudio(data []byte) {
	if len(data) == 0 {
		s.logger.Warn("Ignoring empty audio chunk")
		return
	}
	if s.recognizer == nil {
		s.dropChunk(len(data))
		return
	}
	if err := s.recognizer.SendAudioChunk(data); err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			s.dropChunk(len(data))
			return
		}
		s.emitError(err)
		return
	}

	s.metrics.RecordAudio(metrics.DirectionUpstream, len(data))
	s.utteranceChunks++
	if s.State() == StateIdle {
		s.setState(StateListening)
	}
}

func (s *Session) dropChunk(size int) {
	s.logger.Debug("Dropping audio chunk, recognizer not connected", zap.Int("bytes", size))
	s.metrics.RecordDroppedChunk()
}

func (s *Session) endAudio() {
	if s.utteranceChunks == 0 {
		s.logger.Debug("end_audio with no buffered audio")
		if s.State() == StateListening {
			s.setState(StateIdle)
		}
		return
	}

	chunks := s.utteranceChunks
	s.utteranceChunks = 0
	if s.recognizer == nil {
		s.emitError(domain.ErrNotConnected)
		s.leaveListening()
		return
	}
	if err := s.recognizer.Finalize(); err != nil {
		s.emitError(err)
		s.leaveListening()
		return
	}
	s.awaitingFinal = true
	s.logger.Debug("Finalizing utterance", zap.Int("chunks", chunks))
}

func (s *Session) leaveListening() {
	if s.State() == StateListening {
		s.setState(StateIdle)
	}
}

func (s *Session) handlePartial(e partialEvent) {
	if e.gen != s.recognizerGen || s.suppressFinal {
		return
	}
	s.lastTranscript = e.text
	s.emit(domain.NewTranscript(s.cfg.ConversationID, e.text, true))
}

func (s *Session) handleFinalized(e finalizedEvent) {
	if e.gen != s.recognizerGen {
		return
	}
	if !s.suppressFinal && e.text == "" && s.discardFinals > 0 {
		// Acknowledges a finalize issued by cancel with nothing buffered.
		s.discardFinals--
		return
	}
	s.awaitingFinal = false

	text := e.text
	if text == "" {
		text = s.lastTranscript
	}
	s.lastTranscript = ""

	if s.suppressFinal {
		s.suppressFinal = false
		s.logger.Debug("Discarding utterance finalized by cancel")
		return
	}
	if text == "" {
		s.leaveListening()
		return
	}

	s.emit(domain.NewTranscript(s.cfg.ConversationID, text, false))
	s.submit(text, entities.MessageSourceVoice)
}

func (s *Session) handleRecognizerError(e recognizerError) {
	if e.gen != s.recognizerGen {
		return
	}
	s.emitError(e.err)
	if s.recognizer != nil && !s.recognizer.IsConnected() {
		s.utteranceChunks = 0
		s.awaitingFinal = false
		s.suppressFinal = false
		s.discardFinals = 0
		s.lastTranscript = ""
		s.leaveListening()
	}
}

// submit starts a turn, or queues the input while a reply is in flight.
func (s *Session) submit(text string, source entities.MessageSource) {
	if s.isGeneratingReply {
		s.queue = append(s.queue, pendingInput{text: text, source: source})
		s.logger.Debug("Reply in flight, queued input", zap.Int("queued", len(s.queue)))
		return
	}
	s.beginTurn(pendingInput{text: text, source: source})
}

func (s *Session) beginTurn(in pendingInput) {
	s.turnSeq++
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.GatewayTimeout)
	t := &turn{
		id:        s.turnSeq,
		source:    in.source,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	s.turn = t
	s.isGeneratingReply = true
	s.contextID = ""
	s.setState(StateThinking)

	s.logger.Info("Sending input to gateway",
		zap.Uint64("turn", t.id),
		zap.String("source", string(in.source)),
		zap.Int("length", len(in.text)))

	timeout := s.cfg.GatewayTimeout
	go func() {
		start := time.Now()
		reply, err := s.deps.Replier.Reply(ctx, s.cfg.ConversationID, s.cfg.SessionID, in.text, in.source)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &domain.TimeoutError{Op: "gateway request", After: timeout}
		}
		s.post(gatewayResult{turnID: t.id, reply: reply, err: err, elapsed: time.Since(start)})
	}()
}

func (s *Session) handleGatewayResult(r gatewayResult) {
	t := s.turn
	if t == nil || t.id != r.turnID {
		s.logger.Debug("Ignoring stale gateway result", zap.Uint64("turn", r.turnID))
		return
	}

	if r.err != nil {
		s.metrics.RecordGateway(domain.ErrorKind(r.err), r.elapsed)
		s.emitError(r.err)
		var timeoutErr *domain.TimeoutError
		if errors.As(r.err, &timeoutErr) {
			s.finishTurn(OutcomeTimeout)
		} else {
			s.finishTurn(OutcomeFailed)
		}
		return
	}
	s.metrics.RecordGateway("ok", r.elapsed)

	s.emit(domain.NewTranscript(s.cfg.ConversationID, r.reply.Message, false))

	t.fragments = SplitSentences(r.reply.Message)
	if len(t.fragments) == 0 {
		s.finishTurn(OutcomeCompleted)
		return
	}

	s.contextID = "ctx-" + uuid.NewString()
	s.setState(StateSpeaking)

	switch {
	case s.synthesizer != nil && s.synthesizer.IsConnected():
		s.speak()
	case s.synthConnecting || s.connecting:
		s.logger.Debug("Waiting for synthesizer to connect")
	default:
		s.connectSynthesizer()
	}
}

// speak sends every fragment of the current reply under one context id. Only
// the last fragment flushes.
func (s *Session) speak() {
	t := s.turn
	t.spoken = true
	s.synthesizer.SetContextID(s.contextID)

	for i, fragment := range t.fragments {
		last := i == len(t.fragments)-1
		flushID := ""
		if last {
			flushID = "flush-" + uuid.NewString()
			t.flushID = flushID
		}
		if err := s.synthesizer.GenerateSpeech(fragment, !last, last, flushID); err != nil {
			s.emitError(err)
			s.finishTurn(OutcomeFailed)
			return
		}
	}

	id := t.id
	t.drain = time.AfterFunc(s.cfg.DrainTimeout, func() { s.post(drainExpired{turnID: id}) })
	s.logger.Debug("Reply sent to synthesizer",
		zap.Int("fragments", len(t.fragments)),
		zap.String("contextID", s.contextID))
}

func (s *Session) handleAudio(e audioEvent) {
	t := s.turn
	if e.gen != s.synthesizerGen || t == nil || s.State() != StateSpeaking {
		return
	}
	if t.drain != nil {
		t.drain.Reset(s.cfg.DrainTimeout)
	}
	s.metrics.RecordAudio(metrics.DirectionDownstream, len(e.chunk))
	s.emit(domain.NewAudioChunk(s.cfg.ConversationID, base64.StdEncoding.EncodeToString(e.chunk)))
}

func (s *Session) handleFlushDone(e flushDoneEvent) {
	t := s.turn
	if e.gen != s.synthesizerGen || t == nil || t.flushID == "" || e.flushID != t.flushID {
		return
	}
	s.finishTurn(OutcomeCompleted)
}

func (s *Session) handleSynthesizerError(e synthesizerError) {
	if e.gen != s.synthesizerGen {
		return
	}
	s.emitError(e.err)
	if s.turn != nil && s.State() == StateSpeaking && s.turn.spoken {
		s.finishTurn(OutcomeFailed)
	}
}

func (s *Session) handleDrainExpired(e drainExpired) {
	t := s.turn
	if t == nil || t.id != e.turnID {
		return
	}
	s.emitError(&domain.TimeoutError{Op: "speech synthesis", After: s.cfg.DrainTimeout})
	s.finishTurn(OutcomeTimeout)
}

// finishTurn releases the reply guard and starts the next queued input.
func (s *Session) finishTurn(outcome string) {
	t := s.turn
	if t == nil {
		return
	}
	t.cancel()
	if t.drain != nil {
		t.drain.Stop()
	}
	s.metrics.RecordTurn(string(t.source), outcome, time.Since(t.startedAt))

	s.turn = nil
	s.isGeneratingReply = false
	s.contextID = ""
	if s.utteranceChunks > 0 || s.awaitingFinal {
		s.setState(StateListening)
	} else {
		s.setState(StateIdle)
	}

	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.beginTurn(next)
	}
}

// cancelTurn interrupts whatever is in progress. It always emits exactly one
// done frame.
func (s *Session) cancelTurn() {
	if s.recognizer != nil && s.recognizer.IsConnected() {
		switch err := s.recognizer.Finalize(); {
		case err != nil:
			s.logger.Debug("Finalize on cancel failed", zap.Error(err))
		case s.utteranceChunks > 0:
			s.awaitingFinal = true
		default:
			s.discardFinals++
		}
	}
	if s.awaitingFinal {
		s.suppressFinal = true
	}

	if t := s.turn; t != nil {
		t.cancel()
		if t.drain != nil {
			t.drain.Stop()
		}
		s.metrics.RecordTurn(string(t.source), OutcomeCancelled, time.Since(t.startedAt))
		s.turn = nil
	}

	// Closing discards in-flight audio. A connect still running for the old
	// synthesizer becomes stale.
	if s.synthesizer != nil {
		s.connectSynthesizer()
	}

	s.queue = nil
	s.lastTranscript = ""
	s.utteranceChunks = 0
	s.contextID = ""
	s.isGeneratingReply = false

	s.metrics.RecordCancel()
	s.emit(domain.NewDone(s.cfg.ConversationID))
	s.setState(StateIdle)
	s.logger.Info("Turn cancelled")
}

func (s *Session) teardown() {
	if t := s.turn; t != nil {
		t.cancel()
		if t.drain != nil {
			t.drain.Stop()
		}
		s.turn = nil
	}
	if s.recognizer != nil {
		_ = s.recognizer.Close()
	}
	if s.synthesizer != nil {
		_ = s.synthesizer.Close()
	}
	s.setState(StateIdle)
	s.metrics.RecordSessionEnd()
	s.logger.Info("Session closed")
}

func (s *Session) setState(next TurnState) {
	prev := TurnState(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("State transition",
			zap.Stringer("from", prev),
			zap.Stringer("to", next))
	}
}

func (s *Session) emit(msg domain.ServerMessage) {
	if err := s.deps.Emitter.Send(msg); err != nil {
		s.logger.Debug("Failed to send to client",
			zap.String("type", msg.Type),
			zap.Error(err))
	}
}

func (s *Session) emitError(err error) {
	kind := domain.ErrorKind(err)
	s.logger.Warn("Session error", zap.String("kind", kind), zap.Error(err))
	s.metrics.RecordError(kind)
	s.emit(domain.NewError(s.cfg.ConversationID, err.Error()))
}
