package speech

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

// bytesPerWord is how much 16 kHz s16le audio the mock recognizer needs
// before it "hears" another word (a quarter second).
const bytesPerWord = 8000

const mockPhrase = "hello jarvis what is the weather like today"

// emitter runs callbacks on one goroutine so events keep their order and
// never run on the caller's stack.
type emitter struct {
	events chan func()
	done   chan struct{}
	once   sync.Once
}

func newEmitter() *emitter {
	e := &emitter{events: make(chan func(), 256), done: make(chan struct{})}
	go func() {
		for {
			select {
			case fn := <-e.events:
				fn()
			case <-e.done:
				return
			}
		}
	}()
	return e
}

func (e *emitter) emit(fn func()) {
	select {
	case e.events <- fn:
	case <-e.done:
	}
}

func (e *emitter) stop() {
	e.once.Do(func() { close(e.done) })
}

// MockRecognizer transcribes by audio length: every quarter second of audio
// reveals one more word of a fixed phrase.
type MockRecognizer struct {
	callbacks repositories.RecognizerCallbacks
	logger    *zap.Logger

	mu       sync.Mutex
	open     bool
	closed   bool
	received int
	last     string
	emitter  *emitter
}

var _ repositories.SpeechRecognizer = (*MockRecognizer)(nil)

// NewMockRecognizer creates a new mock speech recognizer
func NewMockRecognizer(callbacks repositories.RecognizerCallbacks, logger *zap.Logger) *MockRecognizer {
	return &MockRecognizer{callbacks: callbacks, logger: logger}
}

// Connect implements repositories.SpeechRecognizer
func (m *MockRecognizer) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock-stt: %w", domain.ErrAdapterClosed)
	}
	if !m.open {
		m.open = true
		m.emitter = newEmitter()
	}
	return nil
}

// IsConnected implements repositories.SpeechRecognizer
func (m *MockRecognizer) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// SendAudioChunk implements repositories.SpeechRecognizer
func (m *MockRecognizer) SendAudioChunk(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return fmt.Errorf("mock-stt: %w", domain.ErrNotConnected)
	}

	m.received += len(data)
	words := strings.Fields(mockPhrase)
	n := m.received/bytesPerWord + 1
	if n > len(words) {
		n = len(words)
	}
	text := strings.Join(words[:n], " ")
	if text == m.last {
		return nil
	}
	m.last = text
	if m.callbacks.OnTranscript != nil {
		m.emitter.emit(func() { m.callbacks.OnTranscript(text) })
	}
	return nil
}

// Finalize implements repositories.SpeechRecognizer
func (m *MockRecognizer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return fmt.Errorf("mock-stt: %w", domain.ErrNotConnected)
	}

	text := m.last
	m.last = ""
	m.received = 0
	m.logger.Debug("Mock recognizer finalized", zap.String("text", text))
	if m.callbacks.OnFinalized != nil {
		m.emitter.emit(func() { m.callbacks.OnFinalized(text) })
	}
	return nil
}

// Close implements repositories.SpeechRecognizer
func (m *MockRecognizer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.closed = true
	if m.emitter != nil {
		m.emitter.stop()
	}
	return nil
}

// MockSynthesizer produces a short sine tone per fragment, sized by the
// fragment's length, as 32-bit float PCM at 24 kHz.
type MockSynthesizer struct {
	callbacks repositories.SynthesizerCallbacks
	logger    *zap.Logger

	mu        sync.Mutex
	open      bool
	closed    bool
	contextID string
	emitter   *emitter
}

var _ repositories.SpeechSynthesizer = (*MockSynthesizer)(nil)

// NewMockSynthesizer creates a new mock speech synthesizer
func NewMockSynthesizer(callbacks repositories.SynthesizerCallbacks, logger *zap.Logger) *MockSynthesizer {
	return &MockSynthesizer{callbacks: callbacks, logger: logger}
}

// Connect implements repositories.SpeechSynthesizer
func (m *MockSynthesizer) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock-tts: %w", domain.ErrAdapterClosed)
	}
	if !m.open {
		m.open = true
		m.emitter = newEmitter()
	}
	return nil
}

// IsConnected implements repositories.SpeechSynthesizer
func (m *MockSynthesizer) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// SetContextID implements repositories.SpeechSynthesizer
func (m *MockSynthesizer) SetContextID(id string) {
	m.mu.Lock()
	m.contextID = id
	m.mu.Unlock()
}

// GenerateSpeech implements repositories.SpeechSynthesizer
func (m *MockSynthesizer) GenerateSpeech(text string, continueTurn, flush bool, flushID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return fmt.Errorf("mock-tts: %w", domain.ErrNotConnected)
	}

	m.logger.Debug("Mock synthesizing fragment",
		zap.String("contextID", m.contextID),
		zap.String("text", text),
		zap.Bool("continue", continueTurn),
		zap.Bool("flush", flush))

	audio := tone(len(text))
	if m.callbacks.OnAudio != nil {
		m.emitter.emit(func() { m.callbacks.OnAudio(audio) })
	}
	if flush && m.callbacks.OnFlushDone != nil {
		m.emitter.emit(func() { m.callbacks.OnFlushDone(flushID) })
	}
	return nil
}

// Close implements repositories.SpeechSynthesizer
func (m *MockSynthesizer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.closed = true
	if m.emitter != nil {
		m.emitter.stop()
	}
	return nil
}

// tone returns 10 ms of 440 Hz per character, as f32le at 24 kHz.
func tone(chars int) []byte {
	if chars < 1 {
		chars = 1
	}
	samples := chars * 240
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		v := float32(0.2 * math.Sin(2*math.Pi*440*float64(i)/24000))
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
