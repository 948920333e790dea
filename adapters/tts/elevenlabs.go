package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

const (
	elevenLabsProvider = "elevenlabs-tts"

	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM"   // Rachel voice
	defaultChunkSize    = 4096                     // Bytes read from the response per relay
	defaultOutputFormat = "pcm_24000"              // s16le at the synthesis output rate
	defaultModelID      = "eleven_multilingual_v2" // Default model ID
	defaultStability    = 0.5                      // Default voice stability
	defaultClarity      = 0.75                     // Default voice clarity/similarity_boost
	fragmentQueueSize   = 32
)

// ElevenLabsConfig holds configuration for the ElevenLabs synthesizer
// Required fields:
// - APIKey: Your Eleven Labs API key
// Optional fields fall back to the defaults above.
type ElevenLabsConfig struct {
	APIKey     string
	APIBaseURL string
	VoiceID    string
	ModelID    string
	ChunkSize  int
	Stability  float64
	Clarity    float64
	HTTPClient *http.Client
}

// ElevenLabsVoiceSettings represents voice settings for Eleven Labs API
type ElevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// ElevenLabsRequest represents the request payload for Eleven Labs TTS API
type ElevenLabsRequest struct {
	Text                   string                  `json:"text"`
	ModelID                string                  `json:"model_id"`
	VoiceSettings          ElevenLabsVoiceSettings `json:"voice_settings"`
	ApplyTextNormalization string                  `json:"apply_text_normalization,omitempty"`
	PreviousText           string                  `json:"previous_text,omitempty"`
}

// ValidateElevenLabsConfig validates the config and applies defaults
func ValidateElevenLabsConfig(config *ElevenLabsConfig, logger *zap.Logger) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}
	if config.Stability < 0 || config.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}
	if config.Clarity < 0 || config.Clarity > 1 {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}
	if config.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
		logger.Info("Using default voice ID", zap.String("voiceID", config.VoiceID))
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
		logger.Info("Using default model ID", zap.String("modelID", config.ModelID))
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = defaultChunkSize
	}
	if config.Stability == 0 {
		config.Stability = defaultStability
	}
	if config.Clarity == 0 {
		config.Clarity = defaultClarity
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return nil
}

type fragment struct {
	text      string
	contextID string
	flush     bool
	flushID   string
}

// ElevenLabsSynthesizer implements SpeechSynthesizer over the ElevenLabs HTTP
// streaming endpoint. Fragments are synthesized one at a time in send order;
// fragments sharing a context id pass the earlier text as previous_text so
// prosody carries across sentences. PCM s16le output is converted to f32le.
type ElevenLabsSynthesizer struct {
	config    ElevenLabsConfig
	callbacks repositories.SynthesizerCallbacks
	logger    *zap.Logger

	mu        sync.Mutex
	state     connState
	contextID string
	queue     chan fragment
	ctx       context.Context
	cancel    context.CancelFunc
}

var _ repositories.SpeechSynthesizer = (*ElevenLabsSynthesizer)(nil)

// NewElevenLabsSynthesizer builds an unconnected synthesizer. config must have
// passed ValidateElevenLabsConfig.
func NewElevenLabsSynthesizer(config ElevenLabsConfig, callbacks repositories.SynthesizerCallbacks, logger *zap.Logger) *ElevenLabsSynthesizer {
	return &ElevenLabsSynthesizer{
		config:    config,
		callbacks: callbacks,
		logger:    logger.With(zap.String("provider", elevenLabsProvider)),
	}
}

// Connect starts the fragment worker. There is no persistent upstream socket.
func (e *ElevenLabsSynthesizer) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateOpen:
		return nil
	case stateClosed:
		return fmt.Errorf("%s: %w", elevenLabsProvider, domain.ErrAdapterClosed)
	}

	if err := ctx.Err(); err != nil {
		e.state = stateClosed
		return &domain.ConnectionError{Provider: elevenLabsProvider, Err: err}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.queue = make(chan fragment, fragmentQueueSize)
	e.state = stateOpen
	go e.worker(e.ctx, e.queue)
	return nil
}

// IsConnected reports whether the worker is running
func (e *ElevenLabsSynthesizer) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateOpen
}

// SetContextID sets the context id attached to subsequent fragments
func (e *ElevenLabsSynthesizer) SetContextID(id string) {
	e.mu.Lock()
	e.contextID = id
	e.mu.Unlock()
}

// GenerateSpeech queues one fragment for synthesis
func (e *ElevenLabsSynthesizer) GenerateSpeech(text string, continueTurn, flush bool, flushID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateOpen {
		return fmt.Errorf("%s: %w", elevenLabsProvider, domain.ErrNotConnected)
	}

	select {
	case e.queue <- fragment{text: text, contextID: e.contextID, flush: flush, flushID: flushID}:
		return nil
	default:
		return fmt.Errorf("%s: fragment queue full", elevenLabsProvider)
	}
}

// Close stops the worker and aborts any in-flight request
func (e *ElevenLabsSynthesizer) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateClosed {
		return nil
	}
	e.state = stateClosed
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

func (e *ElevenLabsSynthesizer) worker(ctx context.Context, queue <-chan fragment) {
	var (
		previousContext string
		previousText    strings.Builder
	)

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-queue:
			if f.contextID != previousContext {
				previousContext = f.contextID
				previousText.Reset()
			}

			if err := e.synthesize(ctx, f.text, previousText.String()); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Error("Speech synthesis request failed", zap.Error(err))
				if e.callbacks.OnError != nil {
					e.callbacks.OnError(err)
				}
				continue
			}

			if previousText.Len() > 0 {
				previousText.WriteString(" ")
			}
			previousText.WriteString(f.text)

			if f.flush && e.callbacks.OnFlushDone != nil {
				e.callbacks.OnFlushDone(f.flushID)
			}
		}
	}
}

func (e *ElevenLabsSynthesizer) synthesize(ctx context.Context, text, previousText string) error {
	request := ElevenLabsRequest{
		Text:                   text,
		ModelID:                e.config.ModelID,
		ApplyTextNormalization: "auto",
		PreviousText:           previousText,
		VoiceSettings: ElevenLabsVoiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.Clarity,
			UseSpeakerBoost: true,
		},
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&enable_logging=false",
		e.config.APIBaseURL, e.config.VoiceID, defaultOutputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/pcm")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.config.HTTPClient.Do(httpReq)
	if err != nil {
		return &domain.ConnectionError{Provider: elevenLabsProvider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &domain.ProtocolError{
			Provider:   elevenLabsProvider,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(errorBody)),
		}
	}

	buffer := make([]byte, e.config.ChunkSize)
	var carry []byte
	for {
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			pcm := append(carry, buffer[:n]...)
			even := len(pcm) &^ 1
			if even > 0 && e.callbacks.OnAudio != nil {
				e.callbacks.OnAudio(PCM16ToFloat32(pcm[:even]))
			}
			carry = append([]byte(nil), pcm[even:]...)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("%s: read audio: %w", elevenLabsProvider, readErr)
		}
	}
}

// PCM16ToFloat32 converts signed 16-bit little-endian samples to 32-bit float
// little-endian samples in [-1, 1). A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []byte {
	samples := len(pcm) / 2
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(sample)/32768.0))
	}
	return out
}
