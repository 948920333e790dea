package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

const (
	cartesiaProvider = "cartesia-tts"

	defaultCartesiaBaseURL = "wss://api.cartesia.ai"
	defaultCartesiaVersion = "2025-04-16"
	defaultCartesiaModelID = "sonic-turbo"
	defaultCartesiaVoiceID = "95131c95-525c-463b-893d-803bafdf93c4"
	defaultCartesiaLang    = "en"

	// Output audio contract: 32-bit float little-endian PCM, 24 kHz, mono.
	OutputEncoding   = "pcm_f32le"
	OutputSampleRate = 24000

	defaultConnectTimeout = 10 * time.Second
	writeWait             = 10 * time.Second
)

type connState int

const (
	stateNew connState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// CartesiaConfig holds configuration for the Cartesia streaming synthesizer
type CartesiaConfig struct {
	APIKey         string
	BaseURL        string
	Version        string
	ModelID        string
	VoiceID        string
	Language       string
	ConnectTimeout time.Duration
}

// ValidateCartesiaConfig fills defaults and checks required fields
func ValidateCartesiaConfig(config *CartesiaConfig) error {
	if config.APIKey == "" {
		return errors.New("cartesia API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultCartesiaBaseURL
	}
	if config.Version == "" {
		config.Version = defaultCartesiaVersion
	}
	if config.ModelID == "" {
		config.ModelID = defaultCartesiaModelID
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultCartesiaVoiceID
	}
	if config.Language == "" {
		config.Language = defaultCartesiaLang
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	return nil
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language"`
	Continue     bool                 `json:"continue"`
	Flush        bool                 `json:"flush"`
	ContextID    string               `json:"context_id,omitempty"`
	FlushID      string               `json:"flush_id,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// cartesiaResponse is a JSON control frame. Audio normally arrives as binary
// frames; "chunk" frames carry base64 audio in Data.
type cartesiaResponse struct {
	Type      string `json:"type"`
	ContextID string `json:"context_id"`
	FlushID   string `json:"flush_id"`
	Data      string `json:"data"`
	Done      bool   `json:"done"`
	Error     string `json:"error"`
}

// CartesiaSynthesizer streams text fragments to Cartesia's text-to-speech
// websocket and relays audio back through callbacks.
type CartesiaSynthesizer struct {
	config    CartesiaConfig
	callbacks repositories.SynthesizerCallbacks
	logger    *zap.Logger

	mu        sync.Mutex
	state     connState
	conn      *websocket.Conn
	contextID string

	writeMu sync.Mutex
}

var _ repositories.SpeechSynthesizer = (*CartesiaSynthesizer)(nil)

// NewCartesiaSynthesizer builds an unconnected synthesizer. config must have
// passed ValidateCartesiaConfig.
func NewCartesiaSynthesizer(config CartesiaConfig, callbacks repositories.SynthesizerCallbacks, logger *zap.Logger) *CartesiaSynthesizer {
	return &CartesiaSynthesizer{
		config:    config,
		callbacks: callbacks,
		logger:    logger.With(zap.String("provider", cartesiaProvider)),
	}
}

func (c *CartesiaSynthesizer) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/") + "/tts/websocket")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", c.config.APIKey)
	q.Set("cartesia_version", c.config.Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the streaming connection. It is a no-op when already open.
func (c *CartesiaSynthesizer) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateOpen:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", cartesiaProvider, domain.ErrAdapterClosed)
	case stateConnecting:
		c.mu.Unlock()
		return fmt.Errorf("%s: connect already in progress", cartesiaProvider)
	}
	c.state = stateConnecting
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		c.markClosed()
		return &domain.ConnectionError{Provider: cartesiaProvider, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.config.ConnectTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		c.markClosed()
		c.logger.Error("Failed to connect to speech synthesis service", zap.Error(err))
		return &domain.ConnectionError{Provider: cartesiaProvider, Err: err}
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%s: %w", cartesiaProvider, domain.ErrAdapterClosed)
	}
	c.conn = conn
	c.state = stateOpen
	c.mu.Unlock()

	c.logger.Info("Connected to speech synthesis service")
	go c.readLoop(conn)
	return nil
}

func (c *CartesiaSynthesizer) markClosed() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
}

// IsConnected reports whether the connection is open
func (c *CartesiaSynthesizer) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// SetContextID sets the context id attached to subsequent fragments
func (c *CartesiaSynthesizer) SetContextID(id string) {
	c.mu.Lock()
	c.contextID = id
	c.mu.Unlock()
}

// GenerateSpeech sends one fragment. Non-final fragments use continueTurn=true;
// the last one sets flush with a flushID that is echoed in flush_done.
func (c *CartesiaSynthesizer) GenerateSpeech(text string, continueTurn, flush bool, flushID string) error {
	c.mu.Lock()
	if c.state != stateOpen || c.conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", cartesiaProvider, domain.ErrNotConnected)
	}
	conn := c.conn
	contextID := c.contextID
	c.mu.Unlock()

	request := cartesiaRequest{
		ModelID:    c.config.ModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.config.VoiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   OutputEncoding,
			SampleRate: OutputSampleRate,
		},
		Language:  c.config.Language,
		Continue:  continueTurn,
		Flush:     flush,
		ContextID: contextID,
	}
	if flush {
		request.FlushID = flushID
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", cartesiaProvider, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%s: send fragment: %w", cartesiaProvider, err)
	}

	c.logger.Debug("Sent synthesis fragment",
		zap.String("contextID", contextID),
		zap.Int("length", len(text)),
		zap.Bool("continue", continueTurn),
		zap.Bool("flush", flush))
	return nil
}

// Close closes the connection and discards any in-flight audio. Safe to call more than once.
func (c *CartesiaSynthesizer) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.state = stateClosed
	c.conn = nil
	c.contextID = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.logger.Info("Closed speech synthesis connection")
	return conn.Close()
}

func (c *CartesiaSynthesizer) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			unexpected := c.state == stateOpen && c.conn == conn
			if unexpected {
				c.state = stateClosed
				c.conn = nil
			}
			c.mu.Unlock()

			if unexpected {
				conn.Close()
				c.logger.Warn("Speech synthesis connection lost", zap.Error(err))
				c.emitError(&domain.ConnectionError{Provider: cartesiaProvider, Err: err})
			}
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame classifies a frame by its first byte: '{' is a JSON control
// message, anything else is raw audio.
func (c *CartesiaSynthesizer) handleFrame(data []byte) {
	if len(data) == 0 {
		return
	}
	if data[0] != '{' {
		if c.callbacks.OnAudio != nil {
			c.callbacks.OnAudio(data)
		}
		return
	}

	var resp cartesiaResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.emitError(&domain.ProtocolError{Provider: cartesiaProvider, Message: "malformed control frame: " + err.Error()})
		return
	}

	switch resp.Type {
	case "chunk":
		audio, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			c.emitError(&domain.ProtocolError{Provider: cartesiaProvider, Message: "invalid audio chunk encoding"})
			return
		}
		if len(audio) > 0 && c.callbacks.OnAudio != nil {
			c.callbacks.OnAudio(audio)
		}

	case "flush_done":
		if c.callbacks.OnFlushDone != nil {
			c.callbacks.OnFlushDone(resp.FlushID)
		}

	case "error":
		message := resp.Error
		if message == "" {
			message = "unknown error"
		}
		c.emitError(&domain.ProtocolError{Provider: cartesiaProvider, Message: message})

	case "done", "timestamps", "phoneme_timestamps":
		c.logger.Debug("Synthesis control frame", zap.String("type", resp.Type), zap.String("contextID", resp.ContextID))

	default:
		c.logger.Debug("Ignoring synthesis message", zap.String("type", resp.Type))
	}
}

func (c *CartesiaSynthesizer) emitError(err error) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}
