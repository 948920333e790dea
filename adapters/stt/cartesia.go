package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

const (
	cartesiaProvider = "cartesia-stt"

	defaultCartesiaBaseURL = "wss://api.cartesia.ai"
	defaultCartesiaVersion = "2025-04-16"
	defaultCartesiaModel   = "ink-whisper"
	defaultLanguage        = "en"

	// Input audio contract: 16-bit signed little-endian PCM, 16 kHz, mono.
	InputEncoding   = "pcm_s16le"
	InputSampleRate = 16000

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

func (s connState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// CartesiaConfig holds configuration for the Cartesia streaming recognizer
type CartesiaConfig struct {
	APIKey         string
	BaseURL        string
	Version        string
	Model          string
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
	if config.Model == "" {
		config.Model = defaultCartesiaModel
	}
	if config.Language == "" {
		config.Language = defaultLanguage
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaultConnectTimeout
	}
	return nil
}

type cartesiaControl struct {
	Type string `json:"type"`
}

type cartesiaResponse struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CartesiaRecognizer streams audio to Cartesia's speech-to-text websocket.
type CartesiaRecognizer struct {
	config    CartesiaConfig
	callbacks repositories.RecognizerCallbacks
	logger    *zap.Logger

	mu       sync.Mutex
	state    connState
	conn     *websocket.Conn
	lastText string

	writeMu sync.Mutex
}

var _ repositories.SpeechRecognizer = (*CartesiaRecognizer)(nil)

// NewCartesiaRecognizer builds an unconnected recognizer. config must have
// passed ValidateCartesiaConfig.
func NewCartesiaRecognizer(config CartesiaConfig, callbacks repositories.RecognizerCallbacks, logger *zap.Logger) *CartesiaRecognizer {
	return &CartesiaRecognizer{
		config:    config,
		callbacks: callbacks,
		logger:    logger.With(zap.String("provider", cartesiaProvider)),
	}
}

func (r *CartesiaRecognizer) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(r.config.BaseURL, "/") + "/stt/websocket")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", r.config.APIKey)
	q.Set("cartesia_version", r.config.Version)
	q.Set("model", r.config.Model)
	q.Set("language", r.config.Language)
	q.Set("encoding", InputEncoding)
	q.Set("sample_rate", strconv.Itoa(InputSampleRate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the streaming connection. It is a no-op when already open.
func (r *CartesiaRecognizer) Connect(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case stateOpen:
		r.mu.Unlock()
		return nil
	case stateClosed:
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", cartesiaProvider, domain.ErrAdapterClosed)
	case stateConnecting:
		r.mu.Unlock()
		return fmt.Errorf("%s: connect already in progress", cartesiaProvider)
	}
	r.state = stateConnecting
	r.mu.Unlock()

	endpoint, err := r.endpoint()
	if err != nil {
		r.setState(stateClosed)
		return &domain.ConnectionError{Provider: cartesiaProvider, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: r.config.ConnectTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		r.setState(stateClosed)
		r.logger.Error("Failed to connect to speech recognition service", zap.Error(err))
		return &domain.ConnectionError{Provider: cartesiaProvider, Err: err}
	}

	r.mu.Lock()
	if r.state == stateClosed {
		// Closed while dialing.
		r.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%s: %w", cartesiaProvider, domain.ErrAdapterClosed)
	}
	r.conn = conn
	r.state = stateOpen
	r.mu.Unlock()

	r.logger.Info("Connected to speech recognition service")
	go r.readLoop(conn)
	return nil
}

func (r *CartesiaRecognizer) setState(state connState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// IsConnected reports whether the connection is open
func (r *CartesiaRecognizer) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateOpen
}

func (r *CartesiaRecognizer) openConn() (*websocket.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateOpen || r.conn == nil {
		return nil, fmt.Errorf("%s: %w", cartesiaProvider, domain.ErrNotConnected)
	}
	return r.conn, nil
}

func (r *CartesiaRecognizer) write(conn *websocket.Conn, messageType int, data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

// SendAudioChunk forwards raw PCM bytes as one binary frame.
func (r *CartesiaRecognizer) SendAudioChunk(data []byte) error {
	conn, err := r.openConn()
	if err != nil {
		return err
	}
	if err := r.write(conn, websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%s: send audio: %w", cartesiaProvider, err)
	}
	return nil
}

// Finalize asks the service to commit the current utterance.
func (r *CartesiaRecognizer) Finalize() error {
	conn, err := r.openConn()
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(cartesiaControl{Type: "finalize"})
	if err := r.write(conn, websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%s: finalize: %w", cartesiaProvider, err)
	}
	return nil
}

// Close sends the done signal and closes the connection. Safe to call more than once.
func (r *CartesiaRecognizer) Close() error {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return nil
	}
	conn := r.conn
	r.state = stateClosed
	r.conn = nil
	r.mu.Unlock()

	if conn == nil {
		return nil
	}

	payload, _ := json.Marshal(cartesiaControl{Type: "done"})
	if err := r.write(conn, websocket.TextMessage, payload); err != nil {
		r.logger.Debug("Failed to send done before close", zap.Error(err))
	}
	_ = r.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.logger.Info("Closed speech recognition connection")
	return conn.Close()
}

func (r *CartesiaRecognizer) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			unexpected := r.state == stateOpen && r.conn == conn
			if unexpected {
				r.state = stateClosed
				r.conn = nil
			}
			r.mu.Unlock()

			if unexpected {
				conn.Close()
				r.logger.Warn("Speech recognition connection lost", zap.Error(err))
				r.emitError(&domain.ConnectionError{Provider: cartesiaProvider, Err: err})
			}
			return
		}

		if messageType != websocket.TextMessage {
			r.logger.Debug("Ignoring non-text frame from recognizer", zap.Int("type", messageType))
			continue
		}
		r.handleMessage(data)
	}
}

func (r *CartesiaRecognizer) handleMessage(data []byte) {
	var resp cartesiaResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		r.emitError(&domain.ProtocolError{Provider: cartesiaProvider, Message: "malformed message: " + err.Error()})
		return
	}

	switch resp.Type {
	case "transcript":
		if resp.Text == "" {
			return
		}
		r.mu.Lock()
		r.lastText = resp.Text
		r.mu.Unlock()
		if r.callbacks.OnTranscript != nil {
			r.callbacks.OnTranscript(resp.Text)
		}

	case "flush_done", "done":
		r.mu.Lock()
		text := r.lastText
		r.lastText = ""
		r.mu.Unlock()
		if r.callbacks.OnFinalized != nil {
			r.callbacks.OnFinalized(text)
		}

	case "error":
		message := resp.Error
		if message == "" {
			message = resp.Message
		}
		if message == "" {
			message = "unknown error"
		}
		r.emitError(&domain.ProtocolError{Provider: cartesiaProvider, Message: message})

	default:
		r.logger.Debug("Ignoring recognizer message", zap.String("type", resp.Type))
	}
}

func (r *CartesiaRecognizer) emitError(err error) {
	if r.callbacks.OnError != nil {
		r.callbacks.OnError(err)
	}
}
