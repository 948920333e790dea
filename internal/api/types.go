package api

import (
	"time"

	"github.com/tilo305/JARVIS-TEST-N8N/internal/websocket"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status         string            `json:"status"`
	Service        string            `json:"service"`
	Timestamp      time.Time         `json:"timestamp"`
	ActiveSessions int               `json:"activeSessions"`
	Environment    HealthEnvironment `json:"environment"`
}

// HealthEnvironment reports which upstreams are configured without exposing
// secrets
type HealthEnvironment struct {
	HasCartesiaKey bool   `json:"hasCartesiaKey"`
	HasWebhookURL  bool   `json:"hasWebhookUrl"`
	VoiceID        string `json:"voiceId"`
	TTSModel       string `json:"ttsModel"`
	STTProvider    string `json:"sttProvider"`
	TTSProvider    string `json:"ttsProvider"`
	LLMProvider    string `json:"llmProvider"`
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Service        string                 `json:"service"`
	Environment    string                 `json:"environment"`
	StartedAt      time.Time              `json:"startedAt"`
	UptimeSeconds  int64                  `json:"uptimeSeconds"`
	ActiveSessions int                    `json:"activeSessions"`
	Sessions       []websocket.ClientInfo `json:"sessions"`
	Config         StatusConfig           `json:"config"`
}

// StatusConfig is the non-secret part of the running configuration
type StatusConfig struct {
	Port                  int    `json:"port"`
	CartesiaVersion       string `json:"cartesiaVersion"`
	Language              string `json:"language"`
	WebhookTimeoutSeconds int    `json:"webhookTimeoutSeconds"`
	ConnectTimeoutSeconds int    `json:"connectTimeoutSeconds"`
	Persistence           string `json:"persistence"`
	AuthEnabled           bool   `json:"authEnabled"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
