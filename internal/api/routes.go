package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/internal/auth"
	"github.com/tilo305/JARVIS-TEST-N8N/internal/config"
	"github.com/tilo305/JARVIS-TEST-N8N/internal/metrics"
	"github.com/tilo305/JARVIS-TEST-N8N/internal/websocket"
)

// RouteDeps are the collaborators the HTTP routes read from. Tokens is nil
// when /ws authentication is disabled.
type RouteDeps struct {
	Hub       *websocket.Hub
	Tokens    *auth.TokenValidator
	Metrics   *metrics.Metrics
	Config    config.Config
	StartedAt time.Time
	Logger    *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps RouteDeps) {
	e.GET("/health", func(c echo.Context) error {
		return health(c, deps)
	})

	e.GET("/status", func(c echo.Context) error {
		return status(c, deps)
	})

	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	// WebSocket endpoint, JWT-protected when a secret is configured
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(c, deps)
	})
}

func health(c echo.Context, deps RouteDeps) error {
	cfg := deps.Config
	return c.JSON(http.StatusOK, HealthResponse{
		Status:         "healthy",
		Service:        cfg.ServiceName,
		Timestamp:      time.Now().UTC(),
		ActiveSessions: deps.Hub.Count(),
		Environment: HealthEnvironment{
			HasCartesiaKey: cfg.Cartesia.APIKey != "",
			HasWebhookURL:  cfg.Webhook.URL != "",
			VoiceID:        cfg.Cartesia.VoiceID,
			TTSModel:       cfg.Cartesia.TTSModel,
			STTProvider:    cfg.Providers.STT,
			TTSProvider:    cfg.Providers.TTS,
			LLMProvider:    cfg.Providers.LLM,
		},
	})
}

func status(c echo.Context, deps RouteDeps) error {
	cfg := deps.Config
	sessions := deps.Hub.Snapshot()
	if sessions == nil {
		sessions = []websocket.ClientInfo{}
	}

	persistence := "memory"
	if cfg.Storage.MongoURI != "" {
		persistence = "mongodb"
	}

	return c.JSON(http.StatusOK, StatusResponse{
		Service:        cfg.ServiceName,
		Environment:    cfg.Environment,
		StartedAt:      deps.StartedAt,
		UptimeSeconds:  int64(time.Since(deps.StartedAt).Seconds()),
		ActiveSessions: len(sessions),
		Sessions:       sessions,
		Config: StatusConfig{
			Port:                  cfg.Server.Port,
			CartesiaVersion:       cfg.Cartesia.Version,
			Language:              cfg.Cartesia.Language,
			WebhookTimeoutSeconds: cfg.Webhook.TimeoutSeconds,
			ConnectTimeoutSeconds: cfg.Session.ConnectTimeoutSeconds,
			Persistence:           persistence,
			AuthEnabled:           deps.Tokens != nil,
		},
	})
}

// websocketWithAuth handles WebSocket connections, checking the JWT token
// when authentication is enabled. A sessionId query parameter wins over the
// token's claim.
func websocketWithAuth(c echo.Context, deps RouteDeps) error {
	sessionID := c.QueryParam("sessionId")
	if deps.Tokens == nil {
		return deps.Hub.HandleWebSocket(c, sessionID)
	}

	token := c.QueryParam("token")
	if authHeader := c.Request().Header.Get("Authorization"); token == "" && strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}

	if token == "" {
		deps.Logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in the token query parameter or Authorization header",
		})
	}

	claims, err := deps.Tokens.ValidateToken(token)
	if err != nil {
		deps.Logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if sessionID == "" {
		sessionID = claims.SessionID
	}

	deps.Logger.Debug("WebSocket connection authenticated", zap.String("sessionID", sessionID))
	return deps.Hub.HandleWebSocket(c, sessionID)
}
