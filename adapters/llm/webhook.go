package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

const (
	webhookProvider       = "n8n-webhook"
	defaultWebhookTimeout = 30 * time.Second
	maxResponseBytes      = 1 << 20
	maxErrorBodyBytes     = 2048
)

// WebhookConfig holds configuration for the n8n webhook client
type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// ValidateWebhookConfig checks the URL and applies defaults
func ValidateWebhookConfig(config *WebhookConfig) error {
	if config.URL == "" {
		return errors.New("webhook URL is required")
	}
	parsed, err := url.Parse(config.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("webhook URL must be an absolute http(s) URL, got %q", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultWebhookTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return nil
}

// webhookRequest is the body posted to the workflow. The transcript is sent
// under three keys because existing workflows read different ones.
type webhookRequest struct {
	Message   string `json:"message"`
	Text      string `json:"text"`
	Input     string `json:"input"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"sessionId,omitempty"`
}

// WebhookClient posts finalized transcripts to an n8n workflow webhook
type WebhookClient struct {
	config WebhookConfig
	logger *zap.Logger
	now    func() time.Time
}

var _ repositories.TextGenerator = (*WebhookClient)(nil)

// NewWebhookClient creates a webhook client
func NewWebhookClient(config WebhookConfig, logger *zap.Logger) (*WebhookClient, error) {
	if err := ValidateWebhookConfig(&config); err != nil {
		return nil, err
	}
	return &WebhookClient{
		config: config,
		logger: logger.With(zap.String("provider", webhookProvider)),
		now:    time.Now,
	}, nil
}

// SendTranscript posts text and returns the workflow's reply
func (w *WebhookClient) SendTranscript(ctx context.Context, text, sessionID string) (*repositories.Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &domain.ValidationError{Field: "transcript", Message: "must not be empty"}
	}

	body, err := json.Marshal(webhookRequest{
		Message:   text,
		Text:      text,
		Input:     text,
		Timestamp: w.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := w.config.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			w.logger.Warn("Webhook call timed out", zap.Duration("elapsed", time.Since(start)))
			return nil, &domain.TimeoutError{Op: "text generation webhook", After: w.config.Timeout}
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &domain.ConnectionError{Provider: webhookProvider, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.TimeoutError{Op: "text generation webhook", After: w.config.Timeout}
		}
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := strings.TrimSpace(string(payload))
		if len(message) > maxErrorBodyBytes {
			message = message[:maxErrorBodyBytes]
		}
		return nil, &domain.ProtocolError{Provider: webhookProvider, StatusCode: resp.StatusCode, Message: message}
	}

	reply, err := parseReply(payload)
	if err != nil {
		return nil, err
	}

	w.logger.Debug("Webhook replied",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("replyLength", len(reply.Message)))
	return reply, nil
}

func parseReply(payload []byte) (*repositories.Reply, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &domain.ProtocolError{Provider: webhookProvider, Message: "response is not a JSON object"}
	}

	message, ok := raw["message"].(string)
	if !ok || strings.TrimSpace(message) == "" {
		return nil, &domain.ProtocolError{Provider: webhookProvider, Message: "response is missing the message field"}
	}

	reply := &repositories.Reply{Message: message, Raw: raw}
	if transcript, ok := raw["transcript"].(string); ok {
		reply.Transcript = transcript
	}
	return reply, nil
}
