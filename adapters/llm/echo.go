package llm

import (
	"context"
	"strings"
	"time"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

// EchoGenerator answers every transcript by repeating it. Used with
// LLM_PROVIDER=mock for local development without a workflow.
type EchoGenerator struct {
	Delay time.Duration
}

var _ repositories.TextGenerator = (*EchoGenerator)(nil)

// SendTranscript returns "You said: <text>."
func (e *EchoGenerator) SendTranscript(ctx context.Context, text, sessionID string) (*repositories.Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &domain.ValidationError{Field: "transcript", Message: "must not be empty"}
	}

	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	message := "You said: " + strings.TrimRight(text, ".!?") + "."
	return &repositories.Reply{Message: message, Transcript: text}, nil
}
