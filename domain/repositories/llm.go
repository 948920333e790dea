package repositories

import "context"

// Reply is the text-generation gateway's answer to one transcript.
type Reply struct {
	Message string
	// Transcript is the echoed input when the gateway provides one.
	Transcript string
	// Raw is the full decoded payload.
	Raw map[string]any
}

// TextGenerator sends a finalized utterance to the text-generation gateway.
// Calls are not idempotent on the remote side and must not be retried blindly.
type TextGenerator interface {
	SendTranscript(ctx context.Context, text, sessionID string) (*Reply, error)
}
