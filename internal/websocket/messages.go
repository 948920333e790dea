package websocket

import (
	"encoding/base64"
	"encoding/json"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
)

// Accepted range for the sampleRate hint on audio_chunk frames.
const (
	minSampleRate = 8000
	maxSampleRate = 48000
)

// MessageValidator decodes and validates client frames.
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage decodes a JSON text frame. Audio payloads are decoded from
// base64 into AudioData. Failures are *domain.ValidationError.
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (domain.ClientMessage, error) {
	var msg domain.ClientMessage
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		return domain.ClientMessage{}, &domain.ValidationError{Message: "invalid JSON format"}
	}

	switch msg.Type {
	case domain.TypeStartConversation, domain.TypeEndAudio, domain.TypeCancel:
		return msg, nil

	case domain.TypeTextInput:
		if msg.Text == "" {
			return domain.ClientMessage{}, &domain.ValidationError{Field: "text", Message: "text is required"}
		}
		return msg, nil

	case domain.TypeAudioChunk:
		if err := v.decodeAudio(&msg); err != nil {
			return domain.ClientMessage{}, err
		}
		return msg, nil

	case "":
		return domain.ClientMessage{}, &domain.ValidationError{Field: "type", Message: "type is required"}

	default:
		return domain.ClientMessage{}, &domain.ValidationError{Field: "type", Message: "unsupported message type: " + msg.Type}
	}
}

func (v *MessageValidator) decodeAudio(msg *domain.ClientMessage) error {
	if msg.Audio == nil || msg.Audio.Data == "" {
		return &domain.ValidationError{Field: "audio.data", Message: "audio data is required"}
	}
	if rate := msg.Audio.SampleRate; rate != 0 && (rate < minSampleRate || rate > maxSampleRate) {
		return &domain.ValidationError{Field: "audio.sampleRate", Message: "sample rate must be between 8000 and 48000"}
	}

	data, err := base64.StdEncoding.DecodeString(msg.Audio.Data)
	if err != nil {
		return &domain.ValidationError{Field: "audio.data", Message: "audio data is not valid base64"}
	}
	msg.AudioData = data
	return nil
}

// BinaryAudioMessage wraps a binary frame as an audio_chunk. Binary frames
// carry raw 16-bit PCM without the base64 envelope.
func BinaryAudioMessage(conversationID string, payload []byte) domain.ClientMessage {
	return domain.ClientMessage{
		Type:           domain.TypeAudioChunk,
		ConversationID: conversationID,
		AudioData:      payload,
	}
}
