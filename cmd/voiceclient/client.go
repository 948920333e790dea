package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain"
)

// Turn is one user utterance, typed or spoken.
type Turn struct {
	Text       string
	Audio      []byte
	SampleRate int
	ChunkSize  int
}

// Result summarizes what the proxy sent back.
type Result struct {
	ConversationID string
	Transcript     string
	AudioChunks    int
	AudioBytes     int
	Cancelled      bool
}

// ErrNoReply is returned when the proxy never produced reply audio.
var ErrNoReply = errors.New("no reply audio received")

func buildURL(base, token, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func chunkAudio(data []byte, size int) [][]byte {
	if size <= 0 {
		size = len(data)
	}
	var chunks [][]byte
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// Converse runs a single turn on conn and writes decoded reply audio to out.
// It returns once no reply audio has arrived for idle, or on an error frame.
func Converse(ctx context.Context, conn *websocket.Conn, turn Turn, out io.Writer, idle time.Duration, logger *zap.Logger) (Result, error) {
	var result Result

	frames := make(chan domain.ServerMessage, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			var msg domain.ServerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			frames <- msg
		}
	}()

	if err := conn.WriteJSON(domain.ClientMessage{Type: domain.TypeStartConversation}); err != nil {
		return result, err
	}

	sent := false
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteJSON(domain.ClientMessage{Type: domain.TypeCancel})
			return result, ctx.Err()

		case <-timer.C:
			if result.AudioChunks == 0 {
				return result, ErrNoReply
			}
			return result, nil

		case msg, ok := <-frames:
			if !ok {
				return result, <-readErr
			}

			switch msg.Type {
			case domain.TypeConversationStarted:
				result.ConversationID = msg.ConversationID
				logger.Info("Conversation started", zap.String("conversationID", msg.ConversationID))
				if !sent {
					sent = true
					if err := sendTurn(conn, turn); err != nil {
						return result, err
					}
				}

			case domain.TypeTranscript:
				if msg.Transcript != nil {
					partial := msg.IsPartial != nil && *msg.IsPartial
					logger.Info("Transcript", zap.String("text", *msg.Transcript), zap.Bool("partial", partial))
					if !partial {
						result.Transcript = *msg.Transcript
					}
				}

			case domain.TypeAudioChunk:
				if msg.Audio == nil {
					continue
				}
				audio, err := base64.StdEncoding.DecodeString(msg.Audio.Data)
				if err != nil {
					return result, fmt.Errorf("decode reply audio: %w", err)
				}
				if _, err := out.Write(audio); err != nil {
					return result, err
				}
				result.AudioChunks++
				result.AudioBytes += len(audio)

			case domain.TypeError:
				return result, fmt.Errorf("proxy error: %s", msg.Error)

			case domain.TypeDone:
				result.Cancelled = true
				return result, nil

			default:
				logger.Warn("Unknown frame", zap.String("type", msg.Type))
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		}
	}
}

func sendTurn(conn *websocket.Conn, turn Turn) error {
	if turn.Text != "" {
		return conn.WriteJSON(domain.ClientMessage{Type: domain.TypeTextInput, Text: turn.Text})
	}

	for _, chunk := range chunkAudio(turn.Audio, turn.ChunkSize) {
		msg := domain.ClientMessage{
			Type: domain.TypeAudioChunk,
			Audio: &domain.AudioPayload{
				Data:       base64.StdEncoding.EncodeToString(chunk),
				Format:     "pcm_s16le",
				SampleRate: turn.SampleRate,
			},
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return conn.WriteJSON(domain.ClientMessage{Type: domain.TypeEndAudio})
}
