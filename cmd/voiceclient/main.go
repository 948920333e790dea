package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/internal/auth"
)

// voiceclient drives one turn against a running proxy: either a typed
// message or a raw PCM file streamed as audio chunks. Received reply audio
// is appended to -out.
func main() {
	var (
		serverURL  = flag.String("url", "ws://localhost:3001/ws", "proxy WebSocket URL")
		sessionID  = flag.String("session", "", "session id forwarded to the workflow")
		secret     = flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used to mint a token when the proxy requires one")
		text       = flag.String("text", "", "send this text instead of audio")
		audioPath  = flag.String("audio", "", "raw PCM file to stream")
		sampleRate = flag.Int("rate", 16000, "sample rate of -audio")
		chunkSize  = flag.Int("chunk", 3200, "bytes per audio chunk")
		outPath    = flag.String("out", "reply.f32", "file receiving reply audio")
		idle       = flag.Duration("idle", 3*time.Second, "stop after this long without reply audio")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	turn := Turn{Text: *text, SampleRate: *sampleRate, ChunkSize: *chunkSize}
	if turn.Text == "" {
		if *audioPath == "" {
			logger.Fatal("Either -text or -audio is required")
		}
		audio, err := os.ReadFile(*audioPath)
		if err != nil {
			logger.Fatal("Failed to read audio file", zap.Error(err))
		}
		turn.Audio = audio
	}

	token := ""
	if *secret != "" {
		var err error
		token, err = auth.NewTokenValidator(*secret).GenerateToken(*sessionID, time.Hour)
		if err != nil {
			logger.Fatal("Failed to mint token", zap.Error(err))
		}
	}

	target, err := buildURL(*serverURL, token, *sessionID)
	if err != nil {
		logger.Fatal("Invalid proxy URL", zap.Error(err))
	}

	logger.Info("Connecting", zap.String("url", *serverURL))
	conn, resp, err := websocket.DefaultDialer.Dial(target, http.Header{})
	if err != nil {
		if resp != nil {
			logger.Fatal("Handshake rejected", zap.Int("status", resp.StatusCode), zap.Error(err))
		}
		logger.Fatal("Dial failed", zap.Error(err))
	}
	defer conn.Close()

	out, err := os.Create(*outPath)
	if err != nil {
		logger.Fatal("Failed to create output file", zap.Error(err))
	}
	defer out.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := Converse(ctx, conn, turn, out, *idle, logger)
	if err != nil {
		logger.Error("Conversation failed", zap.Error(err))
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	logger.Info("Turn finished",
		zap.String("conversationID", result.ConversationID),
		zap.String("transcript", result.Transcript),
		zap.Int("audioChunks", result.AudioChunks),
		zap.Int("audioBytes", result.AudioBytes),
		zap.String("output", *outPath))
}
