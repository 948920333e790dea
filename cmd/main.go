package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/adapters"
	"github.com/tilo305/JARVIS-TEST-N8N/adapters/llm"
	"github.com/tilo305/JARVIS-TEST-N8N/adapters/mongo"
	"github.com/tilo305/JARVIS-TEST-N8N/adapters/speech"
	"github.com/tilo305/JARVIS-TEST-N8N/adapters/stt"
	"github.com/tilo305/JARVIS-TEST-N8N/adapters/tts"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
	"github.com/tilo305/JARVIS-TEST-N8N/internal/api"
	"github.com/tilo305/JARVIS-TEST-N8N/internal/auth"
	"github.com/tilo305/JARVIS-TEST-N8N/internal/config"
	"github.com/tilo305/JARVIS-TEST-N8N/internal/metrics"
	"github.com/tilo305/JARVIS-TEST-N8N/internal/websocket"
	"github.com/tilo305/JARVIS-TEST-N8N/usecase"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	flag.Parse()

	// A missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet, so fall back to a production logger for the failure
		fallback, _ := zap.NewProduction()
		fallback.Fatal("Invalid configuration", zap.Error(err))
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	startedAt := time.Now().UTC()
	m := metrics.New("jarvis")

	// Conversation store
	var (
		conversations repositories.ConversationRepository
		mongoClient   *mongo.Client
	)
	if cfg.Storage.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		mongoClient, err = mongo.NewClient(connectCtx, mongo.Config{
			URI:            cfg.Storage.MongoURI,
			Database:       cfg.Storage.MongoDatabase,
			AppName:        cfg.ServiceName,
			ConnectTimeout: 10 * time.Second,
		}, logger)
		cancel()
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		conversations = mongo.NewConversationRepository(mongoClient.Database, cfg.ConversationTTL(), logger)
	} else {
		logger.Info("MONGODB_URI not set, keeping conversations in memory")
		conversations = adapters.NewMemoryConversationRepository(cfg.ConversationTTL())
	}

	generator, err := newGenerator(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize text generator", zap.Error(err))
	}
	newRecognizer, err := recognizerFactory(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize speech recognizer", zap.Error(err))
	}
	newSynthesizer, err := synthesizerFactory(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize speech synthesizer", zap.Error(err))
	}

	chatService := usecase.NewChatService(generator, conversations, logger)

	newSession := sessionFactory(cfg, newRecognizer, newSynthesizer, chatService, m, logger)

	hub := websocket.NewHub(newSession, conversations, websocket.HubOptions{
		AllowedOrigins:  cfg.Origins(),
		ConversationTTL: cfg.ConversationTTL(),
	}, logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	cleanupService := websocket.NewSessionCleanupService(conversations, cfg.CleanupInterval(), logger)
	cleanupService.Start()

	var tokens *auth.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewTokenValidator(cfg.Auth.JWTSecret)
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	// An empty list means same-host only; echo's CORS would widen it to "*"
	if origins := cfg.Origins(); len(origins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
		}))
	}

	api.InitRoutes(e, api.RouteDeps{
		Hub:       hub,
		Tokens:    tokens,
		Metrics:   m,
		Config:    cfg,
		StartedAt: startedAt,
		Logger:    logger,
	})

	port := strconv.Itoa(cfg.Server.Port)

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Voice proxy started",
		zap.String("port", port),
		zap.String("environment", cfg.Environment),
		zap.String("sttProvider", cfg.Providers.STT),
		zap.String("ttsProvider", cfg.Providers.TTS),
		zap.String("llmProvider", cfg.Providers.LLM),
		zap.Bool("authEnabled", tokens != nil))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	// Closing the hub tears down every session and its upstream connections
	stopHub()
	cleanupService.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if mongoClient != nil {
		if err := mongoClient.Close(ctx); err != nil {
			logger.Error("Failed to disconnect from MongoDB", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// sessionFactory builds one Session per accepted connection. The session
// tags its own logger with the conversation id.
func sessionFactory(cfg config.Config, newRecognizer repositories.RecognizerFactory, newSynthesizer repositories.SynthesizerFactory, replier usecase.Replier, m *metrics.Metrics, logger *zap.Logger) websocket.SessionFactory {
	return func(conversationID, sessionID string, emitter usecase.Emitter) *usecase.Session {
		return usecase.NewSession(usecase.SessionConfig{
			ConversationID: conversationID,
			SessionID:      sessionID,
			ConnectTimeout: cfg.ConnectTimeout(),
			GatewayTimeout: cfg.WebhookTimeout(),
			DrainTimeout:   cfg.DrainTimeout(),
		}, usecase.SessionDeps{
			NewRecognizer:  newRecognizer,
			NewSynthesizer: newSynthesizer,
			Replier:        replier,
			Emitter:        emitter,
			Metrics:        m,
			Logger:         logger,
		})
	}
}

func newGenerator(cfg config.Config, logger *zap.Logger) (repositories.TextGenerator, error) {
	if cfg.Providers.LLM == config.ProviderMock {
		return &llm.EchoGenerator{Delay: 200 * time.Millisecond}, nil
	}
	return llm.NewWebhookClient(llm.WebhookConfig{
		URL:     cfg.Webhook.URL,
		Timeout: cfg.WebhookTimeout(),
	}, logger)
}

func recognizerFactory(cfg config.Config, logger *zap.Logger) (repositories.RecognizerFactory, error) {
	switch cfg.Providers.STT {
	case config.ProviderMock:
		return func(cb repositories.RecognizerCallbacks) repositories.SpeechRecognizer {
			return speech.NewMockRecognizer(cb, logger)
		}, nil
	case config.ProviderGoogle:
		googleConfig := stt.GoogleConfig{Language: cfg.Google.Language}
		return func(cb repositories.RecognizerCallbacks) repositories.SpeechRecognizer {
			return stt.NewGoogleRecognizer(googleConfig, cb, logger)
		}, nil
	default:
		cartesiaConfig := stt.CartesiaConfig{
			APIKey:         cfg.Cartesia.APIKey,
			BaseURL:        cfg.Cartesia.BaseURL,
			Version:        cfg.Cartesia.Version,
			Model:          cfg.Cartesia.STTModel,
			Language:       cfg.Cartesia.Language,
			ConnectTimeout: cfg.ConnectTimeout(),
		}
		if err := stt.ValidateCartesiaConfig(&cartesiaConfig); err != nil {
			return nil, err
		}
		return func(cb repositories.RecognizerCallbacks) repositories.SpeechRecognizer {
			return stt.NewCartesiaRecognizer(cartesiaConfig, cb, logger)
		}, nil
	}
}

func synthesizerFactory(cfg config.Config, logger *zap.Logger) (repositories.SynthesizerFactory, error) {
	switch cfg.Providers.TTS {
	case config.ProviderMock:
		return func(cb repositories.SynthesizerCallbacks) repositories.SpeechSynthesizer {
			return speech.NewMockSynthesizer(cb, logger)
		}, nil
	case config.ProviderElevenLabs:
		elevenConfig := tts.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabs.APIKey,
			VoiceID: cfg.ElevenLabs.VoiceID,
			ModelID: cfg.ElevenLabs.ModelID,
		}
		if err := tts.ValidateElevenLabsConfig(&elevenConfig, logger); err != nil {
			return nil, err
		}
		return func(cb repositories.SynthesizerCallbacks) repositories.SpeechSynthesizer {
			return tts.NewElevenLabsSynthesizer(elevenConfig, cb, logger)
		}, nil
	default:
		cartesiaConfig := tts.CartesiaConfig{
			APIKey:         cfg.Cartesia.APIKey,
			BaseURL:        cfg.Cartesia.BaseURL,
			Version:        cfg.Cartesia.Version,
			ModelID:        cfg.Cartesia.TTSModel,
			VoiceID:        cfg.Cartesia.VoiceID,
			Language:       cfg.Cartesia.Language,
			ConnectTimeout: cfg.ConnectTimeout(),
		}
		if err := tts.ValidateCartesiaConfig(&cartesiaConfig); err != nil {
			return nil, err
		}
		return func(cb repositories.SynthesizerCallbacks) repositories.SpeechSynthesizer {
			return tts.NewCartesiaSynthesizer(cartesiaConfig, cb, logger)
		}, nil
	}
}
