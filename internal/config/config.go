package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Provider names.
const (
	ProviderCartesia   = "cartesia"
	ProviderGoogle     = "google"
	ProviderElevenLabs = "elevenlabs"
	ProviderWebhook    = "webhook"
	ProviderMock       = "mock"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CartesiaConfig struct {
	APIKey   string `yaml:"api_key"`
	Version  string `yaml:"version"`
	BaseURL  string `yaml:"base_url"`
	VoiceID  string `yaml:"voice_id"`
	TTSModel string `yaml:"tts_model"`
	STTModel string `yaml:"stt_model"`
	Language string `yaml:"language"`
}

type WebhookConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type SessionConfig struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	DrainTimeoutSeconds   int `yaml:"drain_timeout_seconds"`
}

type ProvidersConfig struct {
	STT string `yaml:"stt"`
	TTS string `yaml:"tts"`
	LLM string `yaml:"llm"`
}

type GoogleConfig struct {
	Language string `yaml:"language"`
}

type ElevenLabsConfig struct {
	APIKey  string `yaml:"api_key"`
	VoiceID string `yaml:"voice_id"`
	ModelID string `yaml:"model_id"`
}

type StorageConfig struct {
	MongoURI       string `yaml:"mongo_uri"`
	MongoDatabase  string `yaml:"mongo_database"`
	TTLMinutes     int    `yaml:"conversation_ttl_minutes"`
	CleanupMinutes int    `yaml:"cleanup_interval_minutes"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	LogLevel    string           `yaml:"log_level"`
	Server      ServerConfig     `yaml:"server"`
	Cartesia    CartesiaConfig   `yaml:"cartesia"`
	Webhook     WebhookConfig    `yaml:"webhook"`
	Session     SessionConfig    `yaml:"session"`
	Providers   ProvidersConfig  `yaml:"providers"`
	Google      GoogleConfig     `yaml:"google"`
	ElevenLabs  ElevenLabsConfig `yaml:"elevenlabs"`
	Storage     StorageConfig    `yaml:"storage"`
	Auth        AuthConfig       `yaml:"auth"`
}

func Default() Config {
	return Config{
		ServiceName: "jarvis-voice-proxy",
		Environment: EnvProduction,
		LogLevel:    "info",
		Server: ServerConfig{
			Port: 3001,
		},
		Cartesia: CartesiaConfig{
			Version:  "2025-04-16",
			BaseURL:  "wss://api.cartesia.ai",
			VoiceID:  "95131c95-525c-463b-893d-803bafdf93c4",
			TTSModel: "sonic-turbo",
			STTModel: "ink-whisper",
			Language: "en",
		},
		Webhook: WebhookConfig{
			TimeoutSeconds: 30,
		},
		Session: SessionConfig{
			ConnectTimeoutSeconds: 10,
			DrainTimeoutSeconds:   30,
		},
		Providers: ProvidersConfig{
			STT: ProviderCartesia,
			TTS: ProviderCartesia,
			LLM: ProviderWebhook,
		},
		Google: GoogleConfig{
			Language: "en-US",
		},
		ElevenLabs: ElevenLabsConfig{
			ModelID: "eleven_flash_v2_5",
		},
		Storage: StorageConfig{
			MongoDatabase:  "jarvis",
			TTLMinutes:     60,
			CleanupMinutes: 30,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and the environment, in that order, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Environment, "NODE_ENV")
	overrideString(&cfg.Environment, "APP_ENV")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideInt(&cfg.Server.Port, "PORT")
	overrideStringSlice(&cfg.Server.AllowedOrigins, "ALLOWED_ORIGIN")
	overrideStringSlice(&cfg.Server.AllowedOrigins, "ALLOWED_ORIGINS")
	overrideString(&cfg.Cartesia.APIKey, "CARTESIA_API_KEY")
	overrideString(&cfg.Cartesia.Version, "CARTESIA_VERSION")
	overrideString(&cfg.Cartesia.BaseURL, "CARTESIA_BASE_URL")
	overrideString(&cfg.Cartesia.VoiceID, "CARTESIA_VOICE_ID")
	overrideString(&cfg.Cartesia.TTSModel, "CARTESIA_TTS_MODEL")
	overrideString(&cfg.Cartesia.STTModel, "CARTESIA_STT_MODEL")
	overrideString(&cfg.Cartesia.Language, "CARTESIA_LANGUAGE")
	overrideString(&cfg.Webhook.URL, "N8N_WEBHOOK_URL")
	overrideInt(&cfg.Webhook.TimeoutSeconds, "WEBHOOK_TIMEOUT_SECONDS")
	overrideInt(&cfg.Session.ConnectTimeoutSeconds, "CONNECT_TIMEOUT_SECONDS")
	overrideInt(&cfg.Session.DrainTimeoutSeconds, "SYNTHESIS_DRAIN_TIMEOUT_SECONDS")
	overrideString(&cfg.Providers.STT, "STT_PROVIDER")
	overrideString(&cfg.Providers.TTS, "TTS_PROVIDER")
	overrideString(&cfg.Providers.LLM, "LLM_PROVIDER")
	overrideString(&cfg.Google.Language, "GOOGLE_STT_LANGUAGE")
	overrideString(&cfg.ElevenLabs.APIKey, "ELEVEN_LABS_API_KEY")
	overrideString(&cfg.ElevenLabs.VoiceID, "ELEVEN_LABS_VOICE_ID")
	overrideString(&cfg.ElevenLabs.ModelID, "ELEVEN_LABS_MODEL_ID")
	overrideString(&cfg.Storage.MongoURI, "MONGODB_URI")
	overrideString(&cfg.Storage.MongoDatabase, "MONGODB_DATABASE")
	overrideInt(&cfg.Storage.TTLMinutes, "CONVERSATION_TTL_MINUTES")
	overrideInt(&cfg.Storage.CleanupMinutes, "CLEANUP_INTERVAL_MINUTES")
	overrideString(&cfg.Auth.JWTSecret, "JWT_SECRET")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate reports the first configuration problem that would keep the
// service from working. Missing credentials for the selected providers are
// fatal.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("PORT must be between 1 and 65535")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel)
	}

	switch c.Providers.STT {
	case ProviderCartesia, ProviderGoogle, ProviderMock:
	default:
		return errors.New("STT_PROVIDER must be one of cartesia|google|mock")
	}
	switch c.Providers.TTS {
	case ProviderCartesia, ProviderElevenLabs, ProviderMock:
	default:
		return errors.New("TTS_PROVIDER must be one of cartesia|elevenlabs|mock")
	}
	switch c.Providers.LLM {
	case ProviderWebhook, ProviderMock:
	default:
		return errors.New("LLM_PROVIDER must be one of webhook|mock")
	}

	if (c.Providers.STT == ProviderCartesia || c.Providers.TTS == ProviderCartesia) && c.Cartesia.APIKey == "" {
		return errors.New("CARTESIA_API_KEY is required")
	}
	if c.Providers.TTS == ProviderCartesia && c.Cartesia.VoiceID == "" {
		return errors.New("CARTESIA_VOICE_ID must not be empty")
	}
	if c.Providers.TTS == ProviderElevenLabs && (c.ElevenLabs.APIKey == "" || c.ElevenLabs.VoiceID == "") {
		return errors.New("ELEVEN_LABS_API_KEY and ELEVEN_LABS_VOICE_ID are required when TTS_PROVIDER=elevenlabs")
	}
	if c.Providers.LLM == ProviderWebhook {
		if c.Webhook.URL == "" {
			return errors.New("N8N_WEBHOOK_URL is required")
		}
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("N8N_WEBHOOK_URL %q must be an absolute http(s) URL", c.Webhook.URL)
		}
	}

	if c.Webhook.TimeoutSeconds <= 0 {
		return errors.New("WEBHOOK_TIMEOUT_SECONDS must be positive")
	}
	if c.Session.ConnectTimeoutSeconds <= 0 {
		return errors.New("CONNECT_TIMEOUT_SECONDS must be positive")
	}
	if c.Session.DrainTimeoutSeconds <= 0 {
		return errors.New("SYNTHESIS_DRAIN_TIMEOUT_SECONDS must be positive")
	}
	if c.Storage.TTLMinutes <= 0 {
		return errors.New("CONVERSATION_TTL_MINUTES must be positive")
	}
	if c.Storage.CleanupMinutes <= 0 {
		return errors.New("CLEANUP_INTERVAL_MINUTES must be positive")
	}
	if c.Storage.MongoURI != "" && c.Storage.MongoDatabase == "" {
		return errors.New("MONGODB_DATABASE must not be empty when MONGODB_URI is set")
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, EnvDevelopment)
}

// Origins returns the /ws origin allow list. Development without an
// explicit list accepts any origin.
func (c Config) Origins() []string {
	if len(c.Server.AllowedOrigins) == 0 && c.IsDevelopment() {
		return []string{"*"}
	}
	return c.Server.AllowedOrigins
}

func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Webhook.TimeoutSeconds) * time.Second
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Session.ConnectTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Session.DrainTimeoutSeconds) * time.Second
}

func (c Config) ConversationTTL() time.Duration {
	return time.Duration(c.Storage.TTLMinutes) * time.Minute
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Storage.CleanupMinutes) * time.Minute
}

// NewLogger builds the process logger: zap's development logger in
// development, otherwise the production JSON logger at LogLevel.
func (c Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if c.IsDevelopment() {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", c.ServiceName)), nil
}
