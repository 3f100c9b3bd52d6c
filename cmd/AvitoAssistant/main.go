package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/AvitoAssistant/internal/api"
	"github.com/BTreeMap/AvitoAssistant/internal/assistant"
	"github.com/BTreeMap/AvitoAssistant/internal/avito"
	"github.com/BTreeMap/AvitoAssistant/internal/conversation"
	"github.com/BTreeMap/AvitoAssistant/internal/genai"
	"github.com/BTreeMap/AvitoAssistant/internal/knowledge"
	"github.com/BTreeMap/AvitoAssistant/internal/messaging"
	"github.com/BTreeMap/AvitoAssistant/internal/store"
	"github.com/BTreeMap/AvitoAssistant/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AvitoAssistant state data
	DefaultStateDir = "/var/lib/avito-assistant"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "avito-assistant.db"
	// DefaultAssistantName names an assistant created at startup
	DefaultAssistantName = "Avito Assistant"
)

func main() {
	// Bootstrap logging until flags settle the level
	initializeLogger("")

	config := loadEnvironmentConfig()
	if err := newRootCmd(&config).Execute(); err != nil {
		slog.Error("AvitoAssistant failed", "error", err)
		os.Exit(1)
	}
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	LogLevel    string

	AvitoBaseURL      string
	AvitoClientID     string
	AvitoClientSecret string
	AvitoAccountID    string

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	AssistantID   string
	VectorStoreID string

	SellerProfile string
	ReplyPrefix   string
	RunDeadline   time.Duration
	BotEnabled    bool
	DedupInbound  bool

	APIAddr    string
	RootPath   string
	AdminToken string
}

// initializeLogger installs a text slog handler at level (debug when empty or unknown)
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil || level == "" {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("AVITO_ASSISTANT_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    os.Getenv("LOG_LEVEL"),

		AvitoBaseURL:      os.Getenv("AVITO_BASE_URL"),
		AvitoClientID:     os.Getenv("AVITO_CLIENT_ID"),
		AvitoClientSecret: os.Getenv("AVITO_CLIENT_SECRET"),
		AvitoAccountID:    os.Getenv("AVITO_ACCOUNT_ID"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		AssistantID:   util.FirstEnv("OPENAI_ASSISTANT_ID", "ASSISTANT_ID"),
		VectorStoreID: os.Getenv("VECTOR_STORE_ID"),

		SellerProfile: os.Getenv("SELLER_PROFILE"),
		ReplyPrefix:   os.Getenv("REPLY_PREFIX"),
		RunDeadline:   util.ParseDurationEnv("RUN_DEADLINE", assistant.DefaultDeadline),
		BotEnabled:    util.ParseBoolEnv("BOT_ENABLED", true),
		DedupInbound:  util.ParseBoolEnv("DEDUP_INBOUND", true),

		APIAddr:    os.Getenv("API_ADDR"),
		RootPath:   os.Getenv("ROOT_PATH"),
		AdminToken: os.Getenv("ADMIN_TOKEN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No AVITO_ASSISTANT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	if strings.TrimSpace(config.SellerProfile) == "" {
		config.SellerProfile = conversation.ComposeSellerProfile(
			os.Getenv("SELLER_PROFILE_NAME"), os.Getenv("SELLER_PROFILE_ABOUT"),
			os.Getenv("SELLER_PROFILE_RULES"), os.Getenv("SELLER_PROFILE_FAQ"))
	}

	if config.APIAddr == "" {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			config.APIAddr = ":" + port
			slog.Debug("Using PORT for API address", "api_addr", config.APIAddr)
		}
	}

	slog.Debug("environment variables loaded",
		"AVITO_ASSISTANT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"AVITO_BASE_URL", config.AvitoBaseURL,
		"AVITO_CLIENT_ID_SET", config.AvitoClientID != "",
		"AVITO_CLIENT_SECRET_SET", config.AvitoClientSecret != "",
		"AVITO_ACCOUNT_ID", config.AvitoAccountID,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_BASE_URL_SET", config.OpenAIBaseURL != "",
		"ASSISTANT_ID", config.AssistantID,
		"VECTOR_STORE_ID", config.VectorStoreID,
		"SELLER_PROFILE_SET", config.SellerProfile != "",
		"RUN_DEADLINE", config.RunDeadline,
		"BOT_ENABLED", config.BotEnabled,
		"DEDUP_INBOUND", config.DedupInbound,
		"API_ADDR", config.APIAddr,
		"ROOT_PATH", config.RootPath,
		"ADMIN_TOKEN_SET", config.AdminToken != "")

	return config
}

// databaseDSN returns the configured DSN, defaulting to SQLite in the state directory
func databaseDSN(config *Config) string {
	if config.DatabaseURL != "" {
		return config.DatabaseURL
	}
	return filepath.Join(config.StateDir, DefaultDBFileName)
}

// ensureDirectoriesExist creates the directory of a file-based database
func ensureDirectoriesExist(dsn string) error {
	if store.DetectDSNType(dsn) != "sqlite" {
		return nil
	}
	dir := filepath.Dir(dsn)
	slog.Debug("Creating state directory for file-based database", "state_dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return nil
}

// buildGenAIOptions constructs AI backend configuration options
func buildGenAIOptions(config *Config) []genai.Option {
	opts := []genai.Option{genai.WithAPIKey(config.OpenAIKey)}
	if config.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if config.AssistantID != "" {
		opts = append(opts, genai.WithAssistantID(config.AssistantID))
	}
	return opts
}

// buildKnowledgeOptions constructs knowledge sync options
func buildKnowledgeOptions(config *Config) []knowledge.Option {
	var opts []knowledge.Option
	if config.VectorStoreID != "" {
		opts = append(opts, knowledge.WithVectorStoreID(config.VectorStoreID))
	}
	return opts
}

// buildConversationOptions constructs conversation manager options
func buildConversationOptions(config *Config) []conversation.Option {
	return []conversation.Option{
		conversation.WithSellerProfile(config.SellerProfile),
		conversation.WithBotEnabledDefault(config.BotEnabled),
	}
}

// buildAssistantOptions constructs reply pipeline options
func buildAssistantOptions(config *Config) []assistant.Option {
	opts := []assistant.Option{assistant.WithDeadline(config.RunDeadline)}
	if config.ReplyPrefix != "" {
		opts = append(opts, assistant.WithReplyPrefix(config.ReplyPrefix))
	}
	return opts
}

// buildHandlerOptions constructs webhook responder options
func buildHandlerOptions(config *Config, dedup store.DedupRepo) []messaging.HandlerOption {
	var opts []messaging.HandlerOption
	if config.DedupInbound {
		opts = append(opts, messaging.WithDedup(dedup))
	} else {
		slog.Info("Inbound dedup disabled; redelivered webhooks will be answered again")
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config *Config, assistantID string) []api.Option {
	var opts []api.Option
	if config.APIAddr != "" {
		opts = append(opts, api.WithAddr(config.APIAddr))
	}
	if config.RootPath != "" {
		opts = append(opts, api.WithRootPath(config.RootPath))
	}
	if config.AdminToken != "" {
		opts = append(opts, api.WithAdminToken(config.AdminToken))
	}
	if config.AvitoAccountID != "" {
		opts = append(opts, api.WithAccountID(config.AvitoAccountID))
	}
	if assistantID != "" {
		opts = append(opts, api.WithAssistantID(assistantID))
	}
	return opts
}

// newAvitoClient builds the Avito client with its token cache
func newAvitoClient(config *Config) (*avito.Client, error) {
	baseURL := config.AvitoBaseURL
	if baseURL == "" {
		baseURL = avito.DefaultBaseURL
	}
	if config.AvitoClientID == "" || config.AvitoClientSecret == "" {
		slog.Warn("AVITO_CLIENT_ID or AVITO_CLIENT_SECRET not set; Avito calls will fail")
	}
	httpClient := newHTTPClient()
	tokens := avito.NewTokenCache(httpClient, baseURL, config.AvitoClientID, config.AvitoClientSecret)
	return avito.NewClient(
		avito.WithBaseURL(baseURL),
		avito.WithHTTPClient(httpClient),
		avito.WithTokenProvider(tokens),
	)
}
