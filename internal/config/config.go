package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	LLMModeGemini = "gemini"
	LLMModeMock   = "mock"

	AuthModeJWT    = "jwt"
	AuthModeStatic = "static"

	VectorBackendSQLite = "sqlite"
	VectorBackendQdrant = "qdrant"
)

type Config struct {
	GeminiAPIKey   string
	LLMMode        string
	ChatModel      string
	EmbeddingModel string

	DatabaseURL string
	HTTPPort    string
	LogLevel    string

	AuthMode     string
	JWTSecret    string
	StaticUserID string

	VectorBackend    string
	QdrantHost       string
	QdrantPort       int
	QdrantUseTLS     bool
	QdrantAPIKey     string
	QdrantCollection string

	RetrievalLimit  int
	HistoryWindow   int
	PipelineTimeout time.Duration
}

// Load reads the environment (and a .env file when one exists) into a Config.
// It does not validate; call Validate before wiring providers.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	return &Config{
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		LLMMode:        strings.ToLower(getEnv("LLM_MODE", LLMModeGemini)),
		ChatModel:      getEnv("CHAT_MODEL", "gemini-1.5-flash-latest"),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", "text-embedding-004"),

		DatabaseURL: getEnv("DATABASE_URL", "aml_rag.db"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),

		AuthMode:     strings.ToLower(getEnv("AUTH_MODE", AuthModeJWT)),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		StaticUserID: getEnv("STATIC_USER_ID", "local-analyst"),

		VectorBackend:    strings.ToLower(getEnv("VECTOR_BACKEND", VectorBackendSQLite)),
		QdrantHost:       getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:       getEnvAsInt("QDRANT_PORT", 6334),
		QdrantUseTLS:     getEnvAsBool("QDRANT_USE_TLS", false),
		QdrantAPIKey:     getEnv("QDRANT_API_KEY", ""),
		QdrantCollection: getEnv("QDRANT_COLLECTION", "regulatory_docs"),

		RetrievalLimit:  getEnvAsInt("RETRIEVAL_LIMIT", 8),
		HistoryWindow:   getEnvAsInt("HISTORY_WINDOW", 20),
		PipelineTimeout: time.Duration(getEnvAsInt("PIPELINE_TIMEOUT_SECONDS", 120)) * time.Second,
	}
}

func (c *Config) Validate() error {
	switch c.LLMMode {
	case LLMModeGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required when LLM_MODE=%s", LLMModeGemini)
		}
	case LLMModeMock:
	default:
		return fmt.Errorf("unknown LLM_MODE %q", c.LLMMode)
	}

	switch c.AuthMode {
	case AuthModeJWT:
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET environment variable is required when AUTH_MODE=%s", AuthModeJWT)
		}
	case AuthModeStatic:
		if c.StaticUserID == "" {
			return fmt.Errorf("STATIC_USER_ID must not be empty when AUTH_MODE=%s", AuthModeStatic)
		}
	default:
		return fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode)
	}

	switch c.VectorBackend {
	case VectorBackendSQLite:
	case VectorBackendQdrant:
		if c.QdrantHost == "" || c.QdrantCollection == "" {
			return fmt.Errorf("QDRANT_HOST and QDRANT_COLLECTION are required when VECTOR_BACKEND=%s", VectorBackendQdrant)
		}
		if c.QdrantPort <= 0 {
			return fmt.Errorf("QDRANT_PORT must be positive, got %d", c.QdrantPort)
		}
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND %q", c.VectorBackend)
	}

	if c.RetrievalLimit <= 0 {
		return fmt.Errorf("RETRIEVAL_LIMIT must be positive, got %d", c.RetrievalLimit)
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("HISTORY_WINDOW cannot be negative, got %d", c.HistoryWindow)
	}
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("PIPELINE_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
