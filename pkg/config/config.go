// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds every runtime knob read at startup. Database settings live
// in pkg/database.Config; everything else is here.
type Settings struct {
	Host     string
	Port     int
	LogLevel slog.Level

	// Worker loop
	WorkerCheckInterval time.Duration
	WorkerBatchSize     int
	WorkerCount         int
	DisableWorker       bool

	// Ollama provider
	OllamaBaseURL           string
	OllamaHeartbeatInterval time.Duration
	OllamaTimeout           time.Duration
	OllamaPlannerModel      string
	OllamaCoderModel        string

	// Workflow registry
	WorkflowDir   string
	WorkflowWatch bool

	// API
	CORSOrigins     []string
	SSEKeepalive    time.Duration
	ShutdownTimeout time.Duration
}

// Load reads settings from environment variables. Invalid numeric values
// fall back to their defaults with a logged warning; Load fails only on
// values that cannot be defaulted (an unparseable PORT).
func Load() (*Settings, error) {
	port, err := strconv.Atoi(getEnv("PORT", "8000"))
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %q", os.Getenv("PORT"))
	}

	s := &Settings{
		Host:     getEnv("HOST", "0.0.0.0"),
		Port:     port,
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "info")),

		WorkerCheckInterval: getEnvSeconds("WORKER_CHECK_INTERVAL", 5),
		WorkerBatchSize:     getEnvInt("WORKER_BATCH_SIZE", 1),
		WorkerCount:         getEnvInt("WORKER_COUNT", 1),
		DisableWorker:       getEnvBool("DISABLE_WORKER", false),

		OllamaBaseURL:           getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaHeartbeatInterval: getEnvSeconds("OLLAMA_HEARTBEAT_INTERVAL", 15),
		OllamaTimeout:           getEnvSeconds("OLLAMA_TIMEOUT_SECONDS", 300),
		OllamaPlannerModel:      os.Getenv("OLLAMA_PLANNER_MODEL"),
		OllamaCoderModel:        os.Getenv("OLLAMA_CODER_MODEL"),

		WorkflowDir:   os.Getenv("WORKFLOW_DIR"),
		WorkflowWatch: getEnvBool("WORKFLOW_WATCH", false),

		CORSOrigins:     splitOrigins(getEnv("CORS_ORIGINS", "*")),
		SSEKeepalive:    getEnvSeconds("SSE_KEEPALIVE_SECONDS", 20),
		ShutdownTimeout: getEnvSeconds("SHUTDOWN_TIMEOUT_SECONDS", 30),
	}

	if s.WorkerBatchSize < 1 {
		s.WorkerBatchSize = 1
	}
	if s.WorkerCount < 1 {
		s.WorkerCount = 1
	}

	return s, nil
}

// Addr returns the host:port listen address for the HTTP server.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ModelForRole returns the environment-level default model for a workflow
// role ("planner" or "coder"). Empty when no default is configured.
func (s *Settings) ModelForRole(role string) string {
	switch role {
	case "planner":
		return s.OllamaPlannerModel
	case "coder":
		return s.OllamaCoderModel
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Invalid integer environment value, using default",
			"key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	v := getEnvInt(key, defaultSeconds)
	if v <= 0 {
		v = defaultSeconds
	}
	return time.Duration(v) * time.Second
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("Invalid boolean environment value, using default",
			"key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}
