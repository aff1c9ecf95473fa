package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server ServerConfig `json:"server"`

	// Chat engine tuning
	Chat ChatConfig `json:"chat"`

	// External service endpoints
	Services ServicesConfig `json:"services"`
}

// ServerConfig contains reference-server configuration
type ServerConfig struct {
	Port           string   `json:"port"`
	Environment    string   `json:"environment"` // development, staging, production
	AllowedOrigins []string `json:"allowed_origins"`
	JWTSecret      string   `json:"-"`
}

// ChatConfig contains the sync engine's timeout and retry knobs
type ChatConfig struct {
	ConnectTimeout    time.Duration `json:"connect_timeout"`     // budget for dial + connected handshake
	JoinTimeout       time.Duration `json:"join_timeout"`        // budget for the joinedRoom ack
	SendAckTimeout    time.Duration `json:"send_ack_timeout"`    // budget for the messageSent ack
	ReconnectAttempts int           `json:"reconnect_attempts"`  // bounded automatic re-dial
	ReconnectBaseWait time.Duration `json:"reconnect_base_wait"` // backoff base, doubled per attempt
}

// ServicesConfig contains endpoints for the consumed backend services
type ServicesConfig struct {
	ChatURL    string `json:"chat_url"`    // websocket endpoint
	UploadURL  string `json:"upload_url"`  // media upload service
	HistoryURL string `json:"history_url"` // REST message history service
}

// Load loads configuration from environment variables with defaults
// suitable for local development.
func Load() Config {
	cfg := Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Environment:    getEnv("ENV", "development"),
			AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")),
			JWTSecret:      getEnv("JWT_SECRET", "trailchat-dev-secret"),
		},
		Chat: ChatConfig{
			ConnectTimeout:    getDuration("CHAT_CONNECT_TIMEOUT", 60*time.Second),
			JoinTimeout:       getDuration("CHAT_JOIN_TIMEOUT", 60*time.Second),
			SendAckTimeout:    getDuration("CHAT_SEND_ACK_TIMEOUT", 10*time.Second),
			ReconnectAttempts: getInt("CHAT_RECONNECT_ATTEMPTS", 5),
			ReconnectBaseWait: getDuration("CHAT_RECONNECT_BASE_WAIT", time.Second),
		},
		Services: ServicesConfig{
			ChatURL:    getEnv("CHAT_URL", "ws://localhost:8080/ws"),
			UploadURL:  getEnv("UPLOAD_URL", "http://localhost:8081/upload"),
			HistoryURL: getEnv("HISTORY_URL", "http://localhost:8082"),
		},
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
