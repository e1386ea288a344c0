package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string
	ServerHost string

	// Rendezvous hub
	SendBufferSize int
	IdleTimeout    time.Duration
	RedisAddr      string // empty runs a single instance without a backplane

	// Discovery
	MDNSEnabled bool

	// Observability
	TracingEnabled bool
	JaegerEndpoint string

	// Peer CLI
	SignalingURL string
	PeerName     string
	ICEServers   []string // STUN/TURN urls for direct links; empty means host candidates only
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		SendBufferSize: getEnvInt("SEND_BUFFER_SIZE", 256),
		IdleTimeout:    getEnvDuration("IDLE_TIMEOUT", 5*time.Minute),
		RedisAddr:      getEnv("REDIS_ADDR", ""),

		MDNSEnabled: getEnvBool("MDNS_ENABLED", false),

		TracingEnabled: getEnvBool("TRACING_ENABLED", true),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),

		SignalingURL: getEnv("SIGNALING_URL", "http://localhost:8080"),
		PeerName:     getEnv("PEER_NAME", ""),
		ICEServers:   getEnvList("ICE_SERVERS"),
	}

	if cfg.SendBufferSize <= 0 {
		return nil, fmt.Errorf("SEND_BUFFER_SIZE must be positive, got %d", cfg.SendBufferSize)
	}
	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("IDLE_TIMEOUT must be positive, got %s", cfg.IdleTimeout)
	}

	return cfg, nil
}

// Addr is the host:port the server listens on
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

// Port is ServerPort as a number, for service advertisement
func (c *Config) Port() (int, error) {
	port, err := strconv.Atoi(c.ServerPort)
	if err != nil {
		return 0, fmt.Errorf("invalid SERVER_PORT %q: %w", c.ServerPort, err)
	}
	return port, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
