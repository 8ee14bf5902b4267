// Package config loads the service configuration from the environment.
// main calls godotenv.Load first, so a local .env file feeds the same path.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Detector selection values for LIVENESS_DETECTOR.
const (
	DetectorHeuristic = "heuristic"
	DetectorGesture   = "gesture"
)

// Config carries everything main needs to wire the service.
type Config struct {
	ListenAddr  string
	JWTSecret   string
	JWTAudience string

	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string

	Detector              string
	GestureDaemonURL      string
	GestureVerdictTimeout time.Duration

	EmbeddingEndpointURL string
	EmbeddingAPIKey      string

	AzureOpenAIEndpoint   string
	AzureOpenAIDeployment string
	AzureOpenAIAPIKey     string
	AzureOpenAIAPIVersion string

	FaceEndpoint string
	FaceAPIKey   string

	ApprovalThreshold float64
}

// Load reads the configuration from environment variables, applying the
// defaults a local compose setup expects.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),

		DatabaseDSN:   getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=liveness port=5432 sslmode=disable"),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		Detector:         getEnv("LIVENESS_DETECTOR", DetectorHeuristic),
		GestureDaemonURL: os.Getenv("GESTURE_DAEMON_URL"),

		EmbeddingEndpointURL: os.Getenv("EMBEDDING_ENDPOINT_URL"),
		EmbeddingAPIKey:      os.Getenv("EMBEDDING_API_KEY"),

		AzureOpenAIEndpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureOpenAIDeployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
		AzureOpenAIAPIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
		AzureOpenAIAPIVersion: os.Getenv("AZURE_OPENAI_API_VERSION"),

		FaceEndpoint: os.Getenv("FACE_ENDPOINT"),
		FaceAPIKey:   getEnv("FACE_APIKEY", os.Getenv("FACE_API_KEY")),
	}

	timeout, err := getDuration("GESTURE_VERDICT_TIMEOUT", 2500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	cfg.GestureVerdictTimeout = timeout

	threshold, err := getFloat("APPROVAL_THRESHOLD", 0.99)
	if err != nil {
		return nil, err
	}
	cfg.ApprovalThreshold = threshold

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded config for required fields and safe values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("LISTEN_ADDR must be set")
	}

	switch c.Detector {
	case DetectorHeuristic, DetectorGesture:
	default:
		return fmt.Errorf("LIVENESS_DETECTOR must be %s or %s, got %q", DetectorHeuristic, DetectorGesture, c.Detector)
	}
	if c.Detector == DetectorGesture && strings.TrimSpace(c.GestureDaemonURL) == "" {
		return fmt.Errorf("LIVENESS_DETECTOR=%s requires GESTURE_DAEMON_URL", DetectorGesture)
	}
	if c.GestureVerdictTimeout <= 0 {
		return fmt.Errorf("GESTURE_VERDICT_TIMEOUT must be positive, got %s", c.GestureVerdictTimeout)
	}

	if c.ApprovalThreshold <= 0 || c.ApprovalThreshold > 1 {
		return fmt.Errorf("APPROVAL_THRESHOLD must be in (0, 1], got %g", c.ApprovalThreshold)
	}

	return nil
}

// EmbeddingConfigured reports whether the embedding provider can be wired.
func (c *Config) EmbeddingConfigured() bool {
	return c.EmbeddingEndpointURL != "" && c.EmbeddingAPIKey != ""
}

// ModelConfigured reports whether the model judge provider can be wired.
func (c *Config) ModelConfigured() bool {
	return c.AzureOpenAIEndpoint != "" && c.AzureOpenAIDeployment != "" && c.AzureOpenAIAPIKey != ""
}

// FaceConfigured reports whether the face verification provider can be wired.
func (c *Config) FaceConfigured() bool {
	return c.FaceEndpoint != "" && c.FaceAPIKey != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid duration: %w", key, err)
	}
	return parsed, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not a valid number: %w", key, err)
	}
	return parsed, nil
}
