package config

import (
	"strings"
	"testing"
	"time"
)

func clearServiceEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"LISTEN_ADDR", "JWT_SECRET", "JWT_AUDIENCE",
		"DATABASE_DSN", "REDIS_ADDR", "REDIS_PASSWORD",
		"LIVENESS_DETECTOR", "GESTURE_DAEMON_URL", "GESTURE_VERDICT_TIMEOUT",
		"EMBEDDING_ENDPOINT_URL", "EMBEDDING_API_KEY",
		"AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT",
		"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_API_VERSION",
		"FACE_ENDPOINT", "FACE_APIKEY", "FACE_API_KEY",
		"APPROVAL_THRESHOLD",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearServiceEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected defaults to load, got error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %s", cfg.ListenAddr)
	}
	if cfg.Detector != DetectorHeuristic {
		t.Fatalf("expected heuristic detector by default, got %s", cfg.Detector)
	}
	if cfg.GestureVerdictTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected verdict timeout: %s", cfg.GestureVerdictTimeout)
	}
	if cfg.ApprovalThreshold != 0.99 {
		t.Fatalf("unexpected threshold: %g", cfg.ApprovalThreshold)
	}
	if cfg.EmbeddingConfigured() || cfg.ModelConfigured() || cfg.FaceConfigured() {
		t.Fatal("no provider should be configured by default")
	}
}

func TestLoadRejectsUnknownDetector(t *testing.T) {
	clearServiceEnv(t)
	t.Setenv("LIVENESS_DETECTOR", "oracle")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "LIVENESS_DETECTOR") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadGestureRequiresDaemonURL(t *testing.T) {
	clearServiceEnv(t)
	t.Setenv("LIVENESS_DETECTOR", DetectorGesture)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "GESTURE_DAEMON_URL") {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Setenv("GESTURE_DAEMON_URL", "ws://127.0.0.1:8765/gesture")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected gesture config to load, got error: %v", err)
	}
	if cfg.GestureDaemonURL != "ws://127.0.0.1:8765/gesture" {
		t.Fatalf("unexpected daemon url: %s", cfg.GestureDaemonURL)
	}
}

func TestLoadParsesDurationsAndThreshold(t *testing.T) {
	clearServiceEnv(t)
	t.Setenv("GESTURE_VERDICT_TIMEOUT", "750ms")
	t.Setenv("APPROVAL_THRESHOLD", "0.9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected config to load, got error: %v", err)
	}
	if cfg.GestureVerdictTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected verdict timeout: %s", cfg.GestureVerdictTimeout)
	}
	if cfg.ApprovalThreshold != 0.9 {
		t.Fatalf("unexpected threshold: %g", cfg.ApprovalThreshold)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	clearServiceEnv(t)
	t.Setenv("GESTURE_VERDICT_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected duration parse error, got nil")
	}

	clearServiceEnv(t)
	t.Setenv("APPROVAL_THRESHOLD", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("expected float parse error, got nil")
	}

	clearServiceEnv(t)
	t.Setenv("APPROVAL_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected threshold range error, got nil")
	}
}

func TestProviderConfiguredChecks(t *testing.T) {
	clearServiceEnv(t)
	t.Setenv("EMBEDDING_ENDPOINT_URL", "https://emb.example")
	t.Setenv("EMBEDDING_API_KEY", "k")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://aoai.example")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT", "judge")
	t.Setenv("AZURE_OPENAI_API_KEY", "k")
	t.Setenv("FACE_ENDPOINT", "https://face.example")
	t.Setenv("FACE_API_KEY", "legacy-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected config to load, got error: %v", err)
	}
	if !cfg.EmbeddingConfigured() {
		t.Fatal("embedding provider should be configured")
	}
	if !cfg.ModelConfigured() {
		t.Fatal("model provider should be configured")
	}
	if !cfg.FaceConfigured() {
		t.Fatal("face provider should be configured")
	}
	if cfg.FaceAPIKey != "legacy-key" {
		t.Fatalf("expected FACE_API_KEY fallback, got %q", cfg.FaceAPIKey)
	}
}
