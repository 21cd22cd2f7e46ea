package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	os.Setenv("SESSION_TOKEN", "test-token")
	defer os.Unsetenv("SESSION_TOKEN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.SessionToken != "test-token" {
		t.Errorf("Expected SessionToken 'test-token', got '%s'", cfg.SessionToken)
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	os.Unsetenv("SESSION_TOKEN")
	os.Unsetenv("AUTH_URL")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when neither SESSION_TOKEN nor AUTH_URL is set")
	}
}

func TestLoad_AuthURLOnly(t *testing.T) {
	os.Unsetenv("SESSION_TOKEN")
	os.Setenv("AUTH_URL", "https://auth.example.com")
	defer os.Unsetenv("AUTH_URL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.AuthURL != "https://auth.example.com" {
		t.Errorf("Expected AuthURL to round-trip, got '%s'", cfg.AuthURL)
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("SESSION_TOKEN", "test-token")
	defer os.Unsetenv("SESSION_TOKEN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8081" {
		t.Errorf("Expected default Port '8081', got '%s'", cfg.Port)
	}
	if cfg.BackendOrigin != "http://localhost:5001" {
		t.Errorf("Expected default BackendOrigin, got '%s'", cfg.BackendOrigin)
	}
	if cfg.StreamURL != "ws://localhost:5001/stream" {
		t.Errorf("Expected default StreamURL, got '%s'", cfg.StreamURL)
	}
	if cfg.WatchdogMs != 3000 {
		t.Errorf("Expected default WatchdogMs 3000, got %d", cfg.WatchdogMs)
	}
	if cfg.AuthTimeoutMs != 2000 {
		t.Errorf("Expected default AuthTimeoutMs 2000, got %d", cfg.AuthTimeoutMs)
	}
	if cfg.ConnectRetryDelayMs != 500 {
		t.Errorf("Expected default ConnectRetryDelayMs 500, got %d", cfg.ConnectRetryDelayMs)
	}
	if cfg.DebounceMs != 1200 {
		t.Errorf("Expected default DebounceMs 1200, got %d", cfg.DebounceMs)
	}
	if cfg.MinTranscriptChars != 10 {
		t.Errorf("Expected default MinTranscriptChars 10, got %d", cfg.MinTranscriptChars)
	}
	if cfg.HighlightDecayMs != 2500 {
		t.Errorf("Expected default HighlightDecayMs 2500, got %d", cfg.HighlightDecayMs)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected MetricsEnabled to default to true")
	}
}

func TestLoad_Overrides(t *testing.T) {
	os.Setenv("SESSION_TOKEN", "test-token")
	os.Setenv("WATCHDOG_MS", "1500")
	os.Setenv("LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("SESSION_TOKEN")
		os.Unsetenv("WATCHDOG_MS")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.WatchdogMs != 1500 {
		t.Errorf("Expected WatchdogMs 1500, got %d", cfg.WatchdogMs)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected LogLevel 'debug', got '%s'", cfg.LogLevel)
	}
}

func TestLoad_InvalidWatchdog(t *testing.T) {
	os.Setenv("SESSION_TOKEN", "test-token")
	os.Setenv("WATCHDOG_MS", "0")
	defer func() {
		os.Unsetenv("SESSION_TOKEN")
		os.Unsetenv("WATCHDOG_MS")
	}()

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for non-positive WATCHDOG_MS")
	}
}
