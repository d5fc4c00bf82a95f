package config

import (
	"log/slog"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"SENTINELX_DATA_DIR", "SENTINELX_HTTP_PORT", "SENTINELX_SIP_PORT",
		"SENTINELX_SIP_TRANSPORT", "SENTINELX_MEDIA_PORT", "SENTINELX_RISKGW_URL",
		"SENTINELX_LOG_LEVEL", "SENTINELX_LOG_FORMAT",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = []string{"sentineld"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.SIPTransport != defaultSIPTransport {
		t.Errorf("SIPTransport = %q, want %q", cfg.SIPTransport, defaultSIPTransport)
	}
	if cfg.MediaPort != defaultMediaPort {
		t.Errorf("MediaPort = %d, want %d", cfg.MediaPort, defaultMediaPort)
	}
	if cfg.RiskGWURL != "" {
		t.Errorf("RiskGWURL = %q, want empty", cfg.RiskGWURL)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.LogFormat != defaultLogFormat {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, defaultLogFormat)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = []string{"sentineld"}
	t.Setenv("SENTINELX_HTTP_PORT", "9090")
	t.Setenv("SENTINELX_DATA_DIR", "/tmp/sentinelx-test")
	t.Setenv("SENTINELX_RISKGW_URL", "https://risk.example.com")
	t.Setenv("SENTINELX_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/sentinelx-test" {
		t.Errorf("DataDir = %q, want /tmp/sentinelx-test", cfg.DataDir)
	}
	if cfg.RiskGWURL != "https://risk.example.com" {
		t.Errorf("RiskGWURL = %q", cfg.RiskGWURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = []string{"sentineld", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("SENTINELX_HTTP_PORT", "9090")
	t.Setenv("SENTINELX_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidPort(t *testing.T) {
	os.Args = []string{"sentineld", "--http-port", "99999"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestValidateInvalidTransport(t *testing.T) {
	os.Args = []string{"sentineld", "--sip-transport", "sctp"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid transport, got nil")
	}
}

func TestValidateOddMediaPort(t *testing.T) {
	os.Args = []string{"sentineld", "--media-port", "10001"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for odd media port, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	os.Args = []string{"sentineld", "--log-level", "verbose"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{JWTSecret: ""}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Error("generated key not stored back in config")
	}

	cfg = &Config{JWTSecret: "not-hex"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Error("expected error for invalid hex secret")
	}

	cfg = &Config{JWTSecret: "abcd"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
