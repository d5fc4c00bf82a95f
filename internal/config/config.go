// Package config loads runtime configuration for the SentinelX daemons from
// CLI flags and environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the sentineld daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir      string
	HTTPPort     int
	SIPPort      int
	SIPTransport string
	SIPIdentity  string // local SIP user placed in From/Contact headers
	UpstreamHost string // SIP service outbound calls are routed through
	UpstreamPort int
	SIPUsername  string // digest credentials for the upstream SIP service
	SIPAuthUser  string
	SIPPassword  string
	ExternalIP   string // public IP advertised in SDP (auto-detected if empty)
	MediaPort    int    // audio port advertised in SDP
	RiskGWURL    string // URL of the risk gateway (e.g., "https://risk.sentinelx.io")
	RiskGWKey    string // API key for the risk gateway
	DecoyAddress string // default decoy line dialled by the trap orchestrator
	OperatorKey  string // shared key exchanged for an operator JWT
	JWTSecret    string // hex-encoded 32-byte secret for operator JWT signing
	LogLevel     string
	LogFormat    string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir      = "./data"
	defaultHTTPPort     = 8080
	defaultSIPPort      = 5060
	defaultSIPTransport = "udp"
	defaultSIPIdentity  = "sentinel"
	defaultUpstreamPort = 5060
	defaultMediaPort    = 10000
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// envPrefix is the prefix for all SentinelX environment variables.
const envPrefix = "SENTINELX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("sentineld", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the contacts database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "operator API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP listen port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPIdentity, "sip-identity", defaultSIPIdentity, "local SIP user for From/Contact headers")
	fs.StringVar(&cfg.UpstreamHost, "upstream-host", "", "SIP service host for outbound calls")
	fs.IntVar(&cfg.UpstreamPort, "upstream-port", defaultUpstreamPort, "SIP service port for outbound calls")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "username for upstream SIP digest auth")
	fs.StringVar(&cfg.SIPAuthUser, "sip-auth-user", "", "auth username override for upstream SIP digest auth")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "password for upstream SIP digest auth")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address advertised in SDP (auto-detected if empty)")
	fs.IntVar(&cfg.MediaPort, "media-port", defaultMediaPort, "audio port advertised in SDP")
	fs.StringVar(&cfg.RiskGWURL, "riskgw-url", "", "URL of the risk gateway used for caller classification")
	fs.StringVar(&cfg.RiskGWKey, "riskgw-key", "", "API key for the risk gateway")
	fs.StringVar(&cfg.DecoyAddress, "decoy-address", "", "default decoy line for the trap orchestrator")
	fs.StringVar(&cfg.OperatorKey, "operator-key", "", "shared key operators exchange for a bearer token")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for operator JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":      envPrefix + "DATA_DIR",
		"http-port":     envPrefix + "HTTP_PORT",
		"sip-port":      envPrefix + "SIP_PORT",
		"sip-transport": envPrefix + "SIP_TRANSPORT",
		"sip-identity":  envPrefix + "SIP_IDENTITY",
		"upstream-host": envPrefix + "UPSTREAM_HOST",
		"upstream-port": envPrefix + "UPSTREAM_PORT",
		"sip-username":  envPrefix + "SIP_USERNAME",
		"sip-auth-user": envPrefix + "SIP_AUTH_USER",
		"sip-password":  envPrefix + "SIP_PASSWORD",
		"external-ip":   envPrefix + "EXTERNAL_IP",
		"media-port":    envPrefix + "MEDIA_PORT",
		"riskgw-url":    envPrefix + "RISKGW_URL",
		"riskgw-key":    envPrefix + "RISKGW_KEY",
		"decoy-address": envPrefix + "DECOY_ADDRESS",
		"operator-key":  envPrefix + "OPERATOR_KEY",
		"jwt-secret":    envPrefix + "JWT_SECRET",
		"log-level":     envPrefix + "LOG_LEVEL",
		"log-format":    envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-transport":
			cfg.SIPTransport = val
		case "sip-identity":
			cfg.SIPIdentity = val
		case "upstream-host":
			cfg.UpstreamHost = val
		case "upstream-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.UpstreamPort = v
			}
		case "sip-username":
			cfg.SIPUsername = val
		case "sip-auth-user":
			cfg.SIPAuthUser = val
		case "sip-password":
			cfg.SIPPassword = val
		case "external-ip":
			cfg.ExternalIP = val
		case "media-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MediaPort = v
			}
		case "riskgw-url":
			cfg.RiskGWURL = val
		case "riskgw-key":
			cfg.RiskGWKey = val
		case "decoy-address":
			cfg.DecoyAddress = val
		case "operator-key":
			cfg.OperatorKey = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.UpstreamPort < 1 || c.UpstreamPort > 65535 {
		return fmt.Errorf("upstream-port must be between 1 and 65535, got %d", c.UpstreamPort)
	}
	if c.MediaPort < 1024 || c.MediaPort > 65534 {
		return fmt.Errorf("media-port must be between 1024 and 65534, got %d", c.MediaPort)
	}
	// RTP uses even ports, RTCP the next odd port.
	if c.MediaPort%2 != 0 {
		return fmt.Errorf("media-port must be even, got %d", c.MediaPort)
	}

	validTransports := map[string]bool{"udp": true, "tcp": true}
	if !validTransports[strings.ToLower(c.SIPTransport)] {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SIPHost returns the hostname to use for the SIP User-Agent. It defaults
// to the machine hostname if not set via system config.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address advertised in SDP. If ExternalIP is
// configured, it is returned directly. Otherwise the function attempts to
// detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
