package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into server.Config
// so main.go can validate and map.
type cliConfig struct {
	listenAddr  string
	logLevel    string
	chunkSize   uint
	showVersion bool
	// Hook configuration (backward compatible - all optional)
	hookScripts     []string // event_type=script_path pairs
	hookWebhooks    []string // event_type=webhook_url pairs
	hookStdioFormat string   // "json", "env", or "" (disabled)
	hookTimeout     string   // timeout duration (e.g. "30s")
	hookConcurrency int      // max concurrent hook executions
	hookScriptDir   string   // directory hot-reloaded for "<event>.sh" hook scripts

	// Ingest governance
	expectedStreamKey    string
	streamKeyJWTSecret   string
	maxIngestBytesPerSec float64
	handshakeTimeout     time.Duration
	idleTimeout          time.Duration

	// Observability
	metricsAddr string // empty disables the metrics/status HTTP listener
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("rtmp-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var hookScripts stringSliceFlag
	var hookWebhooks stringSliceFlag

	fs.StringVar(&cfg.listenAddr, "listen", ":1935", "TCP listen address (e.g. :1935 or 0.0.0.0:1935)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.UintVar(&cfg.chunkSize, "chunk-size", 4096, "Stored in the server config but not applied (outbound chunk size is 4096 after connect)")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	// Hook configuration flags (all optional for backward compatibility)
	fs.Var(&hookScripts, "hook-script", "Hook script in format event_type=script_path (can be specified multiple times)")
	fs.Var(&hookWebhooks, "hook-webhook", "Hook webhook in format event_type=webhook_url (can be specified multiple times)")
	fs.StringVar(&cfg.hookStdioFormat, "hook-stdio-format", "", "Enable structured stdio output: json|env (empty=disabled)")
	fs.StringVar(&cfg.hookTimeout, "hook-timeout", "30s", "Timeout for hook scripts loaded from -hook-script-dir (-hook-script and -hook-webhook hooks use a fixed 30s)")
	fs.IntVar(&cfg.hookConcurrency, "hook-concurrency", 10, "Maximum concurrent hook executions")
	fs.StringVar(&cfg.hookScriptDir, "hook-script-dir", "", "Directory hot-reloaded for \"<event_type>.sh\" hook scripts")

	fs.StringVar(&cfg.expectedStreamKey, "stream-key", "", "Required publish stream key (empty accepts any)")
	fs.StringVar(&cfg.streamKeyJWTSecret, "stream-key-jwt-secret", "", "HMAC secret accepting a JWT-encoded stream key whose subject matches -stream-key")
	fs.Float64Var(&cfg.maxIngestBytesPerSec, "max-ingest-bytes-per-sec", 0, "Per-connection ingest rate limit in bytes/sec (0=unlimited)")
	fs.DurationVar(&cfg.handshakeTimeout, "handshake-timeout", 10*time.Second, "Deadline for each blocking handshake read/write phase")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 60*time.Second, "Disconnect a publisher idle for this long (0=default 60s)")

	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics and /streams HTTP listener (empty=disabled)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.hookScripts = hookScripts
	cfg.hookWebhooks = hookWebhooks

	// RTMP_LOG_LEVEL applies only when -log-level is not given explicitly.
	logLevelSet := false
	fs.Visit(func(f *flag.Flag) { logLevelSet = logLevelSet || f.Name == "log-level" })
	if env := strings.TrimSpace(os.Getenv("RTMP_LOG_LEVEL")); env != "" && !logLevelSet {
		cfg.logLevel = strings.ToLower(env)
	}

	if cfg.chunkSize == 0 || cfg.chunkSize > 65536 {
		return nil, errors.New("chunk-size must be between 1 and 65536")
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	// Validate hook configuration
	if err := validateHookConfig(cfg); err != nil {
		return nil, err
	}

	if cfg.maxIngestBytesPerSec < 0 {
		return nil, errors.New("max-ingest-bytes-per-sec must not be negative")
	}
	if cfg.handshakeTimeout <= 0 {
		return nil, errors.New("handshake-timeout must be positive")
	}
	if cfg.idleTimeout < 0 {
		return nil, errors.New("idle-timeout must not be negative")
	}
	if cfg.streamKeyJWTSecret != "" && cfg.expectedStreamKey == "" {
		return nil, errors.New("stream-key-jwt-secret requires -stream-key to be set")
	}

	return cfg, nil
}

// stringSliceFlag implements flag.Value for multiple string values
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// validateHookConfig validates hook configuration settings
func validateHookConfig(cfg *cliConfig) error {
	// Validate stdio format
	if cfg.hookStdioFormat != "" && cfg.hookStdioFormat != "json" && cfg.hookStdioFormat != "env" {
		return fmt.Errorf("invalid hook-stdio-format %q, must be 'json' or 'env'", cfg.hookStdioFormat)
	}

	// Validate timeout
	if cfg.hookTimeout != "" {
		if _, err := parseTimeDuration(cfg.hookTimeout); err != nil {
			return fmt.Errorf("invalid hook-timeout %q: %w", cfg.hookTimeout, err)
		}
	}

	// Validate concurrency
	if cfg.hookConcurrency < 1 || cfg.hookConcurrency > 100 {
		return fmt.Errorf("hook-concurrency must be between 1 and 100, got %d", cfg.hookConcurrency)
	}

	// Validate hook scripts format (event_type=script_path)
	for _, script := range cfg.hookScripts {
		if err := validateHookAssignment("hook-script", script); err != nil {
			return err
		}
	}

	// Validate hook webhooks format (event_type=webhook_url)
	for _, webhook := range cfg.hookWebhooks {
		if err := validateHookAssignment("hook-webhook", webhook); err != nil {
			return err
		}
	}

	return nil
}

// parseTimeDuration parses a duration string (handles common formats)
func parseTimeDuration(s string) (string, error) {
	// Simple validation - just check if it looks like a duration
	if len(s) < 2 {
		return "", fmt.Errorf("duration too short")
	}

	// Check suffix
	suffix := s[len(s)-1:]
	if suffix != "s" && suffix != "m" && suffix != "h" {
		return "", fmt.Errorf("duration must end with s, m, or h")
	}

	return s, nil
}

// validateHookAssignment validates event_type=value format
func validateHookAssignment(flagName, assignment string) error {
	parts := strings.SplitN(assignment, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid %s format %q, expected event_type=value", flagName, assignment)
	}

	eventType, value := parts[0], parts[1]

	if eventType == "" {
		return fmt.Errorf("invalid %s: event type cannot be empty", flagName)
	}

	if value == "" {
		return fmt.Errorf("invalid %s: value cannot be empty", flagName)
	}

	// Validate event type (basic validation - hook manager will validate against known types)
	validEventTypes := map[string]bool{
		"connection_accept":  true,
		"connection_close":   true,
		"handshake_complete": true,
		"stream_create":      true,
		"stream_delete":      true,
		"publish_start":      true,
		"publish_stop":       true,
		"play_start":         true,
		"play_stop":          true,
		"codec_detected":     true,
	}

	if !validEventTypes[eventType] {
		return fmt.Errorf("invalid %s: unknown event type %q", flagName, eventType)
	}

	return nil
}
