package server

// RTMP Server Listener
// --------------------------------
// Ties the handshake, control burst, and connection lifecycle implemented in
// the conn package together into a TCP listener and connection manager:
//   * Listen on configured address (default :1935)
//   * Accept loop spawning a goroutine per connection (via conn.Accept)
//   * Track active connections in a concurrent-safe map
//   * Graceful shutdown: stop accepting, close all connections, wait
//   * Configuration options: chunk/window sizes, timeouts, stream-key
//     validation, ingest rate limiting, metrics, hook script directory
//   * Exposed methods for tests: Start, Stop, Addr, ConnectionCount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	rerrors "github.com/alxayo/go-rtmp/internal/errors"
	"github.com/alxayo/go-rtmp/internal/logger"
	"github.com/alxayo/go-rtmp/internal/metrics"
	iconn "github.com/alxayo/go-rtmp/internal/rtmp/conn"
	"github.com/alxayo/go-rtmp/internal/rtmp/handshake"
	"github.com/alxayo/go-rtmp/internal/rtmp/media"
	"github.com/alxayo/go-rtmp/internal/rtmp/server/hooks"
)

// Config holds server configuration knobs.
type Config struct {
	ListenAddr    string
	ChunkSize     uint32 // stored only: not read by the server; outbound chunks are 128 bytes until the control burst sets 4096
	WindowAckSize uint32 // stored only: not read by the server; the control burst always advertises 2,500,000
	LogLevel      string
	// Sink receives decoded media and publish lifecycle notifications. When
	// nil, New installs a LoggingSink so the server is usable without an
	// application-specific collaborator wired in.
	Sink media.Sink
	// ExpectedStreamKey, when non-empty, is matched case-sensitively against
	// the publishingName argument of a publish command. A mismatch results
	// in onStatus NetStream.Publish.BadName followed by connection close.
	// Leave empty to accept any stream key.
	ExpectedStreamKey string
	// StreamKeyJWTSecret, when set, additionally accepts a stream key that
	// is a signed JWT (HS256) whose subject claim equals ExpectedStreamKey.
	// This only changes the accepted *encoding* of the key; it is still
	// the same stream-key matching, not a new authentication mechanism.
	StreamKeyJWTSecret string
	// MaxIngestBytesPerSec bounds the inbound byte rate accepted from a
	// single publisher (0 = unlimited). This is resource governance, not a
	// form of the dynamic-bitrate-adaptation Non-goal: it never renegotiates
	// what the publisher encodes.
	MaxIngestBytesPerSec float64
	// Hook configuration (all optional for backward compatibility)
	HookScripts     []string // event_type=script_path pairs
	HookWebhooks    []string // event_type=webhook_url pairs
	HookStdioFormat string   // "json", "env", or "" (disabled)
	HookTimeout     string   // timeout duration
	HookConcurrency int      // max concurrent hook executions
	// HookScriptDir, when set, is watched for "<event_type>.sh" files that
	// are registered/unregistered as shell hooks as they come and go, so an
	// operator can add or remove a hook without restarting the server.
	HookScriptDir string
	// HandshakeTimeout bounds each blocking read/write phase of the RTMP
	// simple handshake. 0 keeps the package default (10s).
	HandshakeTimeout time.Duration
	// IdleTimeout disconnects a publisher that goes this long without
	// sending a chunk after the handshake completes. 0 selects the 60s
	// default; a negative value disables the idle timeout.
	IdleTimeout time.Duration
	// Metrics, when non-nil, receives connection/publish/handshake counters.
	// Leave nil to run without Prometheus instrumentation.
	Metrics *metrics.Metrics
}

// applyDefaults fills zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":1935"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4096
	} // matches control burst constant
	if c.WindowAckSize == 0 {
		c.WindowAckSize = 2_500_000
	} // matches control burst
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sink == nil {
		c.Sink = &media.LoggingSink{Log: logger.Logger()}
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server encapsulates listener + active connection tracking.
type Server struct {
	cfg           Config
	l             net.Listener
	log           *slog.Logger
	reg           *Registry
	hookManager   *hooks.HookManager
	scriptWatcher *hooks.ScriptWatcher

	mu          sync.RWMutex
	conns       map[string]*iconn.Connection
	acceptingWg sync.WaitGroup // waits for accept loop exit
	closing     bool
}

// New creates a new, unstarted Server instance.
func New(cfg Config) *Server {
	cfg.applyDefaults()

	// Initialize hook manager (always safe, even with empty config)
	hookMgr := initializeHookManager(cfg, logger.Logger())

	s := &Server{
		cfg:         cfg,
		reg:         NewRegistry(),
		conns:       make(map[string]*iconn.Connection),
		log:         logger.Logger().With("component", "rtmp_server"),
		hookManager: hookMgr,
	}

	if cfg.HookScriptDir != "" {
		timeout := 30 * time.Second
		if d, err := time.ParseDuration(cfg.HookTimeout); err == nil {
			timeout = d
		}
		sw, err := hooks.NewScriptWatcher(cfg.HookScriptDir, hookMgr, timeout, s.log)
		if err != nil {
			s.log.Error("hook script watcher init failed", "dir", cfg.HookScriptDir, "error", err)
		} else if err := sw.Start(); err != nil {
			s.log.Error("hook script watcher start failed", "dir", cfg.HookScriptDir, "error", err)
		} else {
			s.scriptWatcher = sw
		}
	}

	return s
}

// Start begins listening and launches the accept loop. It's safe to call
// only once; repeated calls return an error.
func (s *Server) Start() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	if s.cfg.HandshakeTimeout > 0 {
		handshake.Timeout = s.cfg.HandshakeTimeout
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.l = ln
	s.mu.Unlock()

	s.log.Info("RTMP server listening", "addr", ln.Addr().String())
	s.acceptingWg.Add(1)
	go s.acceptLoop()
	return nil
}

// acceptLoop runs until listener close. Each successful accept performs the
// RTMP handshake via conn.Accept; the control burst is sent later, when the
// connect command arrives (see attachCommandHandling).
func (s *Server) acceptLoop() {
	defer s.acceptingWg.Done()
	for {
		s.mu.RLock()
		l := s.l
		s.mu.RUnlock()
		if l == nil {
			return
		}
		raw, err := l.Accept()
		if err != nil {
			// If we are shutting down, Accept will return an error (use closing flag to suppress noise).
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			return
		}
		// The handshake lives in conn.Accept.
		// We temporarily wrap the raw listener to reuse existing function.
		// Trick: create a one-off fake listener returning this raw conn.
		single := &singleConnListener{conn: raw}
		c, err := iconn.Accept(single)
		if err != nil { // handshake failure already logged; continue accepting.
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.HandshakeFailures.WithLabelValues(failureReason(err)).Inc()
			}
			continue
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ConnectionsAccepted.Inc()
			s.cfg.Metrics.ConnectionsActive.Inc()
			s.cfg.Metrics.HandshakeDuration.Observe(c.HandshakeDuration().Seconds())
		}
		s.mu.Lock()
		s.conns[c.ID()] = c
		s.mu.Unlock()
		s.log.Info("connection registered", "conn_id", c.ID(), "remote", raw.RemoteAddr().String())

		// Trigger connection accept hook event
		clientAddr := raw.RemoteAddr().(*net.TCPAddr)
		serverAddr := s.l.Addr().(*net.TCPAddr)
		s.triggerHookEvent(hooks.EventConnectionAccept, c.ID(), "", map[string]interface{}{
			"client_ip":   clientAddr.IP.String(),
			"client_port": clientAddr.Port,
			"server_ip":   serverAddr.IP.String(),
			"server_port": serverAddr.Port,
		})

		if s.cfg.MaxIngestBytesPerSec > 0 {
			burst := int(s.cfg.MaxIngestBytesPerSec)
			c.SetIngestLimiter(rate.NewLimiter(rate.Limit(s.cfg.MaxIngestBytesPerSec), burst))
		}
		c.SetIdleTimeout(s.cfg.IdleTimeout)

		// Wire command handling so real clients (OBS/ffmpeg) can complete
		// connect/createStream/publish.
		attachCommandHandling(c, s.reg, &s.cfg, s.log)
		// Start readLoop AFTER message handler is attached to avoid race condition
		c.Start()
	}
}

// Stop gracefully shuts down the server: stops accepting new connections,
// closes all active ones, waits for accept loop completion.
func (s *Server) Stop() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	l := s.l
	s.l = nil
	s.mu.Unlock()
	_ = l.Close()

	// Close all connections.
	s.mu.Lock()
	for id, c := range s.conns {
		// Trigger connection close event before closing
		s.triggerHookEvent(hooks.EventConnectionClose, c.ID(), "", map[string]interface{}{
			"reason": "server_shutdown",
		})
		_ = c.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()

	// Close hook manager
	if s.hookManager != nil {
		if err := s.hookManager.Close(); err != nil {
			s.log.Error("Error closing hook manager", "error", err)
		}
	}
	if s.scriptWatcher != nil {
		if err := s.scriptWatcher.Close(); err != nil {
			s.log.Error("Error closing hook script watcher", "error", err)
		}
	}

	s.acceptingWg.Wait()
	s.log.Info("RTMP server stopped")
	return nil
}

// Addr returns the bound listener address (nil if not started).
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// ConnectionCount returns current number of tracked active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Streams returns a snapshot of every currently registered stream, for the
// operator-facing status endpoint.
func (s *Server) Streams() []StreamSnapshot {
	return s.reg.Snapshot()
}

// failureReason classifies a handshake error for the handshake_failures_total
// label, falling back to a generic bucket for anything not recognized.
func failureReason(err error) string {
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok && te.Timeout() {
		return "timeout"
	}
	if rerrors.IsTimeout(err) {
		return "timeout"
	}
	return "protocol_error"
}

// singleConnListener is a tiny adapter implementing net.Listener for a single
// pre-accepted net.Conn. It returns the conn once then permanently errors.
type singleConnListener struct{ conn net.Conn }

func (s *singleConnListener) Accept() (net.Conn, error) {
	if s.conn == nil {
		return nil, errors.New("no conn")
	}
	c := s.conn
	s.conn = nil
	return c, nil
}
func (s *singleConnListener) Close() error {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	return nil
}
func (s *singleConnListener) Addr() net.Addr {
	if s.conn != nil {
		return s.conn.LocalAddr()
	}
	return &net.TCPAddr{}
}

// initializeHookManager creates and configures the hook manager based on server config
func initializeHookManager(cfg Config, logger *slog.Logger) *hooks.HookManager {
	// Create hook config from server config
	hookConfig := hooks.HookConfig{
		Timeout:     cfg.HookTimeout,
		Concurrency: cfg.HookConcurrency,
		StdioFormat: cfg.HookStdioFormat,
	}

	// Apply defaults if not specified
	if hookConfig.Timeout == "" {
		hookConfig.Timeout = "30s"
	}
	if hookConfig.Concurrency == 0 {
		hookConfig.Concurrency = 10
	}

	// Create hook manager
	hookManager := hooks.NewHookManager(hookConfig, logger)

	// Register shell hooks from configuration
	if err := registerShellHooks(hookManager, cfg.HookScripts, logger); err != nil {
		logger.Error("Failed to register shell hooks", "error", err)
	}

	// Register webhook hooks from configuration
	if err := registerWebhookHooks(hookManager, cfg.HookWebhooks, logger); err != nil {
		logger.Error("Failed to register webhook hooks", "error", err)
	}

	return hookManager
}

// triggerHookEvent is a helper method to trigger hook events safely
func (s *Server) triggerHookEvent(eventType hooks.EventType, connID, streamKey string, data map[string]interface{}) {
	if s == nil || s.hookManager == nil {
		return // Hooks disabled or server not initialized
	}

	event := hooks.NewEvent(eventType).
		WithConnID(connID).
		WithStreamKey(streamKey)

	// Add data fields if provided
	for key, value := range data {
		event.WithData(key, value)
	}

	s.hookManager.TriggerEvent(context.Background(), *event)
}

// registerShellHooks parses and registers shell hooks from configuration
func registerShellHooks(hookManager *hooks.HookManager, scripts []string, logger *slog.Logger) error {
	for i, script := range scripts {
		parts := strings.SplitN(script, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid shell hook format: %s", script)
		}

		eventType := hooks.EventType(parts[0])
		scriptPath := parts[1]

		// Create shell hook with a fixed 30s timeout; Config.HookTimeout is not
		// applied here and the manager does not override it.
		shellHook := hooks.NewShellHook(
			fmt.Sprintf("shell_%d", i),
			scriptPath,
			30*time.Second,
		)

		if err := hookManager.RegisterHook(eventType, shellHook); err != nil {
			return fmt.Errorf("failed to register shell hook %s: %w", script, err)
		}

		logger.Info("Registered shell hook", "event_type", eventType, "script_path", scriptPath)
	}

	return nil
}

// registerWebhookHooks parses and registers webhook hooks from configuration
func registerWebhookHooks(hookManager *hooks.HookManager, webhooks []string, logger *slog.Logger) error {
	for i, webhook := range webhooks {
		parts := strings.SplitN(webhook, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid webhook hook format: %s", webhook)
		}

		eventType := hooks.EventType(parts[0])
		webhookURL := parts[1]

		// Create webhook hook with a fixed 30s timeout (Config.HookTimeout is not applied here)
		webhookHook := hooks.NewWebhookHook(
			fmt.Sprintf("webhook_%d", i),
			webhookURL,
			30*time.Second, // Default timeout
		)

		if err := hookManager.RegisterHook(eventType, webhookHook); err != nil {
			return fmt.Errorf("failed to register webhook hook %s: %w", webhook, err)
		}

		logger.Info("Registered webhook hook", "event_type", eventType, "webhook_url", webhookURL)
	}

	return nil
}
