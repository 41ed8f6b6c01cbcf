package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/gmail-relay-lite/internal/gmailapi"
)

const (
	// shutdownTimeout is the maximum time to wait for in-flight sessions
	// during graceful shutdown.
	shutdownTimeout = 30 * time.Second

	// idleTimeout bounds each read and write on a client connection.
	idleTimeout = 60 * time.Second

	// defaultMaxMessageBytes matches the Gmail API upload limit.
	defaultMaxMessageBytes = 25 << 20

	maxRecipients = 100
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// NewMailer returns the backend that delivers a single accepted message.
	// It is called once per DATA command.
	NewMailer func() gmailapi.Mailer

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageBytes caps the DATA size. Zero means 25 MB.
	MaxMessageBytes int64
}

// Server accepts SMTP connections and relays each message through a fresh
// Gmail backend.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	smtp   *gosmtp.Server

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}

	s := &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		ctx:    context.Background(),
	}

	srv := gosmtp.NewServer(&backend{server: s})
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Hostname
	srv.ReadTimeout = idleTimeout
	srv.WriteTimeout = idleTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = maxRecipients
	srv.TLSConfig = cfg.TLSConfig
	// Clients are local applications; AUTH is allowed before STARTTLS.
	srv.AllowInsecureAuth = true
	s.smtp = srv

	return s
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up to
// 30 seconds for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}

	// Deliveries outlive ctx until in-flight sessions drain or the grace
	// period ends.
	deliveryCtx, cancelDeliveries := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDeliveries()

	s.mu.Lock()
	s.listener = ln
	s.ctx = deliveryCtx
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_bytes", s.config.MaxMessageBytes,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.smtp.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.smtp.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		cancelDeliveries()
		_ = s.smtp.Close()
	} else {
		slog.Info("all sessions completed")
	}

	<-errCh
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// baseContext is the context deliveries run under.
func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}
