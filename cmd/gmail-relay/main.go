// Package main is the entry point for the Gmail relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shineum/gmail-relay-lite/internal/config"
	"github.com/shineum/gmail-relay-lite/internal/gmailapi"
	"github.com/shineum/gmail-relay-lite/internal/secret"
	"github.com/shineum/gmail-relay-lite/internal/smtp"
	"github.com/shineum/gmail-relay-lite/internal/stdout"
	smtptls "github.com/shineum/gmail-relay-lite/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "path to a .env file loaded before reading the environment")
	flag.Parse()

	// A missing .env is normal in containers
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := secret.NewLoader(secret.AWSConfig{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
	})
	serviceAccount, err := loader.Resolve(ctx, cfg.Gmail.ServiceAccount)
	if err != nil {
		slog.Error("failed to load service account", "error", err)
		os.Exit(1)
	}

	settings := gmailapi.Settings{
		ServiceAccount: serviceAccount,
		Scopes:         cfg.Gmail.Scopes,
		Subject:        cfg.Gmail.Sender,
	}

	// Fail fast on a bad key instead of on the first message
	cred, err := gmailapi.NewCredential(settings.ServiceAccount, scopesOrDefault(settings.Scopes), settings.Subject)
	if err != nil {
		slog.Error("invalid gmail credentials", "error", err)
		os.Exit(1)
	}

	// Load or generate TLS certificates
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, tlsHosts(cfg.SMTP.Hostname)...)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:      cfg.SMTP.Listen,
		Hostname:        cfg.SMTP.Hostname,
		NewMailer:       newMailerFactory(cfg, settings, selectDialer(cfg)),
		TLSConfig:       tlsConfig,
		AuthUsername:    cfg.SMTP.Username,
		AuthPassword:    cfg.SMTP.Password,
		MaxMessageBytes: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting gmail-relay-lite",
		"listen", cfg.SMTP.Listen,
		"sender", cred.Subject,
		"service_account", cred.ServiceAccountEmail(),
		"dry_run", cfg.Gmail.DryRun,
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("gmail-relay-lite stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectDialer prints messages instead of calling Google in dry-run mode.
func selectDialer(cfg *config.Config) gmailapi.Dialer {
	if cfg.Gmail.DryRun {
		slog.Info("dry run: messages are printed to stdout")
		return stdout.New()
	}
	return gmailapi.GoogleDialer{}
}

// newMailerFactory returns the per-message backend constructor used by the
// SMTP server. With defer_on_failure, temporary submission failures become
// transport errors so that clients retry; permanent ones are still rejected.
func newMailerFactory(cfg *config.Config, settings gmailapi.Settings, dialer gmailapi.Dialer) func() gmailapi.Mailer {
	var translate func(error) error
	if cfg.Gmail.DeferOnFailure {
		translate = gmailapi.DeferTemporary
	}

	return func() gmailapi.Mailer {
		return gmailapi.NewBackend(gmailapi.BackendConfig{
			Defaults:       settings,
			FailSilently:   cfg.Gmail.FailSilently,
			TranslateError: translate,
			Dialer:         dialer,
		})
	}
}

func scopesOrDefault(scopes []string) []string {
	if len(scopes) == 0 {
		return []string{gmailapi.SendScope}
	}
	return scopes
}

// tlsHosts lists the names the self-signed certificate covers.
func tlsHosts(hostname string) []string {
	if hostname == "" {
		hostname = "localhost"
	}
	hosts := []string{hostname}
	if hostname != "localhost" {
		hosts = append(hosts, "localhost")
	}
	return append(hosts, "127.0.0.1")
}
