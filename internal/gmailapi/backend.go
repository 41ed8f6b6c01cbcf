// Package gmailapi delivers outgoing messages through the Gmail API
// users.messages.send endpoint, authenticating as a Workspace user
// impersonated by a service account.
package gmailapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shineum/gmail-relay-lite/internal/email"
	"github.com/shineum/gmail-relay-lite/internal/envelope"
)

// userID addresses the impersonated subject's own mailbox.
const userID = "me"

// OpenState is the outcome of Backend.Open.
type OpenState int

const (
	// OpenFailed means no connection could be established.
	OpenFailed OpenState = iota
	// AlreadyOpen means an existing connection was kept.
	AlreadyOpen
	// Opened means a new connection was created by this call.
	Opened
)

func (s OpenState) String() string {
	switch s {
	case AlreadyOpen:
		return "already_open"
	case Opened:
		return "opened"
	default:
		return "open_failed"
	}
}

// Settings identify the service account, scopes and impersonated sender.
// Zero-valued fields are unset.
type Settings struct {
	// ServiceAccount is the service-account JSON key.
	ServiceAccount []byte
	Scopes         []string
	// Subject is the Workspace address mail is sent as.
	Subject string
}

// BackendConfig configures a Backend. Each field of Settings overrides the
// corresponding field of Defaults.
type BackendConfig struct {
	Settings Settings
	Defaults Settings

	// FailSilently suppresses open, close and submission errors.
	FailSilently bool

	// TranslateError, when set and returning non-nil, replaces the error
	// returned for a failed submission. See AsTransportError.
	TranslateError func(error) error

	// Dialer opens the connection. Nil uses GoogleDialer{}.
	Dialer Dialer

	// Logger receives submission failures. Nil uses slog.Default().
	Logger *slog.Logger
}

// Mailer is the capability expected by hosts that hand over batches of
// messages.
type Mailer interface {
	Open(ctx context.Context) (OpenState, error)
	Close() error
	SendMessages(ctx context.Context, msgs []*email.OutgoingMessage) (int, error)
}

var _ Mailer = (*Backend)(nil)

// Backend sends messages over a single Gmail connection. A Backend is not
// safe for concurrent use.
type Backend struct {
	cfg    BackendConfig
	logger *slog.Logger
	conn   Conn
}

// NewBackend creates a Backend. No connection is made until Open.
func NewBackend(cfg BackendConfig) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = GoogleDialer{}
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Open establishes the connection if there is none. With FailSilently set
// every failure yields OpenFailed and a nil error.
func (b *Backend) Open(ctx context.Context) (OpenState, error) {
	if b.conn != nil {
		return AlreadyOpen, nil
	}

	conn, err := b.dial(ctx)
	if err != nil {
		if b.cfg.FailSilently {
			b.logger.Warn("failed to open gmail connection", "error", err)
			return OpenFailed, nil
		}
		return OpenFailed, err
	}

	b.conn = conn
	return Opened, nil
}

func (b *Backend) dial(ctx context.Context) (Conn, error) {
	s := b.settings()

	cred, err := NewCredential(s.ServiceAccount, s.Scopes, s.Subject)
	if err != nil {
		return nil, err
	}

	conn, err := b.cfg.Dialer.Dial(ctx, cred)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	if conn == nil {
		return nil, &ConnectionError{Err: errors.New("dialer returned no connection")}
	}
	return conn, nil
}

// settings merges Settings over Defaults, with the send scope as the final
// fallback for scopes.
func (b *Backend) settings() Settings {
	s := b.cfg.Defaults

	if len(b.cfg.Settings.ServiceAccount) > 0 {
		s.ServiceAccount = b.cfg.Settings.ServiceAccount
	}
	if len(b.cfg.Settings.Scopes) > 0 {
		s.Scopes = b.cfg.Settings.Scopes
	}
	if b.cfg.Settings.Subject != "" {
		s.Subject = b.cfg.Settings.Subject
	}
	if len(s.Scopes) == 0 {
		s.Scopes = []string{SendScope}
	}

	return s
}

// Close releases the connection. The handle is cleared even when releasing
// it fails.
func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}

	conn := b.conn
	b.conn = nil

	if err := conn.Close(); err != nil {
		if b.cfg.FailSilently {
			b.logger.Warn("failed to close gmail connection", "error", err)
			return nil
		}
		return fmt.Errorf("failed to close gmail connection: %w", err)
	}
	return nil
}

// SendMessages delivers msgs in order and returns how many were accepted.
// The first unsuppressed error stops the batch. A connection opened by this
// call is closed before it returns.
func (b *Backend) SendMessages(ctx context.Context, msgs []*email.OutgoingMessage) (sent int, err error) {
	state, err := b.Open(ctx)
	if err != nil || state == OpenFailed || b.conn == nil {
		return 0, err
	}

	if state == Opened {
		defer func() {
			if closeErr := b.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}()
	}

	logger := b.logger.With("batch_id", uuid.NewString())

	for i, msg := range msgs {
		msgLogger := logger.With("index", i)

		env, buildErr := envelope.Build(msg)
		if buildErr != nil {
			msgLogger.Error("failed to build message envelope", "error", buildErr)
			if b.cfg.FailSilently {
				continue
			}
			return sent, fmt.Errorf("failed to build message %d: %w", i, buildErr)
		}

		ok, sendErr := b.send(ctx, msgLogger, env)
		if sendErr != nil {
			return sent, sendErr
		}
		if ok {
			sent++
		}
	}

	logger.Debug("gmail batch finished", "sent", sent, "total", len(msgs))
	return sent, nil
}

// Send submits one envelope. A failure is logged and then translated,
// suppressed or returned as a *SubmissionError, in that order of preference.
func (b *Backend) Send(ctx context.Context, env envelope.Envelope) (bool, error) {
	return b.send(ctx, b.logger, env)
}

func (b *Backend) send(ctx context.Context, logger *slog.Logger, env envelope.Envelope) (bool, error) {
	var err error
	if b.conn == nil {
		err = ErrNotOpen
	} else {
		err = b.conn.Send(ctx, userID, env)
	}
	if err == nil {
		return true, nil
	}

	serr := classifySendError(err)
	logger.Error("failed to send message via gmail api",
		"status", serr.StatusCode,
		"temporary", serr.Temporary(),
		"error", err,
	)

	if b.cfg.TranslateError != nil {
		if translated := b.cfg.TranslateError(serr); translated != nil {
			return false, translated
		}
	}
	if b.cfg.FailSilently {
		return false, nil
	}
	return false, serr
}
