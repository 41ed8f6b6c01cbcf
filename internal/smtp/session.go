package smtp

import (
	"errors"
	"io"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/shineum/gmail-relay-lite/internal/email"
	"github.com/shineum/gmail-relay-lite/internal/gmailapi"
	"github.com/shineum/gmail-relay-lite/internal/parser"
)

var (
	errAuthDisabled = errors.New("authentication not enabled")
	errMechanism    = errors.New("unsupported authentication mechanism")

	// replyParseFailed is returned when DATA cannot be parsed as a message.
	replyParseFailed = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Failed to process message",
	}

	// replyDeferred asks the client to retry later.
	replyDeferred = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 4, 0},
		Message:      "Temporary failure, please try again later",
	}

	// replyFailed rejects the message permanently.
	replyFailed = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 0, 0},
		Message:      "Message delivery failed",
	}
)

type backend struct {
	server *Server
}

func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return newSession(b.server, c), nil
}

// session is the state of one SMTP client connection.
type session struct {
	server        *Server
	logger        *slog.Logger
	authenticated bool

	// Current transaction
	from  string
	rcpts []string
}

func newSession(s *Server, c *gosmtp.Conn) *session {
	logger := slog.Default().With("session_id", uuid.NewString())
	if c != nil && c.Conn() != nil {
		logger = logger.With("remote_addr", c.Conn().RemoteAddr().String())
	}
	return &session{server: s, logger: logger}
}

func (s *session) AuthMechanisms() []string {
	if s.server.auth.Enabled() {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.server.auth.Enabled() {
		return nil, errAuthDisabled
	}
	if mech != sasl.Plain {
		return nil, errMechanism
	}
	return s.server.auth.PlainServer(func(username string) {
		s.authenticated = true
		s.logger.Debug("client authenticated", "username", username)
	}), nil
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.server.auth.Enabled() && !s.authenticated {
		return gosmtp.ErrAuthRequired
	}
	s.from = from
	s.rcpts = nil
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.server.auth.Enabled() && !s.authenticated {
		return gosmtp.ErrAuthRequired
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data parses the message and delivers it through a fresh mailer.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		s.logger.Error("failed to parse message", "error", err)
		return replyParseFailed
	}

	applyEnvelope(msg, s.from, s.rcpts)

	mailer := s.server.config.NewMailer()
	sent, err := mailer.SendMessages(s.server.baseContext(), []*email.OutgoingMessage{msg})
	if reply := deliveryReply(sent, err); reply != nil {
		s.logger.Error("gmail delivery failed",
			"sent", sent,
			"error", err,
		)
		return reply
	}

	s.logger.Info("message relayed",
		"from", msg.From,
		"recipients", len(msg.To)+len(msg.Cc)+len(msg.Bcc),
		"size", len(raw),
	)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}

// deliveryReply maps the mailer result to an SMTP reply; nil means 250.
func deliveryReply(sent int, err error) error {
	var terr *gmailapi.TransportError
	switch {
	case errors.As(err, &terr):
		return replyDeferred
	case err != nil || sent == 0:
		return replyFailed
	default:
		return nil
	}
}

// applyEnvelope fills the sender from MAIL FROM when the headers carry none
// and makes sure every RCPT TO recipient receives the message. Recipients
// absent from the headers are added as Bcc; a message without any recipient
// headers is addressed To the envelope recipients.
func applyEnvelope(msg *email.OutgoingMessage, from string, rcpts []string) {
	if msg.From == "" {
		msg.From = from
	}

	if len(msg.To) == 0 && len(msg.Cc) == 0 && len(msg.Bcc) == 0 {
		msg.To = append([]string(nil), rcpts...)
		return
	}

	known := make(map[string]struct{})
	for _, list := range [][]string{msg.To, msg.Cc, msg.Bcc} {
		for _, a := range list {
			known[addrKey(a)] = struct{}{}
		}
	}

	for _, rcpt := range rcpts {
		key := addrKey(rcpt)
		if _, ok := known[key]; ok {
			continue
		}
		known[key] = struct{}{}
		msg.Bcc = append(msg.Bcc, rcpt)
	}
}

// addrKey normalizes an address for comparison.
func addrKey(a string) string {
	if parsed, err := mail.ParseAddress(a); err == nil {
		a = parsed.Address
	}
	return strings.ToLower(strings.TrimSpace(a))
}
