// Package stdout implements a dry-run Gmail connection that prints each
// submitted message to standard output instead of calling the API.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/gmail-relay-lite/internal/email"
	"github.com/shineum/gmail-relay-lite/internal/envelope"
	"github.com/shineum/gmail-relay-lite/internal/gmailapi"
	"github.com/shineum/gmail-relay-lite/internal/parser"
)

const separator = "========================================\n"

// Dialer opens Conns that print messages in a human-readable format.
type Dialer struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	mu     *sync.Mutex
}

var _ gmailapi.Dialer = (*Dialer)(nil)

// New creates a Dialer that writes to os.Stdout.
func New() *Dialer {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a Dialer that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Dialer {
	return &Dialer{writer: w, mu: &sync.Mutex{}}
}

// Dial never contacts Google; the credential is only reported.
func (d *Dialer) Dial(_ context.Context, cred *gmailapi.Credential) (gmailapi.Conn, error) {
	subject := ""
	if cred != nil {
		subject = cred.Subject
	}
	return &conn{dialer: d, subject: subject}, nil
}

type conn struct {
	dialer  *Dialer
	subject string
	closed  bool
}

// Send decodes the envelope and prints its contents.
func (c *conn) Send(_ context.Context, userID string, env envelope.Envelope) error {
	if c.closed {
		return gmailapi.ErrNotOpen
	}

	raw, err := env.Decode()
	if err != nil {
		return err
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse envelope: %w", err)
	}

	var b strings.Builder

	b.WriteString(separator)
	if c.subject != "" {
		b.WriteString(fmt.Sprintf("Sender: %s (%s)\n", userID, c.subject))
	}
	b.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))

	if len(msg.Cc) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\n", strings.Join(msg.Cc, ", ")))
	}
	if len(msg.Bcc) > 0 {
		b.WriteString(fmt.Sprintf("Bcc: %s\n", strings.Join(msg.Bcc, ", ")))
	}

	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	b.WriteString(fmt.Sprintf("Body (%s):\n", msg.Subtype()))
	b.WriteString(msg.Body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, describe(att))
		}
		b.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(attachments, ", ")))
	}

	b.WriteString(separator)

	c.dialer.mu.Lock()
	defer c.dialer.mu.Unlock()
	if _, err := fmt.Fprint(c.dialer.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}

func describe(att email.Attachment) string {
	switch a := att.(type) {
	case email.FileAttachment:
		return fmt.Sprintf("%s (%s)", a.Filename, formatSize(len(a.Content)))
	case email.RawPart:
		mediaType, _, _ := a.Header.ContentType()
		if mediaType == "" {
			mediaType = "inline"
		}
		return fmt.Sprintf("%s (%s)", mediaType, formatSize(len(a.Body)))
	default:
		return fmt.Sprintf("%T", att)
	}
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
