// Package envelope builds the raw message envelope accepted by the Gmail API
// users.messages.send endpoint.
package envelope

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/gmail-relay-lite/internal/email"
)

// Envelope is the request body for users.messages.send.
type Envelope struct {
	Raw string `json:"raw"`
}

// Decode returns the serialized message carried by the envelope.
func (e Envelope) Decode() ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(e.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return raw, nil
}

// Build serializes msg and wraps it as a base64url-encoded envelope.
func Build(msg *email.OutgoingMessage) (Envelope, error) {
	raw, err := Serialize(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Raw: base64.URLEncoding.EncodeToString(raw)}, nil
}

// Serialize renders msg in Internet Message Format. Messages without
// attachments are a single text part; otherwise the text part is the first
// part of a multipart/mixed container followed by one part per attachment.
func Serialize(msg *email.OutgoingMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("message is nil")
	}

	var buf bytes.Buffer
	h := addressHeader(msg)

	if len(msg.Attachments) == 0 {
		setTextContent(&h.Header, msg.Subtype())
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := io.WriteString(w, msg.Body); err != nil {
			return nil, fmt.Errorf("failed to write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish message: %w", err)
		}
		return buf.Bytes(), nil
	}

	h.SetContentType("multipart/mixed", nil)
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart writer: %w", err)
	}

	var bodyHeader message.Header
	setTextContent(&bodyHeader, msg.Subtype())
	if err := writePart(mw, bodyHeader, []byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("failed to write body part: %w", err)
	}

	for i, att := range msg.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return nil, fmt.Errorf("failed to write attachment %d: %w", i, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart message: %w", err)
	}
	return buf.Bytes(), nil
}

// addressHeader sets the address and subject fields. Optional lists are
// omitted entirely when empty.
func addressHeader(msg *email.OutgoingMessage) mail.Header {
	var h mail.Header
	h.Set("To", joinAddresses(msg.To))
	h.Set("From", encodeAddress(msg.From))
	if len(msg.ReplyTo) > 0 {
		h.Set("Reply-To", joinAddresses(msg.ReplyTo))
	}
	if len(msg.Cc) > 0 {
		h.Set("Cc", joinAddresses(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		h.Set("Bcc", joinAddresses(msg.Bcc))
	}
	h.SetSubject(msg.Subject)
	return h
}

func joinAddresses(addrs []string) string {
	encoded := make([]string, len(addrs))
	for i, a := range addrs {
		encoded[i] = encodeAddress(a)
	}
	return strings.Join(encoded, ",")
}

// encodeAddress RFC 2047-encodes a non-ASCII display name. ASCII and
// unparseable values are written unchanged.
func encodeAddress(a string) string {
	if isASCII(a) {
		return a
	}
	parsed, err := mail.ParseAddress(a)
	if err != nil {
		return a
	}
	return parsed.String()
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func setTextContent(h *message.Header, subtype string) {
	h.SetContentType("text/"+subtype, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
}

var errNilAttachment = errors.New("attachment is nil")

func writeAttachment(mw *message.Writer, att email.Attachment) error {
	switch a := att.(type) {
	case email.RawPart:
		return writePart(mw, a.Header, a.Body)
	case *email.RawPart:
		if a == nil {
			return errNilAttachment
		}
		return writePart(mw, a.Header, a.Body)
	case email.FileAttachment:
		return writePart(mw, fileHeader(a), a.Content)
	case *email.FileAttachment:
		if a == nil {
			return errNilAttachment
		}
		return writePart(mw, fileHeader(*a), a.Content)
	default:
		return fmt.Errorf("unsupported attachment type %T", att)
	}
}

// fileHeader resolves the attachment's type and marks it as a base64-encoded
// attachment disposition.
func fileHeader(a email.FileAttachment) message.Header {
	major, minor := SplitType(ResolveContentType(a.Filename, a.ContentType))

	var params map[string]string
	if KindOf(major) == KindText {
		charset := ExplicitCharset(a.ContentType)
		if charset == "" {
			charset = "utf-8"
		}
		params = map[string]string{"charset": charset}
	}

	var h message.Header
	h.SetContentType(major+"/"+minor, params)
	h.SetContentDisposition("attachment", map[string]string{"filename": a.Filename})
	h.Set("Content-Transfer-Encoding", "base64")
	return h
}

func writePart(mw *message.Writer, h message.Header, body []byte) error {
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := pw.Write(body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}
