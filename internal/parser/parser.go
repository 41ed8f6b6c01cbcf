// Package parser turns RFC 5322 messages received over SMTP into outgoing
// messages for the Gmail backend.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/gmail-relay-lite/internal/email"
)

// Parse parses a raw message. The first inline text/html part becomes the
// body; otherwise the first text/plain part does. Attachment parts become
// FileAttachments and other non-text inline parts (such as images referenced
// by Content-ID) are kept as RawParts.
func Parse(raw []byte) (*email.OutgoingMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		if mr == nil || !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to parse message: %w", err)
		}
		slog.Warn("unknown message charset, using raw bytes", "error", err)
	}

	if mediaType, params, err := mr.Header.ContentType(); err == nil &&
		strings.HasPrefix(mediaType, "multipart/") && params["boundary"] == "" {
		return nil, fmt.Errorf("multipart message missing boundary")
	}

	msg := &email.OutgoingMessage{
		From:    headerFrom(mr.Header),
		To:      addressList(mr.Header, "To"),
		Cc:      addressList(mr.Header, "Cc"),
		Bcc:     addressList(mr.Header, "Bcc"),
		ReplyTo: addressList(mr.Header, "Reply-To"),
		Subject: headerSubject(mr.Header),
	}

	var plain, html string
	var havePlain, haveHTML bool

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			slog.Warn("failed to read part content", "error", err)
			continue
		}

		hdr := partHeader(part.Header)
		mediaType, _, err := hdr.ContentType()
		if err != nil || mediaType == "" {
			mediaType = "text/plain"
		}
		disp, _, _ := hdr.ContentDisposition()

		switch {
		case disp == "attachment":
			msg.Attachments = append(msg.Attachments, fileAttachment(hdr, mediaType, content))
		case mediaType == "text/html":
			if !haveHTML {
				html, haveHTML = string(content), true
			}
		case mediaType == "text/plain":
			if !havePlain {
				plain, havePlain = string(content), true
			}
		case strings.HasPrefix(mediaType, "text/"):
			slog.Warn("unrecognized inline text part, skipping",
				"content_type", mediaType,
			)
		case disp == "inline" || hdr.Has("Content-Id"):
			msg.Attachments = append(msg.Attachments, email.RawPart{
				Header: hdr.Copy(),
				Body:   content,
			})
		default:
			msg.Attachments = append(msg.Attachments, fileAttachment(hdr, mediaType, content))
		}
	}

	switch {
	case haveHTML:
		msg.Body = html
		msg.ContentSubtype = "html"
	default:
		msg.Body = plain
		msg.ContentSubtype = "plain"
	}

	return msg, nil
}

// partHeader unwraps the header of a part regardless of how the reader
// classified it.
func partHeader(h mail.PartHeader) message.Header {
	switch h := h.(type) {
	case *mail.InlineHeader:
		return h.Header
	case *mail.AttachmentHeader:
		return h.Header
	default:
		return message.Header{}
	}
}

func fileAttachment(hdr message.Header, mediaType string, content []byte) email.FileAttachment {
	ah := mail.AttachmentHeader{Header: hdr}
	filename, _ := ah.Filename()
	if strings.TrimSpace(filename) == "" {
		filename = fallbackFilename(mediaType)
	}
	return email.FileAttachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
	}
}

// fallbackFilename names an attachment that carries no filename, e.g.
// "attachment.pdf" for application/pdf.
func fallbackFilename(mediaType string) string {
	if _, subtype, ok := strings.Cut(mediaType, "/"); ok && subtype != "" {
		return "attachment." + subtype
	}
	return "attachment"
}

// address formats a parsed address as a bare addr-spec when it has no
// display name.
type address struct {
	addr *mail.Address
}

func (a address) String() string {
	if a.addr.Name == "" {
		return a.addr.Address
	}
	return a.addr.String()
}

// addressList returns the formatted addresses of a header field, or nil if
// the field is absent. Unparseable lists fall back to a comma split.
func addressList(h mail.Header, key string) []string {
	if !h.Has(key) {
		return nil
	}

	list, err := h.AddressList(key)
	if err != nil {
		slog.Warn("failed to parse address list, splitting on commas",
			"header", key,
			"error", err,
		)
		return splitAddresses(h.Get(key))
	}
	if len(list) == 0 {
		return nil
	}

	wrapped := make([]address, 0, len(list))
	for _, a := range list {
		wrapped = append(wrapped, address{addr: a})
	}
	return email.Addresses(wrapped...)
}

func splitAddresses(raw string) []string {
	var result []string
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func headerFrom(h mail.Header) string {
	if from := addressList(h, "From"); len(from) > 0 {
		return from[0]
	}
	return ""
}

func headerSubject(h mail.Header) string {
	subject, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return subject
}
