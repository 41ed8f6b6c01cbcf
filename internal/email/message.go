// Package email defines the outgoing message model handed to the Gmail backend.
package email

import (
	"fmt"
	"reflect"

	"github.com/emersion/go-message"
)

// OutgoingMessage is a message ready to be built into a Gmail API envelope.
// It must not be modified while a send is in progress.
type OutgoingMessage struct {
	From    string
	To      []string
	ReplyTo []string
	Cc      []string
	Bcc     []string
	Subject string
	Body    string

	// ContentSubtype is the subtype of the text body, e.g. "plain" or "html".
	// An empty value means "plain".
	ContentSubtype string

	Attachments []Attachment
}

// Subtype returns the body subtype, defaulting to "plain".
func (m *OutgoingMessage) Subtype() string {
	if m.ContentSubtype == "" {
		return "plain"
	}
	return m.ContentSubtype
}

// Attachment is either a FileAttachment or a RawPart.
type Attachment interface {
	isAttachment()
}

// FileAttachment is a named in-memory payload. When ContentType is empty the
// type is inferred from the filename extension.
type FileAttachment struct {
	Filename    string
	Content     []byte
	ContentType string
}

// RawPart is an already-formed MIME part attached without any processing.
// Body holds the decoded payload; it is encoded on output according to the
// header's Content-Transfer-Encoding.
type RawPart struct {
	Header message.Header
	Body   []byte
}

func (FileAttachment) isAttachment() {}
func (RawPart) isAttachment()        {}

// Addresses converts address values such as *mail.Address into the string
// form used by OutgoingMessage. Nil entries are skipped.
func Addresses[T fmt.Stringer](addrs ...T) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if v := reflect.ValueOf(a); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
			continue
		}
		out = append(out, a.String())
	}
	return out
}
