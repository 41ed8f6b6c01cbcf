package gmailapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"google.golang.org/api/gmail/v1"
)

// SendScope is the only scope needed to submit mail.
const SendScope = gmail.GmailSendScope

// Credential is a service-account identity that impersonates a Workspace user
// through domain-wide delegation.
type Credential struct {
	// Subject is the impersonated mailbox address.
	Subject string
	Scopes  []string

	config *jwt.Config
}

// NewCredential parses a service-account JSON key and binds it to subject.
// All failures are returned as *CredentialError.
func NewCredential(serviceAccountJSON []byte, scopes []string, subject string) (*Credential, error) {
	if len(bytes.TrimSpace(serviceAccountJSON)) == 0 {
		return nil, &CredentialError{Err: errors.New("service account JSON is empty")}
	}
	if len(scopes) == 0 {
		return nil, &CredentialError{Err: errors.New("at least one scope is required")}
	}
	if subject == "" {
		return nil, &CredentialError{Err: errors.New("impersonated subject is required")}
	}

	addr, err := mail.ParseAddress(subject)
	if err != nil {
		return nil, &CredentialError{Err: fmt.Errorf("invalid subject %q: %w", subject, err)}
	}

	cfg, err := google.JWTConfigFromJSON(serviceAccountJSON, scopes...)
	if err != nil {
		return nil, &CredentialError{Err: err}
	}
	cfg.Subject = addr.Address

	return &Credential{
		Subject: addr.Address,
		Scopes:  append([]string(nil), scopes...),
		config:  cfg,
	}, nil
}

// ServiceAccountEmail returns the client_email of the underlying key.
func (c *Credential) ServiceAccountEmail() string {
	return c.config.Email
}

// TokenSource returns a source of access tokens for the impersonated subject.
// Tokens are fetched lazily and reused until they expire. Cancelling ctx does
// not stop later refreshes.
func (c *Credential) TokenSource(ctx context.Context) oauth2.TokenSource {
	return c.config.TokenSource(context.WithoutCancel(ctx))
}

// HTTPClient returns a client that authorizes every request with the
// credential's access token. The token endpoint is reached through the
// client carried by ctx under oauth2.HTTPClient, if any.
func (c *Credential) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, c.TokenSource(ctx))
}
