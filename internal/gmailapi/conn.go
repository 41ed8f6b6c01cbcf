package gmailapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/shineum/gmail-relay-lite/internal/envelope"
)

// defaultRequestTimeout bounds each Gmail API request.
const defaultRequestTimeout = 30 * time.Second

// Conn is an authenticated handle to the Gmail send endpoint.
type Conn interface {
	// Send submits env on behalf of userID ("me" is the impersonated subject).
	Send(ctx context.Context, userID string, env envelope.Envelope) error

	// Close releases the handle. It is safe to call more than once.
	Close() error
}

// Dialer opens a Conn for a credential.
type Dialer interface {
	Dial(ctx context.Context, cred *Credential) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, cred *Credential) (Conn, error)

// Dial calls f(ctx, cred).
func (f DialFunc) Dial(ctx context.Context, cred *Credential) (Conn, error) {
	return f(ctx, cred)
}

// GoogleDialer opens Conns backed by the Gmail API Go client.
type GoogleDialer struct {
	// Endpoint overrides the API base URL, e.g. for tests. Empty uses
	// https://gmail.googleapis.com/.
	Endpoint string

	// Timeout bounds each HTTP request. Zero means 30 seconds.
	Timeout time.Duration
}

// Dial builds an OAuth2-authorized HTTP client from cred and wraps it in a
// Gmail service. No network traffic happens until the first Send.
func (d GoogleDialer) Dial(ctx context.Context, cred *Credential) (Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	httpClient := cred.HTTPClient(ctx)
	httpClient.Timeout = timeout

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if d.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(d.Endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	return &googleConn{svc: svc, httpClient: httpClient}, nil
}

type googleConn struct {
	mu         sync.Mutex
	svc        *gmail.Service
	httpClient *http.Client
}

func (c *googleConn) Send(ctx context.Context, userID string, env envelope.Envelope) error {
	c.mu.Lock()
	svc := c.svc
	c.mu.Unlock()
	if svc == nil {
		return ErrNotOpen
	}

	_, err := svc.Users.Messages.Send(userID, &gmail.Message{Raw: env.Raw}).Context(ctx).Do()
	return err
}

func (c *googleConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.svc == nil {
		return nil
	}
	c.svc = nil
	c.httpClient.CloseIdleConnections()
	return nil
}
