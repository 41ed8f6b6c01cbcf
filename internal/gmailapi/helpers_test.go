package gmailapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shineum/gmail-relay-lite/internal/email"
	"github.com/shineum/gmail-relay-lite/internal/envelope"
)

const testSubject = "sender@example.com"

// serviceAccountJSON returns a service-account key file. keyPEM may be a
// placeholder when no token is ever fetched.
func serviceAccountJSON(t *testing.T, tokenURL, keyPEM string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "relay-test",
		"private_key_id": "key-1",
		"private_key":    keyPEM,
		"client_email":   "relay@relay-test.iam.gserviceaccount.com",
		"client_id":      "1234567890",
		"token_uri":      tokenURL,
	})
	require.NoError(t, err)
	return data
}

func generateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func testSettings(t *testing.T) Settings {
	return Settings{
		ServiceAccount: serviceAccountJSON(t, "https://oauth2.example.com/token", "placeholder"),
		Subject:        testSubject,
	}
}

func testMessage(subject string) *email.OutgoingMessage {
	return &email.OutgoingMessage{
		From:    testSubject,
		To:      []string{"rcpt@example.com"},
		Subject: subject,
		Body:    "body of " + subject,
	}
}

func testEnvelope(t *testing.T) envelope.Envelope {
	t.Helper()
	env, err := envelope.Build(testMessage("envelope"))
	require.NoError(t, err)
	return env
}

// fakeConn records sends and fails those whose decoded message contains a
// subject listed in failSubjects.
type fakeConn struct {
	mu           sync.Mutex
	failSubjects map[string]error
	closeErr     error
	sent         []envelope.Envelope
	userIDs      []string
	closeCalls   int
}

func (c *fakeConn) Send(_ context.Context, userID string, env envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := env.Decode()
	if err != nil {
		return err
	}
	for subject, failErr := range c.failSubjects {
		if containsLine(string(raw), "Subject: "+subject) {
			return failErr
		}
	}
	c.sent = append(c.sent, env)
	c.userIDs = append(c.userIDs, userID)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return c.closeErr
}

func containsLine(s, line string) bool {
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSuffix(l, "\r") == line {
			return true
		}
	}
	return false
}

// fakeDialer hands out conn and records the credentials it was given.
type fakeDialer struct {
	conn  *fakeConn
	err   error
	dials int
	creds []*Credential
}

func (d *fakeDialer) Dial(_ context.Context, cred *Credential) (Conn, error) {
	d.dials++
	d.creds = append(d.creds, cred)
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

var errBoom = errors.New("boom")
