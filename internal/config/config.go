// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the Gmail relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

var (
	// ErrServiceAccountMissing is returned when no service account is configured.
	ErrServiceAccountMissing = errors.New("gmail service account is required (GOOGLE_SERVICE_ACCOUNT)")

	// ErrSenderMissing is returned when no impersonated sender is configured.
	ErrSenderMissing = errors.New("gmail sender is required (GMAIL_SENDER or EMAIL_FROM)")
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	Gmail   GmailConfig   `yaml:"gmail"`
	AWS     AWSConfig     `yaml:"aws"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// GmailConfig holds the Gmail API backend settings.
type GmailConfig struct {
	// ServiceAccount is inline JSON, a file path, a file:// URL or an
	// s3://bucket/key reference.
	ServiceAccount string   `yaml:"service_account"`
	Scopes         []string `yaml:"scopes"`
	Sender         string   `yaml:"sender"`
	FailSilently   bool     `yaml:"fail_silently"`
	DeferOnFailure bool     `yaml:"defer_on_failure"`
	DryRun         bool     `yaml:"dry_run"`
}

// AWSConfig holds the credentials used to fetch s3:// service accounts.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports the first missing required setting. A dry run still
// needs credentials so that the configuration is checked end to end.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gmail.ServiceAccount) == "" {
		return ErrServiceAccountMissing
	}
	if strings.TrimSpace(c.Gmail.Sender) == "" {
		return ErrSenderMissing
	}
	return nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Gmail.DeferOnFailure = true
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("GOOGLE_SERVICE_ACCOUNT"); v != "" {
		c.Gmail.ServiceAccount = v
	}
	if v := os.Getenv("GMAIL_SCOPES"); v != "" {
		c.Gmail.Scopes = splitList(v)
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" && c.Gmail.Sender == "" {
		c.Gmail.Sender = v
	}
	if v := os.Getenv("GMAIL_SENDER"); v != "" {
		c.Gmail.Sender = v
	}
	envBool("GMAIL_FAIL_SILENTLY", &c.Gmail.FailSilently)
	envBool("GMAIL_DEFER_ON_FAILURE", &c.Gmail.DeferOnFailure)
	envBool("GMAIL_DRY_RUN", &c.Gmail.DryRun)

	if v := os.Getenv("AWS_REGION"); v != "" {
		c.AWS.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		c.AWS.AccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.AWS.SecretAccessKey = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// envBool overrides dst when the variable holds a valid boolean.
func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
