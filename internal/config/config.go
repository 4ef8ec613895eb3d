// Package config provides configuration loading for mailkit: defaults, then
// an optional YAML file, then environment variables, which always win.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	mailtls "github.com/shineum/mailkit/internal/tls"
	"github.com/shineum/mailkit/internal/transport"
)

// Provider names accepted in the provider key.
const (
	ProviderSMTP   = "smtp"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

const (
	defaultTimeout           = 30 * time.Second
	defaultMaxAttachmentSize = "25MB"
)

// Config holds the complete application configuration.
type Config struct {
	Account  AccountConfig `yaml:"account"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	IMAP     IMAPConfig    `yaml:"imap"`
	Timeout  time.Duration `yaml:"timeout"`
	Provider string        `yaml:"provider"`
	SES      SESConfig     `yaml:"ses"`
	Graph    GraphConfig   `yaml:"graph"`
	TLS      TLSConfig     `yaml:"tls"`
	Limits   LimitsConfig  `yaml:"limits"`
	Logging  LoggingConfig `yaml:"logging"`
}

// AccountConfig holds the credentials shared by SMTP and IMAP.
type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SMTPConfig holds the outbound server settings.
type SMTPConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Security          string `yaml:"security"`
	AllowInsecureAuth bool   `yaml:"allow_insecure_auth"`
}

// IMAPConfig holds the mailbox server settings.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Security          string `yaml:"security"`
	Mailbox           string `yaml:"mailbox"`
	AllowInsecureAuth bool   `yaml:"allow_insecure_auth"`
}

// SESConfig holds AWS SES settings. Empty keys fall back to the default
// AWS credential chain.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// TLSConfig controls server certificate verification.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LimitsConfig holds size limits as human-readable sizes such as "25MB".
type LimitsConfig struct {
	MaxAttachmentSize string `yaml:"max_attachment_size"`
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
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
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
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that are parsed on use.
func (c *Config) Validate() error {
	if _, err := transport.ParseSecurity(c.SMTP.Security); err != nil {
		return fmt.Errorf("smtp.security: %w", err)
	}
	if _, err := transport.ParseSecurity(c.IMAP.Security); err != nil {
		return fmt.Errorf("imap.security: %w", err)
	}
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("smtp.port: %d out of range", c.SMTP.Port)
	}
	if c.IMAP.Port < 0 || c.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port: %d out of range", c.IMAP.Port)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout: must not be negative, got %s", c.Timeout)
	}
	if _, err := c.MaxAttachmentBytes(); err != nil {
		return err
	}

	switch c.Provider {
	case ProviderSMTP, ProviderStdout:
	case ProviderSES:
		if c.SES.Region == "" {
			return fmt.Errorf("provider %q requires ses.region", c.Provider)
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			return fmt.Errorf("provider %q requires graph.tenant_id, graph.client_id, graph.client_secret and account.username", c.Provider)
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// GraphConfigured returns true if the Graph credentials and the sending
// account are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Account.Username != ""
}

// SMTPSecurity returns the parsed smtp.security value.
func (c *Config) SMTPSecurity() transport.Security {
	s, _ := transport.ParseSecurity(c.SMTP.Security)
	return s
}

// IMAPSecurity returns the parsed imap.security value.
func (c *Config) IMAPSecurity() transport.Security {
	s, _ := transport.ParseSecurity(c.IMAP.Security)
	return s
}

// MaxAttachmentBytes parses limits.max_attachment_size. Sizes use decimal
// units, so "25MB" is 25,000,000 bytes.
func (c *Config) MaxAttachmentBytes() (int64, error) {
	n, err := units.FromHumanSize(c.Limits.MaxAttachmentSize)
	if err != nil {
		return 0, fmt.Errorf("limits.max_attachment_size: %w", err)
	}
	return n, nil
}

// ClientTLS returns the TLS configuration for both sessions, or nil when the
// system defaults apply.
func (c *Config) ClientTLS() (*tls.Config, error) {
	if c.TLS.CAFile == "" && !c.TLS.InsecureSkipVerify {
		return nil, nil
	}
	return mailtls.ClientConfig(mailtls.ClientOptions{
		CAFile:             c.TLS.CAFile,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	})
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Host = "smtp.gmail.com"
	c.SMTP.Port = 587
	c.SMTP.Security = transport.SecurityStartTLS.String()
	c.IMAP.Host = "imap.gmail.com"
	c.IMAP.Port = 993
	c.IMAP.Security = transport.SecurityTLS.String()
	c.IMAP.Mailbox = "INBOX"
	c.Timeout = defaultTimeout
	c.Provider = ProviderSMTP
	c.Limits.MaxAttachmentSize = defaultMaxAttachmentSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	strs := []struct {
		env string
		dst *string
	}{
		{"MAIL_USERNAME", &c.Account.Username},
		{"MAIL_PASSWORD", &c.Account.Password},
		{"SMTP_HOST", &c.SMTP.Host},
		{"SMTP_SECURITY", &c.SMTP.Security},
		{"IMAP_HOST", &c.IMAP.Host},
		{"IMAP_SECURITY", &c.IMAP.Security},
		{"IMAP_MAILBOX", &c.IMAP.Mailbox},
		{"PROVIDER", &c.Provider},
		{"SES_REGION", &c.SES.Region},
		{"SES_ACCESS_KEY_ID", &c.SES.AccessKeyID},
		{"SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey},
		{"GRAPH_TENANT_ID", &c.Graph.TenantID},
		{"GRAPH_CLIENT_ID", &c.Graph.ClientID},
		{"GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret},
		{"TLS_CA_FILE", &c.TLS.CAFile},
		{"MAX_ATTACHMENT_SIZE", &c.Limits.MaxAttachmentSize},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if c.Provider != "" {
		c.Provider = strings.ToLower(c.Provider)
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"SMTP_PORT", &c.SMTP.Port},
		{"IMAP_PORT", &c.IMAP.Port},
	}
	for _, i := range ints {
		if v := os.Getenv(i.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", i.env, err)
			}
			*i.dst = n
		}
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{"SMTP_ALLOW_INSECURE_AUTH", &c.SMTP.AllowInsecureAuth},
		{"IMAP_ALLOW_INSECURE_AUTH", &c.IMAP.AllowInsecureAuth},
		{"TLS_INSECURE_SKIP_VERIFY", &c.TLS.InsecureSkipVerify},
	}
	for _, b := range bools {
		if v := os.Getenv(b.env); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", b.env, err)
			}
			*b.dst = parsed
		}
	}

	if v := os.Getenv("MAIL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid MAIL_TIMEOUT: %w", err)
		}
		c.Timeout = d
	}
	return nil
}
