// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the inbound relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shineum/inbound-relay/internal/mandrill"
)

// defaultMaxBodySize is 50 MB in bytes. Mandrill batches carry base64
// attachments inline, so bodies run well above the message size.
const defaultMaxBodySize = 52428800

// Config holds the complete application configuration.
type Config struct {
	Provider    string            `yaml:"provider"`
	HTTP        HTTPConfig        `yaml:"http"`
	SPF         SPFConfig         `yaml:"spf"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Forward     ForwardConfig     `yaml:"forward"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	SES         SESConfig         `yaml:"ses"`
	Graph       GraphConfig       `yaml:"graph"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Redis       RedisConfig       `yaml:"redis"`
	TLS         TLSConfig         `yaml:"tls"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// HTTPConfig holds webhook listener configuration.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`

	// PublicURL is the webhook URL exactly as registered with Mandrill. It
	// is part of the signed payload.
	PublicURL   string `yaml:"public_url"`
	WebhookKey  string `yaml:"webhook_key"`
	MaxBodySize int    `yaml:"max_body_size"`
}

// SPFConfig overrides the default SPF policy. Unset fields keep the default.
type SPFConfig struct {
	Validate  *bool    `yaml:"validate"`
	Whitelist []string `yaml:"whitelist"`
}

// AttachmentsConfig controls where attachment temp files are written.
type AttachmentsConfig struct {
	TempDir string `yaml:"temp_dir"`
}

// ForwardConfig lists where the SES and Graph providers relay messages.
type ForwardConfig struct {
	To []string `yaml:"to"`
}

// DeliveryConfig bounds how many messages of one batch are handed to the
// provider at once.
type DeliveryConfig struct {
	Workers int `yaml:"workers"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// ArchiveConfig holds S3 archive configuration.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// RedisConfig holds Redis queue configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// TLSConfig holds TLS certificate file paths. With SelfSigned set and no
// files, an in-memory certificate is generated.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SelfSigned bool   `yaml:"self_signed"`
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

// SPFOverride converts the SPF section into an override of the default policy.
func (c *Config) SPFOverride() mandrill.SPFOverride {
	return mandrill.SPFOverride{
		Validate:  c.SPF.Validate,
		Whitelist: c.SPF.Whitelist,
	}
}

// SignatureEnabled returns true if webhook signatures must be verified.
func (c *Config) SignatureEnabled() bool {
	return c.HTTP.WebhookKey != ""
}

// TLSEnabled returns true if the listener should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return (c.TLS.CertFile != "" && c.TLS.KeyFile != "") || c.TLS.SelfSigned
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// ArchiveConfigured returns true if an archive bucket is set.
func (c *Config) ArchiveConfigured() bool {
	return c.Archive.Bucket != ""
}

// RedisConfigured returns true if a Redis address is set.
func (c *Config) RedisConfigured() bool {
	return c.Redis.Addr != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":8080"
	c.HTTP.Path = "/webhooks/mandrill"
	c.HTTP.MaxBodySize = defaultMaxBodySize
	c.Delivery.Workers = 4
	c.Archive.Prefix = "inbound"
	c.Redis.Key = "inbound:messages"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("HTTP_PATH"); v != "" {
		c.HTTP.Path = v
	}
	if v := os.Getenv("HTTP_PUBLIC_URL"); v != "" {
		c.HTTP.PublicURL = v
	}
	if v := os.Getenv("MANDRILL_WEBHOOK_KEY"); v != "" {
		c.HTTP.WebhookKey = v
	}
	if v := os.Getenv("HTTP_MAX_BODY_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			c.HTTP.MaxBodySize = size
		}
	}

	if v := os.Getenv("SPF_VALIDATE"); v != "" {
		if validate, err := strconv.ParseBool(v); err == nil {
			c.SPF.Validate = &validate
		}
	}
	if v := os.Getenv("SPF_WHITELIST"); v != "" {
		c.SPF.Whitelist = splitList(v)
	}

	if v := os.Getenv("ATTACHMENT_TEMP_DIR"); v != "" {
		c.Attachments.TempDir = v
	}

	if v := os.Getenv("FORWARD_TO"); v != "" {
		c.Forward.To = splitList(v)
	}

	if v := os.Getenv("DELIVERY_WORKERS"); v != "" {
		if workers, err := strconv.Atoi(v); err == nil && workers > 0 {
			c.Delivery.Workers = workers
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("ARCHIVE_BUCKET"); v != "" {
		c.Archive.Bucket = v
	}
	if v := os.Getenv("ARCHIVE_PREFIX"); v != "" {
		c.Archive.Prefix = v
	}
	if v := os.Getenv("ARCHIVE_REGION"); v != "" {
		c.Archive.Region = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("REDIS_KEY"); v != "" {
		c.Redis.Key = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("TLS_SELF_SIGNED"); v != "" {
		if selfSigned, err := strconv.ParseBool(v); err == nil {
			c.TLS.SelfSigned = selfSigned
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
