// Package config loads relay configuration from environment variables with
// an optional YAML file base layer. Environment variables always win.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultMaxMessageSize = 25 * 1024 * 1024
	defaultMaxFileSize    = 10 * 1024 * 1024
)

// WebhookConfig controls routing and dispatch of outbound webhooks.
type WebhookConfig struct {
	// URL is the default webhook target when no rule matches.
	URL string `yaml:"url"`

	// Rules is the raw WEBHOOK_RULES string: a JSON array or a JSON object
	// with a "rules" array. Parsed by the router. In a YAML file it must be
	// written as a string; a native YAML list does not decode into it and
	// fails the load.
	Rules string `yaml:"rules"`

	// Secret enables HMAC payload signing when non-empty.
	Secret string `yaml:"secret"`

	Timeout           time.Duration `yaml:"timeout"`
	Concurrency       int           `yaml:"concurrency"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	AllowInsecureHTTP bool          `yaml:"allow_insecure_http"`
}

// SMTPConfig controls the inbound SMTP listener.
type SMTPConfig struct {
	Port           int           `yaml:"port"`
	Hostname       string        `yaml:"hostname"`
	Secure         bool          `yaml:"secure"`
	MaxClients     int           `yaml:"max_clients"`
	SocketTimeout  time.Duration `yaml:"socket_timeout"`
	CloseTimeout   time.Duration `yaml:"close_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`

	RateLimitWindow  time.Duration `yaml:"rate_limit_window"`
	RateLimitMaxConn int           `yaml:"rate_limit_max_connections"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// PolicyConfig is the admission policy applied to SMTP sessions.
type PolicyConfig struct {
	AllowedRecipientDomains []string `yaml:"allowed_recipient_domains"`
	AllowedSenderDomains    []string `yaml:"allowed_sender_domains"`
	AllowedSMTPClients      []string `yaml:"allowed_smtp_clients"`
	TrustedRelayIPs         []string `yaml:"trusted_relay_ips"`
	RequireTrustedRelay     bool     `yaml:"require_trusted_relay"`
	RequiredAuthResults     []string `yaml:"required_auth_results"`
}

// StorageConfig controls the attachment storage tier.
type StorageConfig struct {
	S3Region         string `yaml:"s3_region"`
	S3AccessKeyID    string `yaml:"s3_access_key_id"`
	S3SecretKey      string `yaml:"s3_secret_access_key"`
	S3Bucket         string `yaml:"s3_bucket"`
	S3Endpoint       string `yaml:"s3_endpoint"`
	S3ForcePathStyle bool   `yaml:"s3_force_path_style"`

	MaxFileSize int64 `yaml:"max_file_size"`

	LocalPath      string        `yaml:"local_storage_path"`
	RetentionHours int           `yaml:"local_storage_retention"`
	EncryptionKey  string        `yaml:"local_storage_encryption_key"`
	S3RetryEvery   time.Duration `yaml:"s3_retry_interval"`
	S3MaxRetries   int           `yaml:"s3_max_retries"`
}

// QueueConfig controls the durable task queue and the in-memory work queue.
type QueueConfig struct {
	Path         string `yaml:"path"`
	MaxQueueSize int    `yaml:"max_queue_size"`
}

// Config is the complete relay configuration.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	SMTP    SMTPConfig    `yaml:"smtp"`
	Policy  PolicyConfig  `yaml:"policy"`
	Webhook WebhookConfig `yaml:"webhook"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
}

// Load builds the configuration from environment variables only.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.InitDefault(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads the YAML file at path as the base layer, then applies
// environment overrides and defaults.
func LoadFromFile(path string) (*Config, error) {
	const op = errors.Op("config_load_file")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(op, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.E(op, err)
	}

	cfg.applyEnv()
	if err := cfg.InitDefault(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// InitDefault validates the configuration and fills defaults.
func (c *Config) InitDefault() error {
	const op = errors.Op("config_init_default")

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 2525
	}
	if c.SMTP.Hostname == "" {
		c.SMTP.Hostname = "inbound-email.local"
	}
	if c.SMTP.MaxClients == 0 {
		c.SMTP.MaxClients = 50
	}
	if c.SMTP.SocketTimeout == 0 {
		c.SMTP.SocketTimeout = 60 * time.Second
	}
	if c.SMTP.CloseTimeout == 0 {
		c.SMTP.CloseTimeout = 10 * time.Second
	}
	if c.SMTP.MaxMessageSize == 0 {
		c.SMTP.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SMTP.RateLimitWindow == 0 {
		c.SMTP.RateLimitWindow = time.Minute
	}
	if c.SMTP.RateLimitMaxConn == 0 {
		c.SMTP.RateLimitMaxConn = 100
	}
	if c.SMTP.Secure {
		if c.SMTP.TLSCertFile == "" || c.SMTP.TLSKeyFile == "" {
			return errors.E(op, errors.Str("SMTP_SECURE requires TLS_CERT_FILE and TLS_KEY_FILE"))
		}
	}

	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = 5 * time.Second
	}
	if c.Webhook.Concurrency == 0 {
		c.Webhook.Concurrency = 5
	}
	if c.Webhook.RetryDelay == 0 {
		c.Webhook.RetryDelay = time.Minute
	}

	if c.Storage.MaxFileSize == 0 {
		c.Storage.MaxFileSize = defaultMaxFileSize
	}
	if c.Storage.LocalPath == "" {
		c.Storage.LocalPath = "./data/attachments"
	}
	if c.Storage.RetentionHours == 0 {
		c.Storage.RetentionHours = 24
	}
	if c.Storage.S3RetryEvery == 0 {
		c.Storage.S3RetryEvery = 5 * time.Minute
	}
	if c.Storage.S3MaxRetries == 0 {
		c.Storage.S3MaxRetries = 5
	}
	if c.Storage.EncryptionKey != "" {
		if _, err := c.Storage.EncryptionKeyBytes(); err != nil {
			return errors.E(op, err)
		}
	}

	if c.Queue.Path == "" {
		c.Queue.Path = "./data/queue"
	}
	if c.Queue.MaxQueueSize == 0 {
		c.Queue.MaxQueueSize = 100
	}

	if c.Production() {
		if err := c.productionGate(); err != nil {
			return err
		}
	}

	return nil
}

// Production reports whether the hardening gate applies.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// productionGate refuses startup configurations that would relay or leak
// mail when exposed to the open internet.
func (c *Config) productionGate() error {
	const op = errors.Op("config_production_gate")

	if !c.Policy.RequireTrustedRelay {
		return errors.E(op, errors.Str("production requires REQUIRE_TRUSTED_RELAY=true"))
	}
	if len(c.Policy.TrustedRelayIPs) == 0 {
		return errors.E(op, errors.Str("production requires TRUSTED_RELAY_IPS"))
	}
	if len(c.Policy.AllowedRecipientDomains) == 0 {
		return errors.E(op, errors.Str("production requires ALLOWED_RECIPIENT_DOMAINS"))
	}
	if c.Webhook.Secret == "" {
		return errors.E(op, errors.Str("production requires WEBHOOK_SECRET"))
	}
	if c.Webhook.AllowInsecureHTTP {
		return errors.E(op, errors.Str("production forbids ALLOW_INSECURE_WEBHOOK_HTTP"))
	}
	return nil
}

// S3Configured reports whether the primary object store can be used.
func (c *StorageConfig) S3Configured() bool {
	return c.S3Region != "" && c.S3AccessKeyID != "" && c.S3SecretKey != "" && c.S3Bucket != ""
}

// EncryptionKeyBytes decodes the at-rest encryption key from hex or base64.
// The key must decode to exactly 32 bytes.
func (c *StorageConfig) EncryptionKeyBytes() ([]byte, error) {
	const op = errors.Op("config_encryption_key")

	if c.EncryptionKey == "" {
		return nil, nil
	}
	if key, err := hex.DecodeString(c.EncryptionKey); err == nil {
		if len(key) != 32 {
			return nil, errors.E(op, errors.Str("encryption key must be 32 bytes"))
		}
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, errors.E(op, errors.Str("encryption key is neither hex nor base64"))
	}
	if len(key) != 32 {
		return nil, errors.E(op, errors.Str("encryption key must be 32 bytes"))
	}
	return key, nil
}

// applyEnv overrides configuration with environment variables. Only
// non-empty variables take effect.
func (c *Config) applyEnv() {
	setString(&c.Environment, "ENVIRONMENT")
	setString(&c.LogLevel, "LOG_LEVEL")

	setInt(&c.SMTP.Port, "PORT")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setBool(&c.SMTP.Secure, "SMTP_SECURE")
	setInt(&c.SMTP.MaxClients, "SMTP_MAX_CLIENTS")
	setMillis(&c.SMTP.SocketTimeout, "SMTP_SOCKET_TIMEOUT")
	setMillis(&c.SMTP.CloseTimeout, "SMTP_CLOSE_TIMEOUT")
	setInt64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")
	setMillis(&c.SMTP.RateLimitWindow, "SMTP_RATE_LIMIT_WINDOW_MS")
	setInt(&c.SMTP.RateLimitMaxConn, "SMTP_RATE_LIMIT_MAX_CONNECTIONS")
	setString(&c.SMTP.TLSCertFile, "TLS_CERT_FILE")
	setString(&c.SMTP.TLSKeyFile, "TLS_KEY_FILE")

	setList(&c.Policy.AllowedRecipientDomains, "ALLOWED_RECIPIENT_DOMAINS")
	setList(&c.Policy.AllowedSenderDomains, "ALLOWED_SENDER_DOMAINS")
	setList(&c.Policy.AllowedSMTPClients, "ALLOWED_SMTP_CLIENTS")
	setList(&c.Policy.TrustedRelayIPs, "TRUSTED_RELAY_IPS")
	setBool(&c.Policy.RequireTrustedRelay, "REQUIRE_TRUSTED_RELAY")
	setList(&c.Policy.RequiredAuthResults, "REQUIRED_AUTH_RESULTS")

	setString(&c.Webhook.URL, "WEBHOOK_URL")
	setString(&c.Webhook.Rules, "WEBHOOK_RULES")
	setString(&c.Webhook.Secret, "WEBHOOK_SECRET")
	setMillis(&c.Webhook.Timeout, "WEBHOOK_TIMEOUT")
	setInt(&c.Webhook.Concurrency, "WEBHOOK_CONCURRENCY")
	setMillis(&c.Webhook.RetryDelay, "WEBHOOK_RETRY_DELAY_MS")
	setBool(&c.Webhook.AllowInsecureHTTP, "ALLOW_INSECURE_WEBHOOK_HTTP")

	setString(&c.Storage.S3Region, "S3_REGION")
	setString(&c.Storage.S3AccessKeyID, "S3_ACCESS_KEY_ID")
	setString(&c.Storage.S3SecretKey, "S3_SECRET_ACCESS_KEY")
	setString(&c.Storage.S3Bucket, "S3_BUCKET")
	setString(&c.Storage.S3Endpoint, "S3_ENDPOINT")
	setBool(&c.Storage.S3ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setInt64(&c.Storage.MaxFileSize, "MAX_FILE_SIZE")
	setString(&c.Storage.LocalPath, "LOCAL_STORAGE_PATH")
	setInt(&c.Storage.RetentionHours, "LOCAL_STORAGE_RETENTION")
	setString(&c.Storage.EncryptionKey, "LOCAL_STORAGE_ENCRYPTION_KEY")
	setMinutes(&c.Storage.S3RetryEvery, "S3_RETRY_INTERVAL")
	setInt(&c.Storage.S3MaxRetries, "S3_MAX_RETRIES")

	setString(&c.Queue.Path, "DURABLE_QUEUE_PATH")
	setInt(&c.Queue.MaxQueueSize, "MAX_QUEUE_SIZE")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1" || v == "yes"
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func setMinutes(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Minute
		}
	}
}

// setList accepts either a JSON array ("[\"a\",\"b\"]") or a
// comma-separated list ("a,b").
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if strings.HasPrefix(strings.TrimSpace(v), "[") {
		var items []string
		if err := json.Unmarshal([]byte(v), &items); err == nil {
			*dst = items
			return
		}
	}
	parts := strings.Split(v, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			items = append(items, t)
		}
	}
	*dst = items
}
