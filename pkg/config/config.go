// Package config loads node settings from MESH_* environment variables and optional YAML files.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreadstar/abhaya-sensor-android/pkg/ledger"
	"github.com/dreadstar/abhaya-sensor-android/pkg/observability"
	"github.com/dreadstar/abhaya-sensor-android/pkg/transport"
)

// Config holds node configuration.
type Config struct {
	Identity string `yaml:"identity"`
	DataDir  string `yaml:"data_dir"`
	KeyFile  string `yaml:"key_file"`
	// KeyPassphrase is only read from MESH_KEY_PASSPHRASE, never from files.
	KeyPassphrase string `yaml:"-"`

	LedgerBackend string `yaml:"ledger_backend"` // "file" | "sqlite" | "postgres" | "memory"
	DatabaseURL   string `yaml:"database_url"`

	Transport     string `yaml:"transport"` // "loopback" | "redis" | "http"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`
	RedisChannel  string `yaml:"redis_channel"`
	HTTPBaseURL   string `yaml:"http_base_url"`
	ListenAddr    string `yaml:"listen_addr"`
	AuthToken     string `yaml:"-"`

	DirectoryURL          string        `yaml:"directory_url"`
	CollectTimeout        time.Duration `yaml:"collect_timeout"`
	RequireSignature      bool          `yaml:"require_signature"`
	RequireChainLedger    bool          `yaml:"require_chain_ledger"`
	OfferPolicy           string        `yaml:"offer_policy"`
	InboundRate           float64       `yaml:"inbound_rate"` // payloads per second, 0 = unlimited
	RevocationAuthorities []string      `yaml:"revocation_authorities"`

	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	EnableS3   bool   `yaml:"enable_s3"`
	EnableGCS  bool   `yaml:"enable_gcs"`

	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTelEndpoint string `yaml:"otel_endpoint"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "meshnode"
	}
	return &Config{
		Identity:       host,
		DataDir:        "data",
		LedgerBackend:  ledger.BackendFile,
		Transport:      transport.KindLoopback,
		RedisAddr:      "localhost:6379",
		RedisChannel:   transport.DefaultRedisChannel,
		ListenAddr:     ":8787",
		CollectTimeout: 3 * time.Second,
		LogLevel:       "INFO",
		LogFormat:      "text",
		OTelEndpoint:   "localhost:4317",
	}
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := Defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML file over the defaults. Environment variables still win.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("MESH_IDENTITY", &c.Identity)
	str("MESH_DATA_DIR", &c.DataDir)
	str("MESH_KEY_FILE", &c.KeyFile)
	str("MESH_KEY_PASSPHRASE", &c.KeyPassphrase)
	str("MESH_LEDGER_BACKEND", &c.LedgerBackend)
	str("MESH_DATABASE_URL", &c.DatabaseURL)
	str("MESH_TRANSPORT", &c.Transport)
	str("MESH_REDIS_ADDR", &c.RedisAddr)
	str("MESH_REDIS_PASSWORD", &c.RedisPassword)
	str("MESH_REDIS_CHANNEL", &c.RedisChannel)
	str("MESH_HTTP_BASE_URL", &c.HTTPBaseURL)
	str("MESH_LISTEN_ADDR", &c.ListenAddr)
	str("MESH_AUTH_TOKEN", &c.AuthToken)
	str("MESH_DIRECTORY_URL", &c.DirectoryURL)
	str("MESH_OFFER_POLICY", &c.OfferPolicy)
	str("MESH_S3_REGION", &c.S3Region)
	str("MESH_S3_ENDPOINT", &c.S3Endpoint)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTelEndpoint)

	if v := os.Getenv("MESH_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MESH_REDIS_DB: %w", err)
		}
		c.RedisDB = n
	}
	if v := os.Getenv("MESH_COLLECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MESH_COLLECT_TIMEOUT: %w", err)
		}
		c.CollectTimeout = d
	}
	if v := os.Getenv("MESH_INBOUND_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MESH_INBOUND_RATE: %w", err)
		}
		c.InboundRate = r
	}
	if v := os.Getenv("MESH_REVOCATION_AUTHORITIES"); v != "" {
		c.RevocationAuthorities = splitList(v)
	}

	for key, dst := range map[string]*bool{
		"MESH_REQUIRE_SIGNATURE":    &c.RequireSignature,
		"MESH_REQUIRE_CHAIN_LEDGER": &c.RequireChainLedger,
		"MESH_UPLOAD_S3":            &c.EnableS3,
		"MESH_UPLOAD_GCS":           &c.EnableGCS,
		"OTEL_ENABLED":              &c.OTelEnabled,
	} {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}
	return nil
}

// Validate reports settings no component could start with.
func (c *Config) Validate() error {
	switch c.LedgerBackend {
	case ledger.BackendFile, ledger.BackendSQLite, ledger.BackendMemory:
	case ledger.BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: postgres ledger needs MESH_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown ledger backend %q", c.LedgerBackend)
	}
	switch c.Transport {
	case transport.KindLoopback, transport.KindRedis:
	case transport.KindHTTP:
		if c.HTTPBaseURL == "" {
			return fmt.Errorf("config: http transport needs MESH_HTTP_BASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.CollectTimeout <= 0 {
		return fmt.Errorf("config: collect timeout must be positive")
	}
	if c.InboundRate < 0 {
		return fmt.Errorf("config: inbound rate must not be negative")
	}
	if _, err := c.AuthorityKeys(); err != nil {
		return err
	}
	return nil
}

// AuthorityKeys decodes RevocationAuthorities.
func (c *Config) AuthorityKeys() ([][]byte, error) {
	keys := make([][]byte, 0, len(c.RevocationAuthorities))
	for _, s := range c.RevocationAuthorities {
		k, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("config: revocation authority %q: %w", s, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (c *Config) LedgerOptions() ledger.Options {
	return ledger.Options{Backend: c.LedgerBackend, Dir: c.DataDir, DSN: c.DatabaseURL}
}

func (c *Config) TransportConfig() transport.Config {
	return transport.Config{
		Kind:          c.Transport,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		RedisChannel:  c.RedisChannel,
		HTTPBaseURL:   c.HTTPBaseURL,
		AuthToken:     c.AuthToken,
	}
}

func (c *Config) ObservabilityConfig(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Enabled = c.OTelEnabled
	oc.OTLPEndpoint = c.OTelEndpoint
	return oc
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
