// Package config loads connector configuration: a koanf
// YAML-file-plus-env overlay, defaults, and a Validate() enumerating
// required-field and cross-field checks.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Config is the root configuration object.
type Config struct {
	Service ServiceConfig `koanf:"service"`
	Kafka   KafkaConfig   `koanf:"kafka"`
	Source  SourceConfig  `koanf:"source"`
	Control ControlConfig `koanf:"control"`
	Tables  TablesConfig  `koanf:"tables"`
	Catalog CatalogConfig `koanf:"catalog"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	// IsLeader designates this task as the one running the Coordinator.
	// Leader election is an operator decision, not a protocol one.
	IsLeader bool `koanf:"is_leader"`
}

type KafkaConfig struct {
	Brokers        []string   `koanf:"brokers"`
	ClientID       string     `koanf:"client_id"`
	TLS            TLSConfig  `koanf:"tls"`
	SASL           SASLConfig `koanf:"sasl"`
	FetchMaxBytes  int32      `koanf:"fetch_max_bytes"`
	PollIntervalMs int        `koanf:"poll_interval_ms"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// SourceConfig names the topics this task's Worker consumes record
// batches from.
type SourceConfig struct {
	GroupID string   `koanf:"group_id"`
	Topics  []string `koanf:"topics"`
}

// ControlConfig configures the control topic and the Coordinator's
// commit-round timer.
type ControlConfig struct {
	Topic            string `koanf:"topic"`
	GroupID          string `koanf:"group_id"`
	CommitIntervalMs int    `koanf:"commit_interval_ms"`
	CommitTimeoutMs  int    `koanf:"commit_timeout_ms"`
}

// TablesConfig configures destination-table routing.
type TablesConfig struct {
	// Names lists destination table identifiers for static routing
	// (route-all when RouteField is empty, route-by-regex otherwise).
	Names          []string `koanf:"names"`
	DynamicEnabled bool     `koanf:"dynamic_enabled"`
	RouteField     string   `koanf:"route_field"`
	// RouteRegex maps a table identifier (from Names) to its static
	// route-regex.
	RouteRegex map[string]string `koanf:"route_regex"`
}

// CatalogConfig selects and wires the table-service catalog. Backend
// "memory" is the in-process reference catalog; "postgres" is PGCatalog.
type CatalogConfig struct {
	Backend  string         `koanf:"backend"`
	Postgres PostgresConfig `koanf:"postgres"`
	// StageDir is where the reference LocalWriterFactory stages data
	// files before a CommitResponse is sent.
	StageDir string `koanf:"stage_dir"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// Load reads configuration from the YAML file at path (if non-empty),
// overlays environment variables prefixed TABLESINK_, applies defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: TABLESINK_CONTROL__TOPIC -> control.topic
	if err := k.Load(env.Provider("TABLESINK_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "TABLESINK_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "tablesinkd-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:       "tablesinkd",
			FetchMaxBytes:  52428800,
			PollIntervalMs: 1000,
		},
		Control: ControlConfig{
			Topic:            "iceberg-control",
			GroupID:          "tablesinkd-control",
			CommitIntervalMs: 60000,
			CommitTimeoutMs:  300000,
		},
		Catalog: CatalogConfig{
			Backend: "memory",
			Postgres: PostgresConfig{
				MaxConns: 20,
				MinConns: 2,
			},
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Source.Topics) == 1 && strings.Contains(cfg.Source.Topics[0], ",") {
		cfg.Source.Topics = strings.Split(cfg.Source.Topics[0], ",")
	}
	if len(cfg.Tables.Names) == 1 && strings.Contains(cfg.Tables.Names[0], ",") {
		cfg.Tables.Names = strings.Split(cfg.Tables.Names[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Source.GroupID == "" {
		return fmt.Errorf("config: source.group_id is required")
	}
	if len(c.Source.Topics) == 0 {
		return fmt.Errorf("config: source.topics is required")
	}
	if c.Control.Topic == "" {
		return fmt.Errorf("config: control.topic is required")
	}
	if c.Control.GroupID == "" {
		return fmt.Errorf("config: control.group_id is required")
	}
	if c.Control.CommitIntervalMs <= 0 {
		return fmt.Errorf("config: control.commit_interval_ms must be > 0 (got %d)", c.Control.CommitIntervalMs)
	}
	if c.Control.CommitTimeoutMs <= 0 {
		return fmt.Errorf("config: control.commit_timeout_ms must be > 0 (got %d)", c.Control.CommitTimeoutMs)
	}
	if c.Control.CommitTimeoutMs <= c.Control.CommitIntervalMs {
		return fmt.Errorf("config: control.commit_timeout_ms (%d) must exceed control.commit_interval_ms (%d)",
			c.Control.CommitTimeoutMs, c.Control.CommitIntervalMs)
	}
	if c.Tables.DynamicEnabled && c.Tables.RouteField == "" {
		return fmt.Errorf("config: tables.route_field is required when tables.dynamic_enabled is true")
	}
	if !c.Tables.DynamicEnabled && len(c.Tables.Names) == 0 {
		return fmt.Errorf("config: tables.names is required for static routing")
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if c.Kafka.PollIntervalMs <= 0 {
		return fmt.Errorf("config: kafka.poll_interval_ms must be > 0 (got %d)", c.Kafka.PollIntervalMs)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}

	switch c.Catalog.Backend {
	case "memory":
	case "postgres":
		if c.Catalog.Postgres.DSN == "" {
			return fmt.Errorf("config: catalog.postgres.dsn is required when catalog.backend is \"postgres\"")
		}
		if c.Catalog.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: catalog.postgres.max_conns must be > 0 (got %d)", c.Catalog.Postgres.MaxConns)
		}
		if c.Catalog.Postgres.MinConns < 0 {
			return fmt.Errorf("config: catalog.postgres.min_conns must be >= 0 (got %d)", c.Catalog.Postgres.MinConns)
		}
	default:
		return fmt.Errorf("config: catalog.backend must be \"memory\" or \"postgres\" (got %q)", c.Catalog.Backend)
	}

	return nil
}

// CommitInterval returns control.commit_interval_ms as a time.Duration.
func (c *Config) CommitInterval() time.Duration {
	return time.Duration(c.Control.CommitIntervalMs) * time.Millisecond
}

// CommitTimeout returns control.commit_timeout_ms as a time.Duration.
func (c *Config) CommitTimeout() time.Duration {
	return time.Duration(c.Control.CommitTimeoutMs) * time.Millisecond
}

// PollInterval returns kafka.poll_interval_ms as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Kafka.PollIntervalMs) * time.Millisecond
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
