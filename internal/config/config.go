// Package config loads connection-node and endpoint-node configuration from
// the environment, following the teacher's caarlos0/env + godotenv pattern:
// an optional .env file seeds local development, real environment variables
// always win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Connection holds every setting spec.md §6 enumerates for the connection
// node. Environment variables are prefixed AUTOCONNECT__ with a __
// separator for nested names, per the spec's configuration discipline.
type Connection struct {
	Port            int    `env:"AUTOCONNECT__PORT" envDefault:"8080"`
	RouterPort      int    `env:"AUTOCONNECT__ROUTER_PORT" envDefault:"8081"`
	Hostname        string `env:"AUTOCONNECT__HOSTNAME" envDefault:"localhost"`
	ResolveHostname bool   `env:"AUTOCONNECT__RESOLVE_HOSTNAME" envDefault:"false"`

	AutoPingInterval       time.Duration `env:"AUTOCONNECT__AUTO_PING_INTERVAL" envDefault:"300s"`
	AutoPingTimeout        time.Duration `env:"AUTOCONNECT__AUTO_PING_TIMEOUT" envDefault:"4s"`
	CloseHandshakeTimeout  time.Duration `env:"AUTOCONNECT__CLOSE_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	OpenHandshakeTimeout   time.Duration `env:"AUTOCONNECT__OPEN_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	MaxConnections         int           `env:"AUTOCONNECT__MAX_CONNECTIONS" envDefault:"500000"`
	MaxPendingNotifyQueue  int           `env:"AUTOCONNECT__MAX_PENDING_NOTIFICATION_QUEUE" envDefault:"1000"`
	MsgLimit               int           `env:"AUTOCONNECT__MSG_LIMIT" envDefault:"100"`

	EndpointScheme string `env:"AUTOCONNECT__ENDPOINT_SCHEME" envDefault:"https"`
	EndpointHost   string `env:"AUTOCONNECT__ENDPOINT_HOSTNAME" envDefault:"localhost"`
	EndpointPort   int    `env:"AUTOCONNECT__ENDPOINT_PORT" envDefault:"8082"`

	CryptoKeys string `env:"AUTOCONNECT__CRYPTO_KEY" envDefault:""` // bracketed comma list: "[key1,key2]"

	DB DB `envPrefix:"AUTOCONNECT__DB_"`

	MegaphoneAPIURL      string        `env:"AUTOCONNECT__MEGAPHONE_API_URL" envDefault:""`
	MegaphoneAPIToken    string        `env:"AUTOCONNECT__MEGAPHONE_API_TOKEN" envDefault:""`
	MegaphonePollInterval time.Duration `env:"AUTOCONNECT__MEGAPHONE_POLL_INTERVAL" envDefault:"30s"`
	MegaphoneNATSSubject string        `env:"AUTOCONNECT__MEGAPHONE_NATS_SUBJECT" envDefault:"autopush.broadcasts"`
	NATSURL              string        `env:"AUTOCONNECT__NATS_URL" envDefault:""`

	StatsdHost  string `env:"AUTOCONNECT__STATSD_HOST" envDefault:""`
	StatsdPort  int    `env:"AUTOCONNECT__STATSD_PORT" envDefault:"8125"`
	StatsdLabel string `env:"AUTOCONNECT__STATSD_LABEL" envDefault:"autoconnect"`

	LogLevel    string `env:"AUTOCONNECT__LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"AUTOCONNECT__LOG_FORMAT" envDefault:"json"`
	Environment string `env:"AUTOCONNECT__ENVIRONMENT" envDefault:"development"`

	ConnRateLimitEnabled    bool    `env:"AUTOCONNECT__CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPRate     float64 `env:"AUTOCONNECT__CONN_RATE_LIMIT_IP_RATE" envDefault:"5"`
	ConnRateLimitIPBurst    int     `env:"AUTOCONNECT__CONN_RATE_LIMIT_IP_BURST" envDefault:"20"`
	ConnRateLimitGlobalRate float64 `env:"AUTOCONNECT__CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"5000"`
	ConnRateLimitGlobalBurst int    `env:"AUTOCONNECT__CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"10000"`

	// ClusterSecret signs/verifies the bearer token guarding the intra-cluster
	// /push and /notif routes (C8). Empty disables the check, for local dev.
	ClusterSecret string `env:"AUTOCONNECT__CLUSTER_SECRET" envDefault:""`

	MaxGoroutines      int     `env:"AUTOCONNECT__MAX_GOROUTINES" envDefault:"1000000"`
	CPURejectThreshold float64 `env:"AUTOCONNECT__CPU_REJECT_THRESHOLD" envDefault:"90"`
}

// Endpoint holds every setting spec.md §6 enumerates for the endpoint node.
// Environment variables are prefixed AUTOEND_ (no trailing double
// underscore, matching the spec's "AUTOEND_" alternate prefix).
type Endpoint struct {
	Port     int    `env:"AUTOEND_PORT" envDefault:"8082"`
	Hostname string `env:"AUTOEND_HOSTNAME" envDefault:"localhost"`

	EndpointScheme string `env:"AUTOEND_ENDPOINT_SCHEME" envDefault:"https"`
	EndpointHost   string `env:"AUTOEND_ENDPOINT_HOSTNAME" envDefault:"localhost"`
	EndpointPort   int    `env:"AUTOEND_ENDPOINT_PORT" envDefault:"8082"`

	CryptoKeys string `env:"AUTOEND_CRYPTO_KEY" envDefault:""`

	DB DB `envPrefix:"AUTOEND_DB_"`

	RouterTimeout time.Duration `env:"AUTOEND_ROUTER_TIMEOUT" envDefault:"5s"`

	StatsdHost  string `env:"AUTOEND_STATSD_HOST" envDefault:""`
	StatsdPort  int    `env:"AUTOEND_STATSD_PORT" envDefault:"8125"`
	StatsdLabel string `env:"AUTOEND_STATSD_LABEL" envDefault:"autoendpoint"`

	LogLevel    string `env:"AUTOEND_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"AUTOEND_LOG_FORMAT" envDefault:"json"`
	Environment string `env:"AUTOEND_ENVIRONMENT" envDefault:"development"`

	MaxDataBytes int `env:"AUTOEND_MAX_DATA_BYTES" envDefault:"4096"`

	// ClusterSecret signs the bearer token this node presents to a
	// connection node's /push and /notif routes (C7/C8).
	ClusterSecret string `env:"AUTOEND_CLUSTER_SECRET" envDefault:""`

	// AuditBrokers is a CSV list of Kafka-compatible seed brokers for the
	// delivery audit trail (internal/audit). Empty disables it entirely.
	AuditBrokers string `env:"AUTOEND_AUDIT_BROKERS" envDefault:""`
	AuditTopic   string `env:"AUTOEND_AUDIT_TOPIC" envDefault:"autopush.delivery-audit"`
	AuditGroup   string `env:"AUTOEND_AUDIT_GROUP" envDefault:"autopush-gc"`
}

// DB groups the settings common to both nodes' message-store connection.
type DB struct {
	DSN             string `env:"DSN" envDefault:"postgres://localhost:5432/autopush?sslmode=disable"`
	RouterTableName string `env:"ROUTER_TABLENAME" envDefault:"router"`
	MessageTableName string `env:"MESSAGE_TABLENAME" envDefault:"message"`
	MaxPoolSize     int    `env:"MAX_POOL_SIZE" envDefault:"20"`
}

// CryptoKeyRing splits the bracketed comma list format ("[k1,k2]") spec.md
// §6 specifies for crypto_key into an ordered slice, first entry used for
// encrypt, all entries tried on decrypt.
func CryptoKeyRing(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

func loadDotenv(logger *zerolog.Logger) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		}
		return
	}
	if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
	}
}

// LoadConnection parses a Connection config from the environment.
func LoadConnection(logger *zerolog.Logger) (*Connection, error) {
	loadDotenv(logger)
	cfg := &Connection{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("connection config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate enforces the range/required checks the teacher's Config.Validate
// performs for its own settings.
func (c *Connection) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("AUTOCONNECT__PORT must be > 0, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("AUTOCONNECT__MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.AutoPingTimeout >= c.AutoPingInterval {
		return fmt.Errorf("AUTOCONNECT__AUTO_PING_TIMEOUT must be less than AUTO_PING_INTERVAL")
	}
	if c.MsgLimit < 1 {
		return fmt.Errorf("AUTOCONNECT__MSG_LIMIT must be > 0, got %d", c.MsgLimit)
	}
	return nil
}

// LoadEndpoint parses an Endpoint config from the environment.
func LoadEndpoint(logger *zerolog.Logger) (*Endpoint, error) {
	loadDotenv(logger)
	cfg := &Endpoint{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("endpoint config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate enforces endpoint-node specific checks.
func (c *Endpoint) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("AUTOEND_PORT must be > 0, got %d", c.Port)
	}
	if c.MaxDataBytes <= 0 {
		return fmt.Errorf("AUTOEND_MAX_DATA_BYTES must be > 0, got %d", c.MaxDataBytes)
	}
	return nil
}
