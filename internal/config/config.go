// Package config loads node configuration from the environment, an optional
// .env file and an optional YAML overlay named by CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/confidential_layer/pkg/logger"
)

// Config is the complete node configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Database DatabaseConfig       `yaml:"database"`
	Redis    RedisConfig          `yaml:"redis"`
	Cluster  ClusterConfig        `yaml:"cluster"`
	Runtime  RuntimeConfig        `yaml:"runtime"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port int    `yaml:"port" env:"SERVER_PORT,default=8080"`
	// AuthTokens are role:token pairs, separated by semicolons in the
	// environment.
	AuthTokens      []string      `yaml:"auth_tokens" env:"AUTH_TOKENS"`
	JWTSecret       string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS,default=50"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST,default=100"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
	AuditFile       string        `yaml:"audit_file" env:"AUDIT_FILE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Token is one parsed static API token.
type Token struct {
	Role  string
	Token string
}

// Tokens parses AuthTokens.
func (s ServerConfig) Tokens() ([]Token, error) {
	out := make([]Token, 0, len(s.AuthTokens))
	for _, raw := range s.AuthTokens {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		role, token, ok := strings.Cut(raw, ":")
		if !ok || role == "" || token == "" {
			return nil, fmt.Errorf("auth token %q: want role:token", redact(raw))
		}
		switch role {
		case "admin", "caller", "cluster":
		default:
			return nil, fmt.Errorf("auth token role %q: want admin, caller or cluster", role)
		}
		out = append(out, Token{Role: role, Token: token})
	}
	return out, nil
}

func redact(raw string) string {
	if role, _, ok := strings.Cut(raw, ":"); ok {
		return role + ":***"
	}
	return "***"
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER,default=memory"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME,default=30m"`
	Migrate         bool          `yaml:"migrate" env:"DATABASE_MIGRATE,default=true"`
}

// RedisConfig enables mirroring the event log to a Redis stream.
type RedisConfig struct {
	URL    string `yaml:"url" env:"REDIS_URL"`
	Stream string `yaml:"stream" env:"REDIS_STREAM,default=confidential:events"`
	MaxLen int64  `yaml:"max_len" env:"REDIS_STREAM_MAXLEN,default=100000"`
}

// Cluster modes.
const (
	ClusterModeSim  = "sim"
	ClusterModeHTTP = "http"
)

// ClusterConfig describes the compute cluster collaborator.
type ClusterConfig struct {
	Mode    string        `yaml:"mode" env:"CLUSTER_MODE,default=sim"`
	URL     string        `yaml:"url" env:"CLUSTER_URL"`
	APIKey  string        `yaml:"api_key" env:"CLUSTER_API_KEY"`
	Timeout time.Duration `yaml:"timeout" env:"CLUSTER_TIMEOUT,default=10s"`

	Epoch     uint64 `yaml:"epoch" env:"CLUSTER_EPOCH,default=1"`
	Threshold int    `yaml:"threshold" env:"CLUSTER_THRESHOLD,default=2"`
	// NodeKeys are hex BIP340 secret keys for the simulator, indexed from 1.
	// Empty means generate NodeCount fresh keys at startup.
	NodeKeys  []string `yaml:"node_keys" env:"CLUSTER_NODE_KEYS"`
	NodeCount int      `yaml:"node_count" env:"CLUSTER_NODE_COUNT,default=3"`
	// Nodes are index:xonly-pubkey-hex pairs describing a remote cluster.
	Nodes        []string `yaml:"nodes" env:"CLUSTER_NODES"`
	MXEPublicKey string   `yaml:"mxe_public_key" env:"CLUSTER_MXE_PUBLIC_KEY"`
	MXESecretKey string   `yaml:"mxe_secret_key" env:"CLUSTER_MXE_SECRET_KEY"`
	Workers      int      `yaml:"workers" env:"CLUSTER_WORKERS,default=4"`
	// AutoConfigure registers the signing set with the runtime at startup.
	AutoConfigure bool `yaml:"auto_configure" env:"CLUSTER_AUTO_CONFIGURE,default=true"`
}

// RuntimeConfig tunes the ledger runtime and its background workers.
type RuntimeConfig struct {
	ProgramID       string        `yaml:"program_id" env:"PROGRAM_ID"`
	InitDefinitions bool          `yaml:"init_definitions" env:"INIT_DEFINITIONS,default=false"`
	RelayInterval   time.Duration `yaml:"relay_interval" env:"RELAY_INTERVAL,default=2s"`
	RelayBatch      int           `yaml:"relay_batch" env:"RELAY_BATCH,default=50"`
	RelayRate       float64       `yaml:"relay_rate" env:"RELAY_RATE,default=0"`
	Retention       time.Duration `yaml:"retention" env:"RESULT_RETENTION,default=24h"`
	JanitorSchedule string        `yaml:"janitor_schedule" env:"JANITOR_SCHEDULE,default=@every 1m"`
	EventBuffer     int           `yaml:"event_buffer" env:"EVENT_BUFFER,default=1000"`
}

// Load reads .env when present, decodes the environment and overlays the
// YAML file named by CONFIG_FILE.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes the environment and overlays path. It is used by tools
// that take an explicit --config flag.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if _, err := c.Server.Tokens(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	switch c.Cluster.Mode {
	case ClusterModeSim:
		if len(c.Cluster.NodeKeys) == 0 && c.Cluster.NodeCount < c.Cluster.Threshold {
			return fmt.Errorf("cluster threshold %d exceeds node count %d", c.Cluster.Threshold, c.Cluster.NodeCount)
		}
		if len(c.Cluster.NodeKeys) > 0 && len(c.Cluster.NodeKeys) < c.Cluster.Threshold {
			return fmt.Errorf("cluster threshold %d exceeds %d node keys", c.Cluster.Threshold, len(c.Cluster.NodeKeys))
		}
	case ClusterModeHTTP:
		if c.Cluster.URL == "" {
			return errors.New("cluster url is required in http mode")
		}
		if c.Cluster.AutoConfigure && (len(c.Cluster.Nodes) < c.Cluster.Threshold || c.Cluster.MXEPublicKey == "") {
			return errors.New("cluster nodes and mxe public key are required to auto-configure an http cluster")
		}
	default:
		return fmt.Errorf("unknown cluster mode %q", c.Cluster.Mode)
	}
	if c.Cluster.Threshold <= 0 {
		return errors.New("cluster threshold must be positive")
	}
	if c.Runtime.RelayInterval <= 0 {
		return errors.New("relay interval must be positive")
	}
	if c.Runtime.Retention < 0 {
		return errors.New("result retention must not be negative")
	}
	return nil
}
