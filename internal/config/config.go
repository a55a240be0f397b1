// Package config provides Viper-based configuration loading for the chat server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override, e.g. PARLEY_GATEWAY_PORT.
const EnvPrefix = "PARLEY"

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// Name identifies this instance in logs.
	Name string `mapstructure:"name"`
	// ShutdownTimeout bounds graceful shutdown of all services.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RateLimitConfig bounds inbound frames per connection.
type RateLimitConfig struct {
	// RPS is the sustained frame rate allowed per connection.
	RPS float64 `mapstructure:"rps"`
	// Burst is the number of frames allowed above RPS in a burst.
	Burst int `mapstructure:"burst"`
}

// GatewayConfig holds the websocket and HTTP listener settings.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// ReadTimeout is how long a connection may stay silent before it is dropped.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PingInterval is the keepalive period; must be shorter than ReadTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// MaxMessageBytes caps an inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// OutboxSize is the per-connection event buffer.
	OutboxSize int `mapstructure:"outbox_size"`
	// AllowedOrigins lists CORS and websocket origins; "*" allows any.
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// AuthConfig holds token and password settings.
type AuthConfig struct {
	// JWTSecret signs and verifies HS256 tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	// TokenTTL is the lifetime of an issued token.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// Issuer is written to and required in the iss claim.
	Issuer string `mapstructure:"issuer"`
	// BcryptCost is the password hashing cost.
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// RedisConfig holds the token revocation list connection.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	// Messages is "postgres" or "pebble".
	Messages string `mapstructure:"messages"`
	// PebblePath is the data directory of the pebble backend.
	PebblePath string `mapstructure:"pebble_path"`
}

// BrokerConfig tunes the room broker.
type BrokerConfig struct {
	// HistoryLimit is the number of messages replayed on join.
	HistoryLimit int `mapstructure:"history_limit"`
	// PersistTimeout bounds one message store append.
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

// ScriptingConfig holds the Lua message filter settings.
type ScriptingConfig struct {
	// Dir holds *.lua filter scripts; empty disables filtering.
	Dir string `mapstructure:"dir"`
	// InstructionLimit caps the VM instructions of a single hook call.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// AdminConfig holds the gRPC health service listener.
type AdminConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
	// HealthInterval is the period of dependency health probes.
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.GRPCHost, a.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// ContentConfig points at static content loaded at startup.
type ContentConfig struct {
	// RoomsFile is a YAML file listing the default rooms.
	RoomsFile string `mapstructure:"rooms_file"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Scripting ScriptingConfig `mapstructure:"scripting"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Content   ContentConfig   `mapstructure:"content"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	for _, check := range []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateDatabase(c.Database) },
		func() error { return validateGateway(c.Gateway) },
		func() error { return validateAuth(c.Auth) },
		func() error { return validateRedis(c.Redis) },
		func() error { return validateStore(c.Store) },
		func() error { return validateBroker(c.Broker) },
		func() error { return validateAdmin(c.Admin) },
		func() error { return validateLogging(c.Logging) },
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Scripting.InstructionLimit < 0 {
		errs = append(errs, "scripting.instruction_limit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func validateServer(s ServerConfig) error {
	if s.Name == "" {
		return errors.New("server.name must not be empty")
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %s", s.ShutdownTimeout)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if !validPort(d.Port) {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	return joinErrs(errs)
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if !validPort(g.Port) {
		errs = append(errs, fmt.Sprintf("gateway.port must be 1-65535, got %d", g.Port))
	}
	if g.ReadTimeout <= 0 {
		errs = append(errs, "gateway.read_timeout must be positive")
	}
	if g.WriteTimeout <= 0 {
		errs = append(errs, "gateway.write_timeout must be positive")
	}
	if g.PingInterval <= 0 || g.PingInterval >= g.ReadTimeout {
		errs = append(errs, "gateway.ping_interval must be positive and shorter than gateway.read_timeout")
	}
	if g.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("gateway.max_message_bytes must be >= 1, got %d", g.MaxMessageBytes))
	}
	if g.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("gateway.outbox_size must be >= 1, got %d", g.OutboxSize))
	}
	if g.RateLimit.RPS <= 0 {
		errs = append(errs, "gateway.rate_limit.rps must be positive")
	}
	if g.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Sprintf("gateway.rate_limit.burst must be >= 1, got %d", g.RateLimit.Burst))
	}
	return joinErrs(errs)
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if len(a.JWTSecret) < 16 {
		errs = append(errs, "auth.jwt_secret must be at least 16 bytes")
	}
	if a.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	if a.Issuer == "" {
		errs = append(errs, "auth.issuer must not be empty")
	}
	if a.BcryptCost < 4 || a.BcryptCost > 31 {
		errs = append(errs, fmt.Sprintf("auth.bcrypt_cost must be 4-31, got %d", a.BcryptCost))
	}
	return joinErrs(errs)
}

func validateRedis(r RedisConfig) error {
	if r.Enabled && r.Addr == "" {
		return errors.New("redis.addr must not be empty when redis.enabled is set")
	}
	return nil
}

func validateStore(s StoreConfig) error {
	switch s.Messages {
	case "postgres":
		return nil
	case "pebble":
		if s.PebblePath == "" {
			return errors.New("store.pebble_path must not be empty for the pebble backend")
		}
		return nil
	default:
		return fmt.Errorf("store.messages must be one of [postgres, pebble], got %q", s.Messages)
	}
}

func validateBroker(b BrokerConfig) error {
	var errs []string
	if b.HistoryLimit < 1 {
		errs = append(errs, fmt.Sprintf("broker.history_limit must be >= 1, got %d", b.HistoryLimit))
	}
	if b.PersistTimeout <= 0 {
		errs = append(errs, "broker.persist_timeout must be positive")
	}
	return joinErrs(errs)
}

func validateAdmin(a AdminConfig) error {
	var errs []string
	if a.GRPCHost == "" {
		errs = append(errs, "admin.grpc_host must not be empty")
	}
	if !validPort(a.GRPCPort) {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 1-65535, got %d", a.GRPCPort))
	}
	if a.HealthInterval <= 0 {
		errs = append(errs, "admin.health_interval must be positive")
	}
	return joinErrs(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// NewViper returns a Viper instance with defaults and PARLEY_ environment overrides applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadDatabase reads only the database section of the file at path, with
// defaults and environment overrides applied. Operator tools use it so they
// run without the server's auth secret.
func LoadDatabase(path string) (DatabaseConfig, error) {
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return DatabaseConfig{}, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return DatabaseConfig{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := validateDatabase(cfg.Database); err != nil {
		return DatabaseConfig{}, err
	}
	return cfg.Database, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "parley")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "parley")
	v.SetDefault("database.password", "parley")
	v.SetDefault("database.name", "parley")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.read_timeout", "60s")
	v.SetDefault("gateway.write_timeout", "10s")
	v.SetDefault("gateway.ping_interval", "25s")
	v.SetDefault("gateway.max_message_bytes", 64*1024)
	v.SetDefault("gateway.outbox_size", 256)
	v.SetDefault("gateway.allowed_origins", []string{"*"})
	v.SetDefault("gateway.rate_limit.rps", 20)
	v.SetDefault("gateway.rate_limit.burst", 40)

	// Secrets have empty defaults so AutomaticEnv can bind them during Unmarshal.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.issuer", "parley")
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.messages", "postgres")
	v.SetDefault("store.pebble_path", "data/messages")

	v.SetDefault("broker.history_limit", 50)
	v.SetDefault("broker.persist_timeout", "5s")

	v.SetDefault("scripting.dir", "")
	v.SetDefault("scripting.instruction_limit", 100000)

	v.SetDefault("admin.grpc_host", "127.0.0.1")
	v.SetDefault("admin.grpc_port", 9090)
	v.SetDefault("admin.health_interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("content.rooms_file", "content/rooms.yaml")
}
