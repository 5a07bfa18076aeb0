// Package config provides Viper-based configuration loading for the flying chess hosts.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Deployment modes. The mode selects the transport adapter and the registry host policy.
const (
	ModeRelay = "relay"
	ModeLAN   = "lan"
	ModePeer  = "peer"
)

// Registry backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Mode is the deployment mode: "relay", "lan", or "peer".
	Mode string `mapstructure:"mode"`
	// Name identifies this host in logs and discovery descriptors.
	Name string `mapstructure:"name"`
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
	// AutoMigrate applies the embedded schema migrations at start-up.
	AutoMigrate bool `mapstructure:"auto_migrate"`
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

// RegistryConfig selects the room/player registry backend and its sweep policy.
type RegistryConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	// SweepInterval is how often inactive rooms and players are purged.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// InactivityTimeout is the idle age after which a room or player is purged.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
}

// RelayConfig holds the WebSocket relay listener settings.
type RelayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Path is the HTTP path upgraded to WebSocket.
	Path string `mapstructure:"path"`
	// HeartbeatInterval is the ping period; a peer silent for twice this long is dropped.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	// RateLimit is the sustained inbound envelope rate per connection.
	RateLimit float64 `mapstructure:"rate_limit"`
	// RateBurst is the inbound burst allowance per connection.
	RateBurst int `mapstructure:"rate_burst"`
	// OutboxSize is the per-connection outbound queue length.
	OutboxSize int `mapstructure:"outbox_size"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (r RelayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LANConfig holds the stream-socket host and discovery settings.
type LANConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// DiscoveryPort is the UDP port descriptors are broadcast to.
	DiscoveryPort int `mapstructure:"discovery_port"`
	// BroadcastInterval is the descriptor broadcast period.
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	// DiscoveryExpiry is how long a discovered room survives without a refresh.
	DiscoveryExpiry time.Duration `mapstructure:"discovery_expiry"`
	// BroadcastAddresses are sent to in addition to the interface broadcast addresses.
	BroadcastAddresses []string `mapstructure:"broadcast_addresses"`
	// FailureThreshold is the consecutive send failure count tolerated before the socket is rebuilt.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// ConnectTimeout bounds a single client connection attempt.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// ConnectRetries is the number of additional connection attempts.
	ConnectRetries int `mapstructure:"connect_retries"`
	// MaxFrameSize bounds a single newline-delimited frame.
	MaxFrameSize int `mapstructure:"max_frame_size"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (l LANConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// PeerConfig holds the negotiated data-channel settings.
type PeerConfig struct {
	// ICEServers are STUN/TURN URLs handed to the peer connection.
	ICEServers []string `mapstructure:"ice_servers"`
	// SignalingURL is the relay WebSocket URL used for offer/answer/candidate exchange.
	SignalingURL string `mapstructure:"signaling_url"`
	// FirstTimeout bounds the first attempt of a request.
	FirstTimeout time.Duration `mapstructure:"first_timeout"`
	// RetryTimeout bounds each retry of a request.
	RetryTimeout time.Duration `mapstructure:"retry_timeout"`
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `mapstructure:"max_retries"`
	// ConnectTimeout bounds negotiation until the data channel opens.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// GameConfig holds game content settings.
type GameConfig struct {
	// BoardFile is an optional YAML board layout; empty uses the default layout.
	BoardFile string `mapstructure:"board_file"`
	// BoardLength is the default board length when BoardFile is empty.
	BoardLength int `mapstructure:"board_length"`
	// MaxPlayers caps room capacity requested by clients.
	MaxPlayers int `mapstructure:"max_players"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus exposition endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" metrics address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC health address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Registry RegistryConfig `mapstructure:"registry"`
	Relay    RelayConfig    `mapstructure:"relay"`
	LAN      LANConfig      `mapstructure:"lan"`
	Peer     PeerConfig     `mapstructure:"peer"`
	Game     GameConfig     `mapstructure:"game"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRegistry(c.Registry); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Registry.Backend == BackendPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	switch c.Server.Mode {
	case ModeRelay:
		if err := validateRelay(c.Relay); err != nil {
			errs = append(errs, err.Error())
		}
	case ModeLAN:
		if err := validateLAN(c.LAN); err != nil {
			errs = append(errs, err.Error())
		}
	case ModePeer:
		if err := validatePeer(c.Peer); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateGame(c.Game); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Sprintf("metrics.port must be 1-65535, got %d", c.Metrics.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	validModes := map[string]bool{ModeRelay: true, ModeLAN: true, ModePeer: true}
	if !validModes[s.Mode] {
		return fmt.Errorf("server.mode must be one of [relay, lan, peer], got %q", s.Mode)
	}
	if s.Name == "" {
		return errors.New("server.name must not be empty")
	}
	return nil
}

func validateRegistry(r RegistryConfig) error {
	var errs []string
	if r.Backend != BackendMemory && r.Backend != BackendPostgres {
		errs = append(errs, fmt.Sprintf("registry.backend must be one of [memory, postgres], got %q", r.Backend))
	}
	if r.SweepInterval <= 0 {
		errs = append(errs, "registry.sweep_interval must be positive")
	}
	if r.InactivityTimeout <= 0 {
		errs = append(errs, "registry.inactivity_timeout must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
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
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.Port < 1 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("relay.port must be 1-65535, got %d", r.Port))
	}
	if !strings.HasPrefix(r.Path, "/") {
		errs = append(errs, fmt.Sprintf("relay.path must start with /, got %q", r.Path))
	}
	if r.HeartbeatInterval <= 0 {
		errs = append(errs, "relay.heartbeat_interval must be positive")
	}
	if r.RateLimit <= 0 || r.RateBurst < 1 {
		errs = append(errs, "relay.rate_limit and relay.rate_burst must be positive")
	}
	if r.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("relay.outbox_size must be >= 1, got %d", r.OutboxSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLAN(l LANConfig) error {
	var errs []string
	if l.Port < 1 || l.Port > 65535 {
		errs = append(errs, fmt.Sprintf("lan.port must be 1-65535, got %d", l.Port))
	}
	if l.DiscoveryPort < 1 || l.DiscoveryPort > 65535 {
		errs = append(errs, fmt.Sprintf("lan.discovery_port must be 1-65535, got %d", l.DiscoveryPort))
	}
	if l.BroadcastInterval <= 0 {
		errs = append(errs, "lan.broadcast_interval must be positive")
	}
	if l.DiscoveryExpiry <= l.BroadcastInterval {
		errs = append(errs, "lan.discovery_expiry must exceed lan.broadcast_interval")
	}
	if l.FailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("lan.failure_threshold must be >= 1, got %d", l.FailureThreshold))
	}
	if l.ConnectRetries < 0 {
		errs = append(errs, "lan.connect_retries must not be negative")
	}
	if l.MaxFrameSize < 1024 {
		errs = append(errs, fmt.Sprintf("lan.max_frame_size must be >= 1024, got %d", l.MaxFrameSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePeer(p PeerConfig) error {
	var errs []string
	if p.SignalingURL == "" {
		errs = append(errs, "peer.signaling_url must not be empty")
	}
	if p.FirstTimeout <= 0 || p.RetryTimeout <= 0 {
		errs = append(errs, "peer.first_timeout and peer.retry_timeout must be positive")
	}
	if p.MaxRetries < 0 {
		errs = append(errs, "peer.max_retries must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGame(g GameConfig) error {
	var errs []string
	if g.BoardFile == "" && g.BoardLength < 8 {
		errs = append(errs, fmt.Sprintf("game.board_length must be >= 8, got %d", g.BoardLength))
	}
	if g.MaxPlayers < 2 || g.MaxPlayers > 4 {
		errs = append(errs, fmt.Sprintf("game.max_players must be 2-4, got %d", g.MaxPlayers))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
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

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with FLYCHESS_ prefix
	v.SetEnvPrefix("FLYCHESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
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

// Defaults returns a Viper instance populated with every default value.
//
// Postcondition: LoadFromViper(Defaults()) succeeds for the relay mode.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", ModeRelay)
	v.SetDefault("server.name", "flyingchess")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "flyingchess")
	v.SetDefault("database.password", "flyingchess")
	v.SetDefault("database.name", "flyingchess")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("registry.backend", BackendMemory)
	v.SetDefault("registry.sweep_interval", "1m")
	v.SetDefault("registry.inactivity_timeout", "30m")

	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 3000)
	v.SetDefault("relay.path", "/ws")
	v.SetDefault("relay.heartbeat_interval", "25s")
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.rate_limit", 20.0)
	v.SetDefault("relay.rate_burst", 40)
	v.SetDefault("relay.outbox_size", 64)

	v.SetDefault("lan.host", "0.0.0.0")
	v.SetDefault("lan.port", 8080)
	v.SetDefault("lan.discovery_port", 8081)
	v.SetDefault("lan.broadcast_interval", "2s")
	v.SetDefault("lan.discovery_expiry", "8s")
	v.SetDefault("lan.broadcast_addresses", []string{})
	v.SetDefault("lan.failure_threshold", 5)
	v.SetDefault("lan.connect_timeout", "10s")
	v.SetDefault("lan.connect_retries", 5)
	v.SetDefault("lan.max_frame_size", 1<<20)

	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.signaling_url", "ws://127.0.0.1:3000/ws")
	v.SetDefault("peer.first_timeout", "10s")
	v.SetDefault("peer.retry_timeout", "5s")
	v.SetDefault("peer.max_retries", 3)
	v.SetDefault("peer.connect_timeout", "30s")

	v.SetDefault("game.board_file", "")
	v.SetDefault("game.board_length", 40)
	v.SetDefault("game.max_players", 4)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.grpc_host", "0.0.0.0")
	v.SetDefault("health.grpc_port", 50051)
}
