// Package config provides Viper-based configuration loading for the match relay
// tools and the development backend.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig locates the realtime backend a relay client talks to.
type ClientConfig struct {
	// ServerKey is sent as HTTP basic auth when authenticating.
	ServerKey string `mapstructure:"server_key"`
	// Host is the backend host name.
	Host string `mapstructure:"host"`
	// Port is the backend HTTP port.
	Port int `mapstructure:"port"`
	// Protocol is "http" or "https"; the socket uses "ws" or "wss" to match.
	Protocol string `mapstructure:"protocol"`
	// Timeout bounds each HTTP request.
	Timeout time.Duration `mapstructure:"timeout"`
}

// BaseURL returns the HTTP base URL.
//
// Postcondition: Returns "protocol://host:port".
func (c ClientConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Protocol, c.Host, c.Port)
}

// RelayConfig holds relay controller settings.
type RelayConfig struct {
	QuickMatchRPC     string        `mapstructure:"quick_match_rpc"`
	SharedCollection  string        `mapstructure:"shared_collection"`
	SharedKey         string        `mapstructure:"shared_key"`
	MatchmakerQuery   string        `mapstructure:"matchmaker_query"`
	MatchmakerMin     int           `mapstructure:"matchmaker_min"`
	MatchmakerMax     int           `mapstructure:"matchmaker_max"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	MatchmakerTimeout time.Duration `mapstructure:"matchmaker_timeout"`
	// Leaderboard is the board AddLeaderboardWin writes to.
	Leaderboard string `mapstructure:"leaderboard"`
	// LeaderboardPages caps how many pages LoadLeaderboardRecords follows.
	LeaderboardPages int `mapstructure:"leaderboard_pages"`
	// LeaderboardPageSize is the record count requested per page, at most 100.
	LeaderboardPageSize int `mapstructure:"leaderboard_page_size"`
}

// DevServerConfig holds settings for the development backend.
type DevServerConfig struct {
	Host     string `mapstructure:"host"`
	HTTPPort int    `mapstructure:"http_port"`
	GRPCPort int    `mapstructure:"grpc_port"`
	// ServerKey must match ClientConfig.ServerKey.
	ServerKey string `mapstructure:"server_key"`
	// TokenKey signs session and matchmaker tokens.
	TokenKey string        `mapstructure:"token_key"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// MaxMatchSize caps presences per match.
	MaxMatchSize int `mapstructure:"max_match_size"`
	// SessionBuffer is the per-socket outbound envelope buffer.
	SessionBuffer int `mapstructure:"session_buffer"`
	// ScriptsDir holds extra Lua RPC scripts; empty loads only the built-in ones.
	ScriptsDir string `mapstructure:"scripts_dir"`
	// InstructionLimit bounds each Lua RPC call; 0 uses the scripting default.
	InstructionLimit int `mapstructure:"instruction_limit"`
	// LeaderboardsFile is a YAML list of leaderboard definitions.
	LeaderboardsFile string `mapstructure:"leaderboards_file"`
	// Store selects persistence: "memory" or "postgres".
	Store string `mapstructure:"store"`
}

// Addr returns the "host:port" HTTP listen address.
func (d DevServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.HTTPPort)
}

// GRPCAddr returns the "host:port" gRPC listen address.
func (d DevServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.GRPCPort)
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

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// Output is a zap sink: "stderr", "stdout", or a file path. Empty means stderr.
	Output string `mapstructure:"output"`
}

// Config is the top-level application configuration.
type Config struct {
	Client    ClientConfig    `mapstructure:"client"`
	Relay     RelayConfig     `mapstructure:"relay"`
	DevServer DevServerConfig `mapstructure:"devserver"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants. The database section is only
// checked when the dev server persists to postgres.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateClient(c.Client); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDevServer(c.DevServer); err != nil {
		errs = append(errs, err.Error())
	}
	if c.DevServer.Store == "postgres" {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(name string, port int) string {
	if port < 1 || port > 65535 {
		return fmt.Sprintf("%s must be 1-65535, got %d", name, port)
	}
	return ""
}

func joinErrs(errs []string) error {
	var kept []string
	for _, e := range errs {
		if e != "" {
			kept = append(kept, e)
		}
	}
	if len(kept) > 0 {
		return fmt.Errorf("%s", strings.Join(kept, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	if c.Host == "" {
		errs = append(errs, "client.host must not be empty")
	}
	errs = append(errs, validatePort("client.port", c.Port))
	if c.Protocol != "http" && c.Protocol != "https" {
		errs = append(errs, fmt.Sprintf("client.protocol must be one of [http, https], got %q", c.Protocol))
	}
	if c.Timeout < 0 {
		errs = append(errs, "client.timeout must not be negative")
	}
	return joinErrs(errs)
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.QuickMatchRPC == "" {
		errs = append(errs, "relay.quick_match_rpc must not be empty")
	}
	if r.SharedCollection == "" || r.SharedKey == "" {
		errs = append(errs, "relay.shared_collection and relay.shared_key must not be empty")
	}
	if r.MatchmakerMin < 1 {
		errs = append(errs, fmt.Sprintf("relay.matchmaker_min must be >= 1, got %d", r.MatchmakerMin))
	}
	if r.MatchmakerMax < r.MatchmakerMin {
		errs = append(errs, "relay.matchmaker_max must not be less than relay.matchmaker_min")
	}
	if r.OperationTimeout <= 0 {
		errs = append(errs, "relay.operation_timeout must be positive")
	}
	if r.MatchmakerTimeout <= 0 {
		errs = append(errs, "relay.matchmaker_timeout must be positive")
	}
	if r.LeaderboardPages < 1 {
		errs = append(errs, fmt.Sprintf("relay.leaderboard_pages must be >= 1, got %d", r.LeaderboardPages))
	}
	if r.LeaderboardPageSize < 1 || r.LeaderboardPageSize > 100 {
		errs = append(errs, fmt.Sprintf("relay.leaderboard_page_size must be in [1, 100], got %d", r.LeaderboardPageSize))
	}
	return joinErrs(errs)
}

func validateDevServer(d DevServerConfig) error {
	var errs []string
	errs = append(errs, validatePort("devserver.http_port", d.HTTPPort))
	errs = append(errs, validatePort("devserver.grpc_port", d.GRPCPort))
	if d.HTTPPort == d.GRPCPort {
		errs = append(errs, "devserver.http_port and devserver.grpc_port must differ")
	}
	if d.ServerKey == "" {
		errs = append(errs, "devserver.server_key must not be empty")
	}
	if len(d.TokenKey) < 16 {
		errs = append(errs, "devserver.token_key must be at least 16 characters")
	}
	if d.TokenTTL <= 0 {
		errs = append(errs, "devserver.token_ttl must be positive")
	}
	if d.MaxMatchSize < 2 {
		errs = append(errs, fmt.Sprintf("devserver.max_match_size must be >= 2, got %d", d.MaxMatchSize))
	}
	if d.InstructionLimit < 0 {
		errs = append(errs, "devserver.instruction_limit must not be negative")
	}
	if d.Store != "memory" && d.Store != "postgres" {
		errs = append(errs, fmt.Sprintf("devserver.store must be one of [memory, postgres], got %q", d.Store))
	}
	return joinErrs(errs)
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	errs = append(errs, validatePort("database.port", d.Port))
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
// overrides, and validates the result. An empty path uses defaults and the
// environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with MATCHRELAY_ prefix
	v.SetEnvPrefix("MATCHRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
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

// Defaults returns a Viper instance holding only the default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.server_key", "defaultkey")
	v.SetDefault("client.host", "127.0.0.1")
	v.SetDefault("client.port", 7350)
	v.SetDefault("client.protocol", "http")
	v.SetDefault("client.timeout", "10s")

	v.SetDefault("relay.quick_match_rpc", "find_match")
	v.SetDefault("relay.shared_collection", "matchrelay")
	v.SetDefault("relay.shared_key", "shared_match")
	v.SetDefault("relay.matchmaker_query", "*")
	v.SetDefault("relay.matchmaker_min", 2)
	v.SetDefault("relay.matchmaker_max", 4)
	v.SetDefault("relay.operation_timeout", "30s")
	v.SetDefault("relay.matchmaker_timeout", "2m")
	v.SetDefault("relay.leaderboard", "wins")
	v.SetDefault("relay.leaderboard_pages", 2)
	v.SetDefault("relay.leaderboard_page_size", 100)

	v.SetDefault("devserver.host", "0.0.0.0")
	v.SetDefault("devserver.http_port", 7350)
	v.SetDefault("devserver.grpc_port", 7349)
	v.SetDefault("devserver.server_key", "defaultkey")
	v.SetDefault("devserver.token_key", "matchrelay-dev-token-key")
	v.SetDefault("devserver.token_ttl", "2h")
	v.SetDefault("devserver.max_match_size", 16)
	v.SetDefault("devserver.session_buffer", 256)
	v.SetDefault("devserver.scripts_dir", "")
	v.SetDefault("devserver.instruction_limit", 0)
	v.SetDefault("devserver.leaderboards_file", "")
	v.SetDefault("devserver.store", "memory")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "matchrelay")
	v.SetDefault("database.password", "matchrelay")
	v.SetDefault("database.name", "matchrelay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
}
