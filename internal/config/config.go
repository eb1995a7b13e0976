// Package config provides Viper-based configuration loading for the chat relay.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TelnetConfig holds line transport acceptor settings.
type TelnetConfig struct {
	// Host is the bind address for the listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port"`
	// ReadTimeout is the per-read timeout for client connections. Zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-write timeout for client connections. Zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxLineLength bounds the bytes buffered for a single input line.
	MaxLineLength int `mapstructure:"max_line_length"`
	// Negotiate sends telnet option negotiation on connect.
	Negotiate bool `mapstructure:"negotiate"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TelnetConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// WebSocketConfig holds the optional WebSocket listener settings. Each text
// message is one protocol line.
type WebSocketConfig struct {
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP listener; 0 disables it.
	Port int `mapstructure:"port"`
	// Path is the HTTP path that accepts upgrades.
	Path string `mapstructure:"path"`
	// ReadTimeout is the per-message read timeout. Zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-message write timeout. Zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxMessageSize bounds a single inbound message in bytes.
	MaxMessageSize int64 `mapstructure:"max_message_size"`
	// AllowedOrigins lists browser origins permitted to connect ("*" for any).
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Enabled reports whether the WebSocket listener should be started.
func (w WebSocketConfig) Enabled() bool {
	return w.Port > 0
}

// Addr returns the "host:port" listen address.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// ChatConfig holds room fan-out settings.
type ChatConfig struct {
	// OutboxSize is the number of lines queued per member before the member
	// is treated as a slow peer and dropped.
	OutboxSize int `mapstructure:"outbox_size"`
	// FilterScript is an optional path to a Lua message filter.
	FilterScript string `mapstructure:"filter_script"`
	// ScriptInstructionLimit caps Lua opcodes per filter call.
	ScriptInstructionLimit int `mapstructure:"script_instruction_limit"`
	// FilterPoolSize is the number of Lua states the filter keeps, each with
	// its own copy of the script. Rooms filter concurrently up to this many.
	FilterPoolSize int `mapstructure:"filter_pool_size"`
}

// AdminConfig holds the gRPC health endpoint settings.
type AdminConfig struct {
	Host string `mapstructure:"host"`
	// Port is the TCP port for the health endpoint; 0 disables it.
	Port int `mapstructure:"port"`
}

// Enabled reports whether the health endpoint should be started.
func (a AdminConfig) Enabled() bool {
	return a.Port > 0
}

// Addr returns the "host:port" gRPC address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Telnet    TelnetConfig    `mapstructure:"telnet"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateTelnet(c.Telnet); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateChat(c.Chat); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWebSocket(c.WebSocket); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAdmin(c.Admin); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTelnet(t TelnetConfig) error {
	var errs []string
	if t.Port < 0 || t.Port > 65535 {
		errs = append(errs, fmt.Sprintf("telnet.port must be 0-65535, got %d", t.Port))
	}
	if t.ReadTimeout < 0 {
		errs = append(errs, "telnet.read_timeout must not be negative")
	}
	if t.WriteTimeout < 0 {
		errs = append(errs, "telnet.write_timeout must not be negative")
	}
	if t.MaxLineLength < 1 {
		errs = append(errs, fmt.Sprintf("telnet.max_line_length must be >= 1, got %d", t.MaxLineLength))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateChat(c ChatConfig) error {
	var errs []string
	if c.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("chat.outbox_size must be >= 1, got %d", c.OutboxSize))
	}
	if c.ScriptInstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("chat.script_instruction_limit must be >= 0, got %d", c.ScriptInstructionLimit))
	}
	if c.FilterPoolSize < 1 {
		errs = append(errs, fmt.Sprintf("chat.filter_pool_size must be >= 1, got %d", c.FilterPoolSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.Port < 0 || w.Port > 65535 {
		errs = append(errs, fmt.Sprintf("websocket.port must be 0-65535, got %d", w.Port))
	}
	if w.Enabled() {
		if !strings.HasPrefix(w.Path, "/") {
			errs = append(errs, fmt.Sprintf("websocket.path must start with /, got %q", w.Path))
		}
		if w.MaxMessageSize < 1 {
			errs = append(errs, fmt.Sprintf("websocket.max_message_size must be >= 1, got %d", w.MaxMessageSize))
		}
	}
	if w.ReadTimeout < 0 || w.WriteTimeout < 0 {
		errs = append(errs, "websocket timeouts must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if a.Port < 0 || a.Port > 65535 {
		return fmt.Errorf("admin.port must be 0-65535, got %d", a.Port)
	}
	if a.Enabled() && a.Host == "" {
		return fmt.Errorf("admin.host must not be empty when admin.port is set")
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
// overrides, and validates the result. An empty path skips the file and uses
// defaults plus environment overrides.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// Default returns the configuration built from defaults and environment
// overrides only.
func Default() (Config, error) {
	return Load("")
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

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telnet.host", "0.0.0.0")
	v.SetDefault("telnet.port", 12345)
	v.SetDefault("telnet.read_timeout", "30m")
	v.SetDefault("telnet.write_timeout", "10s")
	v.SetDefault("telnet.max_line_length", 4096)
	v.SetDefault("telnet.negotiate", false)

	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 0)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_timeout", "30m")
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.allowed_origins", []string{})

	v.SetDefault("chat.outbox_size", 64)
	v.SetDefault("chat.filter_script", "")
	v.SetDefault("chat.script_instruction_limit", 100_000)
	v.SetDefault("chat.filter_pool_size", 4)

	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
