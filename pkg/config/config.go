package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. BLEHIL_RESPONSE_TIMEOUT=10s.
const EnvPrefix = "BLEHIL"

// Board is one board wired to the host.
type Board struct {
	Name     string `mapstructure:"name"`
	Port     string `mapstructure:"port"`
	Platform string `mapstructure:"platform"`
	BaudRate int    `mapstructure:"baud_rate"`
}

// Config holds application configuration
type Config struct {
	LogLevel         string        `mapstructure:"log_level" default:"info"`
	CommandDelay     time.Duration `mapstructure:"command_delay" default:"0s"`
	ResponseTimeout  time.Duration `mapstructure:"response_timeout" default:"30s"`
	BaudRate         int           `mapstructure:"baud_rate" default:"115200"`
	ResetDuration    time.Duration `mapstructure:"reset_duration" default:"1s"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout" default:"1s"`
	EventBacklogWarn int           `mapstructure:"event_backlog_warn" default:"64"`
	TranscriptSize   uint32        `mapstructure:"transcript_size" default:"256"`
	Boards           []Board       `mapstructure:"boards"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path (YAML, optional) over the defaults, then applies BLEHIL_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	d := DefaultConfig()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("command_delay", d.CommandDelay)
	v.SetDefault("response_timeout", d.ResponseTimeout)
	v.SetDefault("baud_rate", d.BaudRate)
	v.SetDefault("reset_duration", d.ResetDuration)
	v.SetDefault("flush_timeout", d.FlushTimeout)
	v.SetDefault("event_backlog_warn", d.EventBacklogWarn)
	v.SetDefault("transcript_size", d.TranscriptSize)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.CommandDelay < 0 {
		errs = append(errs, fmt.Errorf("command_delay must not be negative, got %s", c.CommandDelay))
	}
	if c.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("response_timeout must be positive, got %s", c.ResponseTimeout))
	}
	if c.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud_rate must be positive, got %d", c.BaudRate))
	}

	seen := make(map[string]bool, len(c.Boards))
	for i, b := range c.Boards {
		switch {
		case b.Name == "":
			errs = append(errs, fmt.Errorf("boards[%d]: name is required", i))
		case seen[b.Name]:
			errs = append(errs, fmt.Errorf("boards[%d]: duplicate name %q", i, b.Name))
		}
		seen[b.Name] = true
		if b.Port == "" {
			errs = append(errs, fmt.Errorf("boards[%d]: port is required", i))
		}
	}
	return errors.Join(errs...)
}

// Board returns the board called name.
func (c *Config) Board(name string) (Board, bool) {
	for _, b := range c.Boards {
		if b.Name == name {
			return b, true
		}
	}
	return Board{}, false
}

// BoardBaudRate returns the board's own baud rate, or the global one.
func (c *Config) BoardBaudRate(b Board) int {
	if b.BaudRate > 0 {
		return b.BaudRate
	}
	return c.BaudRate
}

// Level returns the parsed log level, info when unparsable.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
