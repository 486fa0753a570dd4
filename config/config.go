// Package config loads the server configuration
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/configloader"
	"github.com/effective-security/xlog"
	"github.com/go-playground/validator/v10"
)

// Config of the weather MCP server
type Config struct {
	Server Server `json:"server" yaml:"server"`
	Logs   Logs   `json:"logs" yaml:"logs"`
}

// Server specifies the MCP server and its HTTP listener
type Server struct {
	// Name is reported to clients in `initialize`
	Name         string `json:"name" yaml:"name" validate:"required"`
	Version      string `json:"version,omitempty" yaml:"version,omitempty"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	// Listen is the host:port to listen on
	Listen      string `json:"listen" yaml:"listen" validate:"required,hostname_port"`
	SSEPath     string `json:"sse_path" yaml:"sse_path" validate:"required,startswith=/"`
	MessagePath string `json:"message_path" yaml:"message_path" validate:"required,startswith=/"`
	// KeepAlive is the interval of SSE keep-alive comments, `0s` disables them
	KeepAlive string `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
	// ShutdownTimeout bounds the graceful shutdown
	ShutdownTimeout string `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	// PaginationLimit is the page size of `tools/list`, 0 returns all tools
	PaginationLimit int `json:"pagination_limit,omitempty" yaml:"pagination_limit,omitempty" validate:"gte=0"`
}

// Logs specifies logging
type Logs struct {
	// Level is one of trace|debug|info|notice|warning|error|critical,
	// or an xlog short form such as `d`
	Level string `json:"level" yaml:"level" validate:"required"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: Server{
			Name:            "Weather",
			Listen:          "127.0.0.1:8000",
			SSEPath:         "/sse",
			MessagePath:     "/messages/",
			KeepAlive:       "15s",
			ShutdownTimeout: "5s",
		},
		Logs: Logs{
			Level: "info",
		},
	}
}

// Load returns the configuration from file on top of the defaults.
// Environment variables referenced as ${VAR} in the file are expanded.
// An empty file name returns the defaults.
func Load(file string) (*Config, error) {
	cfg := Default()
	if file != "" {
		if err := configloader.UnmarshalAndExpand(file, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to load config %q", file)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration
func (c *Config) Validate() error {
	c.Logs.Level = strings.ToLower(strings.TrimSpace(c.Logs.Level))
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if _, err := c.Logs.LogLevel(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if _, err := c.Server.KeepAliveInterval(); err != nil {
		return err
	}
	if _, err := c.Server.ShutdownTimeoutDuration(); err != nil {
		return err
	}
	return nil
}

func parseDuration(name, val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	if d < 0 {
		return 0, errors.Errorf("invalid %s: negative duration %q", name, val)
	}
	return d, nil
}

// KeepAliveInterval returns the parsed KeepAlive
func (s *Server) KeepAliveInterval() (time.Duration, error) {
	return parseDuration("keep_alive", s.KeepAlive)
}

// ShutdownTimeoutDuration returns the parsed ShutdownTimeout
func (s *Server) ShutdownTimeoutDuration() (time.Duration, error) {
	return parseDuration("shutdown_timeout", s.ShutdownTimeout)
}

// LogLevel returns the xlog level of Logs.Level
func (l *Logs) LogLevel() (xlog.LogLevel, error) {
	lvl, err := xlog.ParseLevel(strings.ToUpper(l.Level))
	if err != nil {
		return lvl, errors.Wrap(err, "invalid logs.level")
	}
	return lvl, nil
}
