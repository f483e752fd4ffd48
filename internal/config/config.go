package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultAddr           = "0.0.0.0:3000"
	DefaultMaxFileSize    = 50 << 20
	DefaultArchiveTimeout = 10 * time.Minute
	DefaultPingInterval   = 30 * time.Second
	DefaultThumbSize      = 256
)

// Config is intentionally small and JSON-friendly.
type Config struct {
	Addr string `json:"addr"`

	// Root is the flat directory holding every stored file.
	Root string `json:"root"`

	// StateDir holds temp uploads and cached thumbnails.
	// Default: <root>/.mediashare
	StateDir string `json:"stateDir"`

	// MaxFileSize caps a single upload in bytes. Default 50 MiB.
	MaxFileSize int64 `json:"maxFileSize,omitempty"`

	// ArchiveTimeout bounds one ZIP download. Default 10m; negative disables.
	ArchiveTimeout Duration `json:"archiveTimeout,omitempty"`

	// MaxConns caps simultaneously accepted TCP connections; 0 is unlimited.
	MaxConns int `json:"maxConns,omitempty"`

	// PingInterval for WebSocket keepalives. Default 30s; negative disables.
	PingInterval Duration `json:"pingInterval,omitempty"`

	// ObserverQueue is the per-connection outbound message buffer.
	ObserverQueue int `json:"observerQueue,omitempty"`

	// DeleteParallelism bounds concurrent unlinks in delete-all.
	DeleteParallelism int `json:"deleteParallelism,omitempty"`

	// ThumbSize is the longest edge of generated thumbnails.
	ThumbSize int `json:"thumbSize,omitempty"`

	LogLevel  string `json:"logLevel,omitempty"`  // debug|info|warn|error
	LogFormat string `json:"logFormat,omitempty"` // text|json
}

// Duration decodes from either a Go duration string ("90s") or integer
// nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration: expected string or integer, got %s", b)
	}
	*d = Duration(n)
	return nil
}

// Load reads a JSON config file. Unknown fields are an error.
func Load(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate fills defaults and absolutizes paths.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("config: root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("config: abs root: %w", err)
	}
	c.Root = abs
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.Root, ".mediashare")
	} else if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("config: abs state dir: %w", err)
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxFileSize < 0 {
		return fmt.Errorf("config: maxFileSize must not be negative, got %d", c.MaxFileSize)
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.ArchiveTimeout == 0 {
		c.ArchiveTimeout = Duration(DefaultArchiveTimeout)
	}
	if c.PingInterval == 0 {
		c.PingInterval = Duration(DefaultPingInterval)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: maxConns must not be negative, got %d", c.MaxConns)
	}
	if c.ThumbSize <= 0 {
		c.ThumbSize = DefaultThumbSize
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "":
		c.LogFormat = "text"
	case "text", "json":
	default:
		return fmt.Errorf("config: logFormat must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger described by LogLevel and LogFormat.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("config: logLevel: %w", err)
	}
	return l, nil
}
