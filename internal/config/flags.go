package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags holds command-line values. Only flags the user actually set
// override values read from --config.
type Flags struct {
	ConfigPath string

	set            *pflag.FlagSet
	addr           string
	root           string
	stateDir       string
	maxFileSize    int64
	archiveTimeout time.Duration
	maxConns       int
	logLevel       string
	logFormat      string
}

func (f *Flags) AddFlags(flagSet *pflag.FlagSet) {
	f.set = flagSet
	flagSet.StringVar(&f.ConfigPath, "config", "", "path to config json (optional)")
	flagSet.StringVar(&f.addr, "addr", DefaultAddr, "listen address")
	flagSet.StringVar(&f.root, "root", "", "directory holding shared files (required if --config is not set)")
	flagSet.StringVar(&f.stateDir, "state", "", "state dir for temp uploads and thumbnails (default: <root>/.mediashare)")
	flagSet.Int64Var(&f.maxFileSize, "max-file-size", DefaultMaxFileSize, "per-file upload limit in bytes")
	flagSet.DurationVar(&f.archiveTimeout, "archive-timeout", DefaultArchiveTimeout, "upper bound for one zip download (negative disables)")
	flagSet.IntVar(&f.maxConns, "max-conns", 0, "max simultaneous connections (0 = unlimited)")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&f.logFormat, "log-format", "text", "text or json")
}

// Resolve loads --config when given, applies explicitly set flags on top and
// validates the result.
func (f *Flags) Resolve() (Config, error) {
	var cfg Config
	if f.ConfigPath != "" {
		var err error
		if cfg, err = Load(f.ConfigPath); err != nil {
			return cfg, err
		}
	}
	fromFile := f.ConfigPath != ""
	use := func(name string) bool {
		return !fromFile || (f.set != nil && f.set.Changed(name))
	}
	if use("addr") {
		cfg.Addr = f.addr
	}
	if use("root") {
		cfg.Root = f.root
	}
	if use("state") {
		cfg.StateDir = f.stateDir
	}
	if use("max-file-size") {
		cfg.MaxFileSize = f.maxFileSize
	}
	if use("archive-timeout") {
		cfg.ArchiveTimeout = Duration(f.archiveTimeout)
	}
	if use("max-conns") {
		cfg.MaxConns = f.maxConns
	}
	if use("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if use("log-format") {
		cfg.LogFormat = f.logFormat
	}
	return cfg, cfg.Validate()
}
