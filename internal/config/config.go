// Package config parses mirrormesh's runtime configuration: command-line
// flags optionally layered over a YAML file, generalized from the
// teacher's cmd/mirrorshuttle/config.go (flag + gopkg.in/yaml.v3, CLI
// always wins over file).
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const defaultLogLevel = slog.LevelInfo

var (
	// ErrConfigMissing is returned when --config names a file that
	// cannot be opened.
	ErrConfigMissing = errors.New("--config yaml file does not exist")
	// ErrConfigMalformed is returned when --config names a file with
	// unknown or invalid fields.
	ErrConfigMalformed = errors.New("--config yaml file is malformed")
	// ErrInvalidLogLevel is returned for a --log-level value other than
	// debug, info, warn (or warning), or error, matched case-insensitively.
	ErrInvalidLogLevel = errors.New("--log-level has a not recognized value")
)

// Config holds the ambient settings of a mirrormesh process: the
// per-worker knobs spec.md leaves as defaults, plus logging. Command and
// session data (sources, targets) flow through the REPL instead.
type Config struct {
	QueueCapacity   int    `yaml:"queue-capacity"`
	CopyConcurrency int    `yaml:"copy-concurrency"`
	VerifyCopies    bool   `yaml:"verify"`
	LogLevel        string `yaml:"log-level"`
	JSON            bool   `yaml:"json"`
}

// Parse builds a Config from cliArgs (as os.Args), optionally merging in
// a --config YAML file read from fsys. Flags explicitly set on the
// command line always override the file, matching the teacher's
// parseArgs "setFlags" discipline.
func Parse(cliArgs []string, fsys afero.Fs, stderr io.Writer) (*Config, *flag.FlagSet, error) {
	var (
		cfg       Config
		yamlFile  string
		yamlOnDsk Config
	)

	flags := flag.NewFlagSet("mirrormesh", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [--config=PATH] [--queue-capacity=N] [--copy-concurrency=N]\n", cliArgs[0])
		fmt.Fprintf(stderr, "\t[--verify] [--log-level=debug|info|warn|error] [--json]\n\n")
		flags.PrintDefaults()
	}

	flags.StringVar(&yamlFile, "config", "", "path to a yaml configuration file")
	flags.IntVar(&cfg.QueueCapacity, "queue-capacity", 10_000, "per-worker event queue capacity")
	flags.IntVar(&cfg.CopyConcurrency, "copy-concurrency", 4, "per-worker concurrent copy permits")
	flags.BoolVar(&cfg.VerifyCopies, "verify", false, "re-read and re-hash each destination file after writing it")
	flags.StringVar(&cfg.LogLevel, "log-level", "info", "verbosity of emitted logs: debug, info, warn, error")
	flags.BoolVar(&cfg.JSON, "json", false, "emit logs in JSON format on standard error")

	if err := flags.Parse(cliArgs[1:]); err != nil {
		return nil, flags, fmt.Errorf("failed parsing flags: %w", err)
	}

	setFlags := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	if yamlFile != "" {
		f, err := fsys.Open(yamlFile)
		if err != nil {
			return nil, flags, fmt.Errorf("%w: %w", ErrConfigMissing, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)

		if err := dec.Decode(&yamlOnDsk); err != nil {
			return nil, flags, fmt.Errorf("%w: %w", ErrConfigMalformed, err)
		}
	}

	if !setFlags["queue-capacity"] && yamlOnDsk.QueueCapacity > 0 {
		cfg.QueueCapacity = yamlOnDsk.QueueCapacity
	}
	if !setFlags["copy-concurrency"] && yamlOnDsk.CopyConcurrency > 0 {
		cfg.CopyConcurrency = yamlOnDsk.CopyConcurrency
	}
	if !setFlags["verify"] {
		cfg.VerifyCopies = yamlOnDsk.VerifyCopies
	}
	if !setFlags["log-level"] && yamlOnDsk.LogLevel != "" {
		cfg.LogLevel = yamlOnDsk.LogLevel
	}
	if !setFlags["json"] {
		cfg.JSON = yamlOnDsk.JSON
	}

	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return nil, flags, fmt.Errorf("%w: %q", err, cfg.LogLevel)
	}

	return &cfg, flags, nil
}

// ParseLogLevel maps a textual level onto a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return defaultLogLevel, ErrInvalidLogLevel
	}
}

// Handler builds the dual tint/JSON slog.Handler the teacher's
// logHandler constructs, writing to stderr.
func (c *Config) Handler(stderr io.Writer) slog.Handler {
	level, _ := ParseLogLevel(c.LogLevel)

	if c.JSON {
		return slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})
	}

	return tint.NewHandler(stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}
