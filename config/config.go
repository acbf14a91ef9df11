// Package config loads runtime settings for the bfi tools from defaults, an
// optional config file, BFI_* environment variables and command line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "BFI"
	configName = "bfi"
)

// Config holds every setting the CLI, REPL and shim read.
type Config struct {
	Log   Log  `mapstructure:"log"`
	Debug bool `mapstructure:"debug"` // Trace interpreter execution
	Repl  Repl `mapstructure:"repl"`
}

type Log struct {
	Level  string `mapstructure:"level"`  // logrus level name
	Format string `mapstructure:"format"` // "text" or "json"
}

type Repl struct {
	HistoryFile  string `mapstructure:"history_file"`
	HistoryLimit int    `mapstructure:"history_limit"`
	Color        bool   `mapstructure:"color"`
}

// Default returns the settings used when nothing else is configured.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Log: Log{
			Level:  "info",
			Format: string(log.TextFormat),
		},
		Repl: Repl{
			HistoryFile:  filepath.Join(home, ".bfi_history"),
			HistoryLimit: 1000,
			Color:        true,
		},
	}
}

// flagKeys maps the shared command line flags to their config keys.
var flagKeys = map[string]string{
	"log-level":  "log.level",
	"log-format": "log.format",
	"debug":      "debug",
}

// RegisterFlags adds the shared flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file")
	fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
	fs.String("log-format", "", "log format (text, json)")
	fs.Bool("debug", false, "trace interpreter execution")
}

func newViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("repl.history_file", d.Repl.HistoryFile)
	v.SetDefault("repl.history_limit", d.Repl.HistoryLimit)
	v.SetDefault("repl.color", d.Repl.Color)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load resolves the configuration. fs may be nil; flags that were not set on
// the command line do not override file or environment values.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := newViper()

	path := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			path = f.Value.String()
		}
		fs.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return
			}
			// BindPFlag only fails on a nil flag.
			_ = v.BindPFlag(key, f)
		})
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// ApplyLogging configures the global logger from cfg.
func (c *Config) ApplyLogging() error {
	level := c.Log.Level
	if c.Debug && level != "trace" {
		level = "debug"
	}
	if err := log.SetLevel(level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	if err := log.SetFormat(log.OutputFormat(c.Log.Format)); err != nil {
		return fmt.Errorf("invalid log format %q: %w", c.Log.Format, err)
	}
	return nil
}
