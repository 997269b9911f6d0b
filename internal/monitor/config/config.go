// Package config loads the monitor's TOML configuration (spec §6):
// server, master, slave, blessing algorithm, and optional UI settings.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/monitor/internal/monitor/domain"
)

// Config is the full monitor configuration.
type Config struct {
	Server           ServerConfig         `toml:"server"`
	Master           MasterConfig         `toml:"master"`
	Slave            SlaveConfig          `toml:"slave"`
	DefaultAlgorithm domain.Algorithm     `toml:"default_algorithm"`
	GroupAlgorithms  map[string]string    `toml:"group_algorithms"`
	UI               UIConfig             `toml:"ui"`
	Log              LogConfig            `toml:"log"`
}

// ServerConfig controls the Observer Server (spec §4.3).
type ServerConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	DefaultRank int    `toml:"default_rank"`
}

// MasterConfig controls the Observer Master listener (spec §4.4).
type MasterConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// SlaveConfig controls the slave-side reconnect policy (spec §4.5/§4.8).
type SlaveConfig struct {
	Parents            []string `toml:"parents"`
	ConnectTimeout      float64  `toml:"connect_timeout"`
	ConnectRetryCount   *int     `toml:"connect_retry_count"`
	ConnectRetryDelay   float64  `toml:"connect_retry_delay"`
}

// UIConfig controls the optional UI collaborator (spec §6 UI surface).
// Port 0 means the UI is disabled.
type UIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LogConfig is opaque standard logging config (spec §6 "log: standard
// logging config, opaque").
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a single-node configuration: no parents, BLESS_ALL,
// UI disabled.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        7070,
			DefaultRank: 0,
		},
		Master: MasterConfig{
			Host: "127.0.0.1",
			Port: 7071,
		},
		Slave: SlaveConfig{
			ConnectTimeout:    5,
			ConnectRetryDelay: 2,
		},
		DefaultAlgorithm: domain.BlessAll,
		Log:              LogConfig{Level: "info"},
	}
}

// candidateSuffixes is the suffix search order for the default config
// path (spec §6 CLI: "suffix search .yaml|.yml|.toml|.json"). Only
// .toml is actually parseable by this package; other suffixes are
// matched so an operator's existing config directory is found, then
// rejected with a clear error.
var candidateSuffixes = []string{".toml", ".yaml", ".yml", ".json"}

// Resolve returns the config path to load: confPath if non-empty,
// otherwise the first of $XDG_CONFIG_HOME/monitor/config{.toml,...}
// (or $HOME/.config/monitor/config{...} if XDG_CONFIG_HOME is unset)
// that exists. Returns "" if none exists (defaults apply).
func Resolve(confPath string) (string, error) {
	if confPath != "" {
		return confPath, nil
	}

	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve config dir: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	dir = filepath.Join(dir, "monitor")

	for _, suffix := range candidateSuffixes {
		path := filepath.Join(dir, "config"+suffix)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// Load reads and parses the config at path. path == "-" reads from
// stdin. An empty path returns Default(). Only TOML is supported;
// a path with a non-.toml suffix found via Resolve fails fast here
// with a clear message rather than silently misparsing.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if path != "-" {
		switch filepath.Ext(path) {
		case ".toml", "":
		default:
			return cfg, fmt.Errorf("unsupported config format %q: only .toml is supported", filepath.Ext(path))
		}
	}

	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		r = f
	}

	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the loaded config for startup-fatal errors (spec §7
// "Configuration invalid — fatal at startup").
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if c.Master.Port <= 0 {
		return fmt.Errorf("master.port must be positive")
	}
	switch c.DefaultAlgorithm {
	case domain.BlessAll, domain.BlessOne:
	default:
		return fmt.Errorf("default_algorithm must be BLESS_ALL or BLESS_ONE, got %q", c.DefaultAlgorithm)
	}
	for group, alg := range c.GroupAlgorithms {
		switch domain.Algorithm(alg) {
		case domain.BlessAll, domain.BlessOne:
		default:
			return fmt.Errorf("group_algorithms[%q] must be BLESS_ALL or BLESS_ONE, got %q", group, alg)
		}
	}
	if c.Slave.ConnectRetryCount != nil && *c.Slave.ConnectRetryCount < 0 {
		return fmt.Errorf("slave.connect_retry_count must be non-negative")
	}
	return nil
}

// GroupAlgorithmsTyped converts the string-keyed TOML map into the
// domain.Algorithm map the blessing engine expects.
func (c Config) GroupAlgorithmsTyped() map[string]domain.Algorithm {
	out := make(map[string]domain.Algorithm, len(c.GroupAlgorithms))
	for k, v := range c.GroupAlgorithms {
		out[k] = domain.Algorithm(v)
	}
	return out
}

// ServerAddr returns "host:port" for the Observer Server.
func (c Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MasterAddr returns "host:port" for the Observer Master.
func (c Config) MasterAddr() string {
	return fmt.Sprintf("%s:%d", c.Master.Host, c.Master.Port)
}

// UIAddr returns "host:port" for the UI, or "" if UI.Port is 0.
func (c Config) UIAddr() string {
	if c.UI.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.UI.Host, c.UI.Port)
}
