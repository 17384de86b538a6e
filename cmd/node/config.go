package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"

	"TrustMesh/internal/trustgraph"
	"TrustMesh/internal/types"
)

// Config holds the node configuration. Values come from the defaults, then
// an optional YAML file, then explicitly set flags.
type Config struct {
	// ConfigPath is the optional YAML configuration file.
	ConfigPath string `yaml:"-"`

	// DataPath is the directory for persistent storage.
	DataPath string `yaml:"data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `yaml:"http"`

	// QUICAddress is the embedded mesh listen address. Empty disables the mesh.
	QUICAddress string `yaml:"quic"`

	// Peers are mesh addresses dialed and kept connected.
	Peers []string `yaml:"peers"`

	// RedisURL selects the external pub/sub service when reachable.
	RedisURL string `yaml:"redis"`

	// KeyPath is the path to the Ed25519 private key file. Defaults to
	// node.key in the data directory.
	KeyPath string `yaml:"key"`

	// Admins are "type:value" pointers allowed to run administrative operations.
	Admins []string `yaml:"admins"`

	// Depth is the default trust index depth.
	Depth int `yaml:"depth"`

	// IndexWindows bounds the maintained indexes created for query windows.
	IndexWindows int `yaml:"index_windows"`

	// Policy names the rating edges that propagate trust.
	Policy string `yaml:"policy"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// LoginSecret enables credential issuance for a login front end.
	LoginSecret string `yaml:"login_secret"`

	// LoginOptions are the login providers advertised by the API.
	LoginOptions []string `yaml:"login_options"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() *Config {
	return &Config{
		DataPath:     "./data",
		HTTPAddress:  ":8080",
		QUICAddress:  ":9000",
		Depth:        trustgraph.DefaultDepth,
		IndexWindows: trustgraph.DefaultWindowCapacity,
		Policy:       "positive",
		LogLevel:     "info",
	}
}

// parseFlags parses command-line arguments into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := defaultConfig()

	if err := newFlagSet(cfg).Parse(args); err != nil {
		return nil, err
	}

	if cfg.ConfigPath != "" {
		if err := cfg.load(cfg.ConfigPath); err != nil {
			return nil, err
		}

		// Flags win over the file.
		if err := newFlagSet(cfg).Parse(args); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newFlagSet binds flags to cfg, using its current values as defaults.
func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("trustmesh", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "YAML configuration file")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", cfg.HTTPAddress, "HTTP API address")
	fs.StringVar(&cfg.QUICAddress, "quic", cfg.QUICAddress, "QUIC mesh address (empty disables the mesh)")
	fs.Func("peers", "Comma-separated mesh peer addresses", listSetter(&cfg.Peers))
	fs.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL for external pub/sub")
	fs.StringVar(&cfg.KeyPath, "key", cfg.KeyPath, "Ed25519 private key path (generates new if missing)")
	fs.Func("admins", "Comma-separated admin pointers (type:value)", listSetter(&cfg.Admins))
	fs.IntVar(&cfg.Depth, "depth", cfg.Depth, "Default trust index depth")
	fs.IntVar(&cfg.IndexWindows, "index-windows", cfg.IndexWindows, "Maintained query window indexes kept")
	fs.StringVar(&cfg.Policy, "policy", cfg.Policy, "Trust propagation policy (positive|all)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.LoginSecret, "login-secret", cfg.LoginSecret, "Shared secret of the login front end")
	fs.Func("login-options", "Comma-separated login providers", listSetter(&cfg.LoginOptions))

	return fs
}

// listSetter replaces *dst with the comma-separated values of a flag.
func listSetter(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
		return nil
	}
}

// load overlays the YAML file at path onto cfg.
func (cfg *Config) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s:\n%w", path, err)
	}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("parse config %s:\n%w", path, err)
	}

	return nil
}

// validate rejects values the node cannot start with.
func (cfg *Config) validate() error {
	if cfg.DataPath == "" {
		return fmt.Errorf("data directory is required")
	}

	if cfg.Depth <= 0 {
		return fmt.Errorf("depth must be positive, got %d", cfg.Depth)
	}

	if cfg.IndexWindows <= 0 {
		return fmt.Errorf("index-windows must be positive, got %d", cfg.IndexWindows)
	}

	if _, err := trustgraph.ParsePolicy(cfg.Policy); err != nil {
		return err
	}

	if _, err := cfg.adminPointers(); err != nil {
		return err
	}

	return nil
}

// adminPointers parses Admins. The type ends at the first colon.
func (cfg *Config) adminPointers() ([]types.Pointer, error) {
	out := make([]types.Pointer, 0, len(cfg.Admins))

	for _, a := range cfg.Admins {
		typ, value, _ := strings.Cut(a, ":")
		p := types.NewPointer(typ, value)
		if !p.Valid() {
			return nil, fmt.Errorf("invalid admin pointer %q, want type:value", a)
		}
		out = append(out, p)
	}

	return out, nil
}

// keyPath returns the key file, defaulting into the data directory.
func (cfg *Config) keyPath() string {
	if cfg.KeyPath != "" {
		return cfg.KeyPath
	}
	return cfg.DataPath + "/node.key"
}
