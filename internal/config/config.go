package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kannamma/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRemote   = "remote"

	IVRSimulated = "simulated"
	IVRRemote    = "remote"
)

// Config models kannamma.yml.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Backend BackendConfig `yaml:"backend"`
	IVR     IVRConfig     `yaml:"ivr"`
	Calls   CallsConfig   `yaml:"calls"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

type StoreConfig struct {
	// Driver selects where mothers and call logs live: sqlite, postgres or remote.
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path,omitempty"`
	PostgresURL string `yaml:"postgres_url,omitempty"`
	MaxConns    int32  `yaml:"max_conns,omitempty"`
	MinConns    int32  `yaml:"min_conns,omitempty"`
}

type BackendConfig struct {
	URL     string        `yaml:"url,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

type IVRConfig struct {
	Mode      string          `yaml:"mode"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// SimulatorConfig drives the in-process IVR used when no telephony backend is wired.
type SimulatorConfig struct {
	Weights map[string]int    `yaml:"weights"`
	Delay   time.Duration     `yaml:"delay"`
	Script  map[string]string `yaml:"script,omitempty"`
	Seed    int64             `yaml:"seed,omitempty"`
}

type CallsConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	BasePath    string        `yaml:"base_path"`
	CORSOrigins []string      `yaml:"cors_origins,omitempty"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with asha config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("config.store.postgres_url is required for driver postgres")
		}
		if c.Store.MaxConns < 0 || c.Store.MinConns < 0 || (c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns) {
			return fmt.Errorf("config.store connection limits are invalid")
		}
	case DriverRemote:
		if c.Backend.URL == "" {
			return fmt.Errorf("config.backend.url is required for driver remote")
		}
	default:
		return fmt.Errorf("config.store.driver must be one of sqlite, postgres, remote")
	}
	switch c.IVR.Mode {
	case IVRSimulated:
		if err := c.IVR.Simulator.validate(); err != nil {
			return err
		}
	case IVRRemote:
		if c.Store.Driver != DriverRemote {
			return fmt.Errorf("config.ivr.mode remote requires store driver remote")
		}
	default:
		return fmt.Errorf("config.ivr.mode must be simulated or remote")
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("config.backend.timeout must not be negative")
	}
	if c.Calls.Timeout < 0 {
		return fmt.Errorf("config.calls.timeout must not be negative")
	}
	if c.Calls.MaxConcurrent < 0 {
		return fmt.Errorf("config.calls.max_concurrent must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.TokenTTL <= 0 {
		return fmt.Errorf("config.server.token_ttl must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

func (s SimulatorConfig) validate() error {
	total := 0
	for name, w := range s.Weights {
		if !domain.Outcome(name).Valid() {
			return fmt.Errorf("config.ivr.simulator.weights has unknown outcome %s", name)
		}
		if w < 0 {
			return fmt.Errorf("config.ivr.simulator.weights.%s must not be negative", name)
		}
		total += w
	}
	if len(s.Weights) > 0 && total == 0 {
		return fmt.Errorf("config.ivr.simulator.weights must not all be zero")
	}
	for id, outcome := range s.Script {
		if id == "" {
			return fmt.Errorf("config.ivr.simulator.script has empty mother id")
		}
		if !domain.Outcome(outcome).Valid() {
			return fmt.Errorf("config.ivr.simulator.script.%s has unknown outcome %s", id, outcome)
		}
	}
	if s.Delay < 0 {
		return fmt.Errorf("config.ivr.simulator.delay must not be negative")
	}
	return nil
}

// ApplyEnv overlays secrets and endpoints that are usually kept out of the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("KANNAMMA_POSTGRES_URL"); ok && v != "" {
		c.Store.PostgresURL = v
	}
	if v, ok := lookup("KANNAMMA_BACKEND_URL"); ok && v != "" {
		c.Backend.URL = v
	}
}

// SQLitePath resolves the database file for the sqlite driver.
func (c *Config) SQLitePath(workspace string) string {
	if c.Store.Path == "" {
		return ""
	}
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(workspace, c.Store.Path)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "kannamma.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted keys keep their
// default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `store:
  driver: sqlite
  max_conns: 10
  min_conns: 2

backend:
  timeout: 15s

ivr:
  mode: simulated
  simulator:
    weights:
      answered: 6
      not_answered: 3
      pressed_2: 1
    delay: 500ms

calls:
  timeout: 90s
  max_concurrent: 0

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  token_ttl: 12h
  session_ttl: 1h

log:
  level: info
  format: console
`
