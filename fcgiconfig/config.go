// Package fcgiconfig loads the YAML configuration for the example
// binaries in cmd/ (§10's ambient configuration layer): where to bind
// the Server, which application to have the Client supervise, and the
// capabilities each side advertises.
//
// Grounded in sadewadee-maboo's internal/config/config.go: nested
// yaml-tagged structs, a Duration type that unmarshals from Go duration
// strings, a Load(path) that applies defaults before parsing, and a
// Validate() that rejects an unusable config before it reaches the
// engine.
package fcgiconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a Client+Server pairing
// (cmd/fcgi-echo and similar example binaries).
type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// ClientConfig configures the FastCGI Client engine (§4.2, §4.5).
// cmd/fcgi-echo passes only Address and Exec to the Client; MaxRestarts,
// SpawnDelay and GracefulWait are parsed and validated but not applied,
// so the supervisor runs with procsup's own defaults.
type ClientConfig struct {
	// Address is the application's listen address the Client dials,
	// e.g. "127.0.0.1:9000".
	Address string `yaml:"address"`
	// Exec is the application command line the Client supervises. Empty
	// means the application is started externally.
	Exec string `yaml:"exec"`
	// MaxRestarts caps cascading restarts after the child exits.
	MaxRestarts int `yaml:"max_restarts"`
	// SpawnDelay is how long to wait after (re)spawning before treating
	// the child as up.
	SpawnDelay Duration `yaml:"spawn_delay"`
	// GracefulWait is how long to wait for a graceful exit before
	// force-killing on shutdown.
	GracefulWait Duration `yaml:"graceful_wait"`
}

// ServerConfig configures the FastCGI Server engine (§4.3).
type ServerConfig struct {
	// Bind is the address the Server listens on, e.g. "127.0.0.1:9000".
	Bind string `yaml:"bind"`
	// MaxConns is advertised as FCGI_MAX_CONNS.
	MaxConns uint32 `yaml:"max_conns"`
	// MaxReqs is advertised as FCGI_MAX_REQS.
	MaxReqs uint32 `yaml:"max_reqs"`
	// MpxsConns is advertised as FCGI_MPXS_CONNS.
	MpxsConns bool `yaml:"mpxs_conns"`
}

// LoggingConfig holds the logging settings (§10's ambient logging). Level
// is parsed but nothing in this module applies it to go-log.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Duration is a time.Duration that unmarshals from a Go duration string
// ("500ms", "2s") instead of YAML's native (and less readable)
// nanosecond integer.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a Config with the spec's fixed defaults (§4.5's
// restart cap and timings, §3's capability defaults).
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			MaxRestarts:  5,
			SpawnDelay:   Duration(500 * time.Millisecond),
			GracefulWait: Duration(2 * time.Second),
		},
		Server: ServerConfig{
			MaxConns:  10,
			MaxReqs:   50,
			MpxsConns: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path as YAML over Default(), then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fcgiconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("fcgiconfig: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fcgiconfig: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configs that can't drive either engine.
func (c *Config) Validate() error {
	if c.Client.Address == "" && c.Server.Bind == "" {
		return fmt.Errorf("at least one of client.address or server.bind is required")
	}
	if c.Client.MaxRestarts < 0 {
		return fmt.Errorf("client.max_restarts must be >= 0, got %d", c.Client.MaxRestarts)
	}
	if c.Server.MpxsConns && c.Server.MaxReqs < 1 {
		return fmt.Errorf("server.max_reqs must be >= 1 when mpxs_conns is enabled")
	}
	return nil
}
