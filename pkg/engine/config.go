package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Broker kinds registered by default.
const (
	KindLocal  = "local"
	KindRemote = "remote"
	KindMemory = "memory"
)

// Config is the top-level engine configuration.
type Config struct {
	Brokers      []BrokerConfig `yaml:"brokers"`
	ActiveBroker string         `yaml:"active_broker"`
	Sessions     SessionsConfig `yaml:"sessions"`
	Packages     PackagesConfig `yaml:"packages"`
}

// BrokerConfig describes one engine host the client can connect to.
type BrokerConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	// Local engines.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`
	Env     []string `yaml:"env"` // KEY=VALUE pairs added to the process environment.

	// Remote engines.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// SessionsConfig holds settings shared by every session.
type SessionsConfig struct {
	InteractionTimeout string `yaml:"interaction_timeout"` // Duration string, e.g. "30s". Empty means no bound.
	StartTimeout       string `yaml:"start_timeout"`       // Duration string bounding a host start.
	MaxWaiters         int    `yaml:"max_waiters"`         // Interaction queue bound (0 = default).
}

// PackagesConfig holds settings applied to the package manager session.
type PackagesConfig struct {
	RepositoryMirror string `yaml:"repository_mirror"`
	CodePage         int    `yaml:"code_page"`
}

// LoadConfig reads a YAML file and returns a Config.
// Environment variables referenced as ${VAR} or $VAR in the YAML are expanded
// before parsing, so credentials for remote engines can live in the
// environment (e.g. loaded from a .env file) rather than in the config.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("engine: load config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("engine: parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("engine: config: at least one broker is required")
	}

	names := make(map[string]struct{}, len(c.Brokers))
	for _, b := range c.Brokers {
		if b.Name == "" {
			return fmt.Errorf("engine: config: broker name is required")
		}
		if b.Kind == "" {
			return fmt.Errorf("engine: config: broker %q: kind is required", b.Name)
		}
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("engine: config: duplicate broker name %q", b.Name)
		}
		names[b.Name] = struct{}{}

		switch b.Kind {
		case KindLocal:
			if b.Command == "" {
				return fmt.Errorf("engine: config: broker %q: command is required", b.Name)
			}
		case KindRemote:
			if b.URL == "" {
				return fmt.Errorf("engine: config: broker %q: url is required", b.Name)
			}
		}
	}

	if c.ActiveBroker != "" {
		if _, ok := names[c.ActiveBroker]; !ok {
			return fmt.Errorf("engine: config: active_broker %q not found in brokers", c.ActiveBroker)
		}
	}

	if _, err := c.Sessions.interactionTimeout(); err != nil {
		return err
	}
	if _, err := c.Sessions.startTimeout(); err != nil {
		return err
	}
	if c.Sessions.MaxWaiters < 0 {
		return fmt.Errorf("engine: config: sessions: max_waiters must not be negative")
	}
	if c.Packages.CodePage < 0 {
		return fmt.Errorf("engine: config: packages: code_page must not be negative")
	}

	return nil
}

// broker returns the broker config called name.
func (c Config) broker(name string) (BrokerConfig, bool) {
	for _, b := range c.Brokers {
		if b.Name == name {
			return b, true
		}
	}
	return BrokerConfig{}, false
}

// activeBroker returns the configured active broker, or the first one.
func (c Config) activeBroker() BrokerConfig {
	if b, ok := c.broker(c.ActiveBroker); ok {
		return b
	}
	return c.Brokers[0]
}

func (s SessionsConfig) interactionTimeout() (time.Duration, error) {
	return parseDuration("interaction_timeout", s.InteractionTimeout)
}

func (s SessionsConfig) startTimeout() (time.Duration, error) {
	return parseDuration("start_timeout", s.StartTimeout)
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("engine: config: sessions: invalid %s %q: %w", field, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("engine: config: sessions: %s must not be negative", field)
	}

	return d, nil
}
