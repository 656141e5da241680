// Package config loads the operator configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SimulatorConfig declares one simulator to expose.
type SimulatorConfig struct {
	Name        string        `yaml:"name"`
	EnvID       string        `yaml:"env_id"`
	Backend     string        `yaml:"backend"`
	EntryPoint  string        `yaml:"entry_point,omitempty"`
	Hosting     string        `yaml:"hosting"`
	Mode        string        `yaml:"mode"`
	Ports       []int         `yaml:"ports"`
	TotalAgents int           `yaml:"total_agents"`
	Launch      LaunchConfig  `yaml:"launch,omitempty"`
	Tunnel      TunnelConfig  `yaml:"tunnel,omitempty"`
	Channel     ChannelConfig `yaml:"channel,omitempty"`
	PublicHost  string        `yaml:"public_host,omitempty"`
}

// LaunchConfig enumerates the recognized launch options. Defaults apply
// here, never at call sites.
type LaunchConfig struct {
	Graphics       bool    `yaml:"graphics"`
	Speed          float64 `yaml:"speed"`
	Seed           int64   `yaml:"seed"`
	LegacyFinalObs bool    `yaml:"legacy_final_obs"`
}

// TunnelConfig selects and parameterizes the tunnel provider.
type TunnelConfig struct {
	Provider    string `yaml:"provider"`
	MaxAttempts uint64 `yaml:"max_attempts"`
}

// ChannelConfig points channel-mode exposures at the rendezvous.
type ChannelConfig struct {
	RendezvousURL string `yaml:"rendezvous_url"`
	TrainingKey   string `yaml:"training_key"`
}

// TrainerConfig points submit at the job service.
type TrainerConfig struct {
	ServiceURL     string `yaml:"service_url"`
	ManifestBucket string `yaml:"manifest_bucket,omitempty"`
}

// Config is the root configuration.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	APIKey      string            `yaml:"api_key,omitempty"`
	GraceSecs   int               `yaml:"reconnect_grace_seconds"`
	HealthSweep string            `yaml:"health_sweep,omitempty"`
	Simulators  []SimulatorConfig `yaml:"simulators"`
	Trainer     TrainerConfig     `yaml:"trainer,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:    "info",
		GraceSecs:   30,
		HealthSweep: "@every 30s",
	}
}

// Load reads and validates a configuration file, layered over defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, s := range c.Simulators {
		if s.Name == "" {
			return fmt.Errorf("simulators[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("simulators[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.EnvID == "" {
			return fmt.Errorf("simulator %q: env_id is required", s.Name)
		}
		if len(s.Ports) == 0 {
			return fmt.Errorf("simulator %q: at least one port is required", s.Name)
		}
		if s.TotalAgents <= 0 {
			return fmt.Errorf("simulator %q: total_agents must be positive", s.Name)
		}
		switch s.Mode {
		case "", "direct", "tunnel", "channel":
		default:
			return fmt.Errorf("simulator %q: unknown mode %q", s.Name, s.Mode)
		}
		if s.Mode == "channel" && s.Channel.RendezvousURL == "" {
			return fmt.Errorf("simulator %q: channel mode requires rendezvous_url", s.Name)
		}
	}
	return nil
}

// AgentsPerPort divides the simulator's declared agents across its ports.
// The first len%ports ports take one extra agent so the sum is exact.
func (s SimulatorConfig) AgentsPerPort() []int {
	n := len(s.Ports)
	out := make([]int, n)
	base := s.TotalAgents / n
	rem := s.TotalAgents % n
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}
