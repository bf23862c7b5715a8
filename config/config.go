// Package config loads the orchestratord process's configuration from an
// HCL file, following the same gohcl/hclparse pattern the teacher uses for
// its server config, generalized from table/bot blocks to queue/registry/
// solver blocks. There is no global singleton: every component that needs
// configuration receives a *Config value explicitly.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/gtocluster/solver/cfr"
)

// Config is the complete orchestratord configuration.
type Config struct {
	Server  ServerSettings   `hcl:"server,block"`
	Bus     BusSettings      `hcl:"bus,block"`
	Registry RegistrySettings `hcl:"registry,block"`
	Solvers []SolverProfile  `hcl:"solver,block"`
}

// ServerSettings is the HTTP/WebSocket listener configuration.
type ServerSettings struct {
	Address        string `hcl:"address,optional"`
	Port           int    `hcl:"port,optional"`
	LogLevel       string `hcl:"log_level,optional"`
	CheckpointDir  string `hcl:"checkpoint_dir,optional"`
}

// BusSettings tunes the message bus adapter's ack timeout and outbox
// bound; field names mirror the spec's C3 configuration knobs.
type BusSettings struct {
	AckTimeoutMS  int `hcl:"ack_timeout_ms,optional"`
	OutboxCapacity int `hcl:"outbox_capacity,optional"`
}

// AckTimeout returns the configured ack timeout as a time.Duration.
func (b BusSettings) AckTimeout() time.Duration {
	return time.Duration(b.AckTimeoutMS) * time.Millisecond
}

// RegistrySettings tunes the compute-node registry's liveness timeout.
type RegistrySettings struct {
	OfflineTimeoutSeconds int `hcl:"offline_timeout_seconds,optional"`
}

// OfflineTimeout returns the configured offline timeout as a time.Duration.
func (r RegistrySettings) OfflineTimeout() time.Duration {
	return time.Duration(r.OfflineTimeoutSeconds) * time.Second
}

// SolverProfile is a named, reusable solver configuration an operator can
// reference when creating a Simulation (e.g. "heads-up-100bb",
// "six-max-50bb") instead of repeating every knob in each API call.
type SolverProfile struct {
	Name                  string  `hcl:"name,label"`
	NumPlayers            int     `hcl:"num_players"`
	StackSize             int     `hcl:"stack_size"`
	SmallBlind            float64 `hcl:"small_blind"`
	BigBlind              float64 `hcl:"big_blind"`
	MaxIterations         int     `hcl:"max_iterations,optional"`
	TargetExploitability  float64 `hcl:"target_exploitability,optional"`
	BatchSize             int     `hcl:"batch_size,optional"`
	Variant               string  `hcl:"variant,optional"`
	CheckpointFrequency   int     `hcl:"checkpoint_frequency,optional"`
	ExploitabilityEvery   int     `hcl:"exploitability_every,optional"`
	ExploitabilitySamples int     `hcl:"exploitability_samples,optional"`
}

// GameConfig converts the HCL profile's game-shaped fields into a cfr.GameConfig.
func (p SolverProfile) GameConfig() cfr.GameConfig {
	return cfr.GameConfig{
		NumPlayers:          p.NumPlayers,
		StackSize:           p.StackSize,
		SmallBlind:          p.SmallBlind,
		BigBlind:            p.BigBlind,
		AllowedBetFractions: []float64{0.5, 1.0, 2.0},
	}
}

// SolverConfig converts the HCL profile's solver-shaped fields into a
// cfr.SolverConfig, applying defaults to anything left at zero.
func (p SolverProfile) SolverConfig() cfr.SolverConfig {
	sc := cfr.DefaultSolverConfig()
	if p.MaxIterations > 0 {
		sc.MaxIterations = p.MaxIterations
	}
	if p.TargetExploitability > 0 {
		sc.TargetExploitability = p.TargetExploitability
	}
	if p.BatchSize > 0 {
		sc.BatchSize = p.BatchSize
	}
	switch p.Variant {
	case "chance_sampling":
		sc.Variant = cfr.ChanceSampling
	case "plus":
		sc.Variant = cfr.Plus
	case "vanilla", "":
		sc.Variant = cfr.Vanilla
	}
	if p.CheckpointFrequency > 0 {
		sc.CheckpointFrequency = p.CheckpointFrequency
	}
	if p.ExploitabilityEvery > 0 {
		sc.ExploitabilityEvery = p.ExploitabilityEvery
	}
	if p.ExploitabilitySamples > 0 {
		sc.ExploitabilitySamples = p.ExploitabilitySamples
	}
	return sc
}

// Default returns the built-in configuration used when no HCL file is
// present: a single loopback listener, a generous bus/registry timeout, and
// one heads-up smoke-test solver profile.
func Default() *Config {
	return &Config{
		Server: ServerSettings{
			Address:       "localhost",
			Port:          8080,
			LogLevel:      "info",
			CheckpointDir: "./checkpoints",
		},
		Bus: BusSettings{
			AckTimeoutMS:   30000,
			OutboxCapacity: 1024,
		},
		Registry: RegistrySettings{
			OfflineTimeoutSeconds: 60,
		},
		Solvers: []SolverProfile{
			{
				Name:       "heads-up-100bb",
				NumPlayers: 2,
				StackSize:  10000,
				SmallBlind: 50,
				BigBlind:   100,
			},
		},
	}
}

// Load reads an HCL configuration file at path, falling back to Default()
// if the file does not exist. Fields left unset in the file are filled in
// from Default() rather than left at their Go zero value.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: parse %s: %s", path, diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("config: decode %s: %s", path, diags.Error())
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Address == "" {
		cfg.Server.Address = def.Server.Address
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Server.CheckpointDir == "" {
		cfg.Server.CheckpointDir = def.Server.CheckpointDir
	}
	if cfg.Bus.AckTimeoutMS == 0 {
		cfg.Bus.AckTimeoutMS = def.Bus.AckTimeoutMS
	}
	if cfg.Bus.OutboxCapacity == 0 {
		cfg.Bus.OutboxCapacity = def.Bus.OutboxCapacity
	}
	if cfg.Registry.OfflineTimeoutSeconds == 0 {
		cfg.Registry.OfflineTimeoutSeconds = def.Registry.OfflineTimeoutSeconds
	}
	if len(cfg.Solvers) == 0 {
		cfg.Solvers = def.Solvers
	}
}

// Validate checks invariants Load doesn't already enforce via gohcl's
// required-field decoding.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if c.Bus.AckTimeoutMS <= 0 {
		return fmt.Errorf("config: bus ack_timeout_ms must be positive")
	}
	if c.Registry.OfflineTimeoutSeconds <= 0 {
		return fmt.Errorf("config: registry offline_timeout_seconds must be positive")
	}
	seen := make(map[string]bool)
	for _, s := range c.Solvers {
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate solver profile %q", s.Name)
		}
		seen[s.Name] = true
		if err := s.GameConfig().Validate(); err != nil {
			return fmt.Errorf("config: solver %q: %w", s.Name, err)
		}
	}
	return nil
}

// Profile looks up a named solver profile.
func (c *Config) Profile(name string) (SolverProfile, bool) {
	for _, s := range c.Solvers {
		if s.Name == name {
			return s, true
		}
	}
	return SolverProfile{}, false
}
