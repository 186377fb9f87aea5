package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes yaml values like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models caseflow.yml.
type Config struct {
	Server struct {
		Addr      string   `yaml:"addr"`
		BasePath  string   `yaml:"base_path"`
		JWTSecret string   `yaml:"jwt_secret"`
		APIKeys   []APIKey `yaml:"api_keys"`
	} `yaml:"server"`
	Scheduler struct {
		TickInterval Duration `yaml:"tick_interval"`
		Workers      int      `yaml:"workers"`
		InstanceID   string   `yaml:"instance_id"`
	} `yaml:"scheduler"`
	Execution struct {
		DispatchTimeout Duration `yaml:"dispatch_timeout"`
		StuckAfter      Duration `yaml:"stuck_after"`
		CasePageSize    int      `yaml:"case_page_size"`
	} `yaml:"execution"`
	Simulate struct {
		SampleLimit int `yaml:"sample_limit"`
	} `yaml:"simulate"`
}

type APIKey struct {
	Key     string `yaml:"key"`
	ActorID string `yaml:"actor_id"`
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v1"
	cfg.Scheduler.TickInterval = Duration(time.Minute)
	cfg.Scheduler.Workers = 4
	cfg.Execution.DispatchTimeout = Duration(10 * time.Second)
	cfg.Execution.StuckAfter = Duration(30 * time.Minute)
	cfg.Execution.CasePageSize = 500
	cfg.Simulate.SampleLimit = 20
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("config.scheduler.tick_interval must be positive")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("config.scheduler.workers must be positive")
	}
	if c.Execution.DispatchTimeout <= 0 {
		return fmt.Errorf("config.execution.dispatch_timeout must be positive")
	}
	if c.Execution.StuckAfter <= 0 {
		return fmt.Errorf("config.execution.stuck_after must be positive")
	}
	if c.Execution.CasePageSize <= 0 {
		return fmt.Errorf("config.execution.case_page_size must be positive")
	}
	if c.Simulate.SampleLimit < 0 {
		return fmt.Errorf("config.simulate.sample_limit must not be negative")
	}
	for i, k := range c.Server.APIKeys {
		if k.Key == "" {
			return fmt.Errorf("config.server.api_keys[%d].key is empty", i)
		}
		if k.ActorID == "" {
			return fmt.Errorf("config.server.api_keys[%d].actor_id is empty", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseflow.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// keep their defaults.
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
