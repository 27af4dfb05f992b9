package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models fairquest.yml.
type Config struct {
	Server struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"server"`
	Owner struct {
		ID   int64  `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"owner"`
	Event struct {
		OpensAt  string `yaml:"opens_at"`
		ClosesAt string `yaml:"closes_at"`
	} `yaml:"event"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run fq login or create it from the default template", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("config.server.base_url is required")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("config.server.base_url: %w", err)
	}
	if c.Owner.ID < 0 {
		return fmt.Errorf("config.owner.id must not be negative")
	}
	for _, ts := range []string{c.Event.OpensAt, c.Event.ClosesAt} {
		if ts == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			return fmt.Errorf("config.event timestamps must be RFC3339: %w", err)
		}
	}
	return nil
}

// EventOpen reports whether now falls inside the configured event window.
// Unset bounds are open-ended.
func (c *Config) EventOpen(now time.Time) bool {
	if c.Event.OpensAt != "" {
		if t, err := time.Parse(time.RFC3339, c.Event.OpensAt); err == nil && now.Before(t) {
			return false
		}
	}
	if c.Event.ClosesAt != "" {
		if t, err := time.Parse(time.RFC3339, c.Event.ClosesAt); err == nil && now.After(t) {
			return false
		}
	}
	return true
}

// Save writes the config back to the workspace file.
func (c *Config) Save(workspace string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fairquest.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  base_url: http://localhost:8080/v0
  token: ""

owner:
  id: 0
  name: ""

event:
  opens_at: ""
  closes_at: ""
`
