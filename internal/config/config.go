package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models mailpilot.yml.
type Config struct {
	Pipeline struct {
		Workers      int           `yaml:"workers"`
		MaxAttempts  int           `yaml:"max_attempts"`
		BackoffBase  time.Duration `yaml:"backoff_base"`
		BackoffCap   time.Duration `yaml:"backoff_cap"`
		PollInterval time.Duration `yaml:"poll_interval"`
		StageTimeout time.Duration `yaml:"stage_timeout"`
	} `yaml:"pipeline"`
	Backend struct {
		Provider string        `yaml:"provider"`
		BaseURL  string        `yaml:"base_url"`
		Model    string        `yaml:"model"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"backend"`
	Mailer struct {
		Label       string        `yaml:"label"`
		SendTimeout time.Duration `yaml:"send_timeout"`
	} `yaml:"mailer"`
	Reply struct {
		// Templates that rule 3 of the policy gate may auto-approve.
		AllowedTemplates map[string]string `yaml:"allowed_templates"`
		DoNotReply       []string          `yaml:"do_not_reply"`
	} `yaml:"reply"`
	Categories []string `yaml:"categories"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run mailpilot init", path)
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
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("config.pipeline.workers must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("config.pipeline.max_attempts must be positive")
	}
	if c.Pipeline.BackoffBase <= 0 {
		return fmt.Errorf("config.pipeline.backoff_base must be positive")
	}
	if c.Pipeline.BackoffCap < c.Pipeline.BackoffBase {
		return fmt.Errorf("config.pipeline.backoff_cap must be >= backoff_base")
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("config.pipeline.stage_timeout must be positive")
	}
	if c.Backend.Provider == "" {
		return fmt.Errorf("config.backend.provider is required")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("config.backend.timeout must be positive")
	}
	for name, body := range c.Reply.AllowedTemplates {
		if name == "" {
			return fmt.Errorf("config.reply.allowed_templates contains empty name")
		}
		if body == "" {
			return fmt.Errorf("template %s has empty body", name)
		}
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("config.categories is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mailpilot.yml")
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `pipeline:
  workers: 4
  max_attempts: 3
  backoff_base: 2s
  backoff_cap: 5m
  poll_interval: 1s
  stage_timeout: 30s

backend:
  provider: openai
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  timeout: 20s

mailer:
  label: mailpilot
  send_timeout: 15s

reply:
  allowed_templates:
    away: "I'm currently away and will reply when I'm back. Thanks for your patience."
  do_not_reply:
    - noreply
    - no-reply
    - do-not-reply
    - notification

categories:
  - work
  - personal
  - financial
  - promotional
  - support
  - meetings
  - notifications
  - action_required
  - spam
  - other
`
