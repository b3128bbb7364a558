package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"spiralsafe/internal/pipeline"
)

// Config models spiralsafe.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret       string `yaml:"jwt_secret"`
		AllowAnonymous  bool   `yaml:"allow_anonymous"`
		DevLoginEnabled bool   `yaml:"dev_login_enabled"`
	} `yaml:"auth"`
	Defaults struct {
		Pipeline string `yaml:"pipeline"`
	} `yaml:"defaults"`
	Pipelines []pipeline.Spec `yaml:"pipelines"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig declares one event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with spiral init", path)
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Pipelines) == 0 {
		return fmt.Errorf("config.pipelines must declare at least one pipeline")
	}
	names := make(map[string]struct{}, len(c.Pipelines))
	for _, spec := range c.Pipelines {
		if _, dup := names[spec.Name]; dup {
			return fmt.Errorf("duplicate pipeline name %s", spec.Name)
		}
		names[spec.Name] = struct{}{}
		if err := pipeline.Vet(spec); err != nil {
			return err
		}
	}
	if c.Defaults.Pipeline == "" {
		if len(c.Pipelines) > 1 {
			return fmt.Errorf("config.defaults.pipeline is required when multiple pipelines are declared")
		}
	} else if _, ok := names[c.Defaults.Pipeline]; !ok {
		return fmt.Errorf("config.defaults.pipeline %s is not a declared pipeline", c.Defaults.Pipeline)
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d] has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d] has negative timeout", i)
		}
	}
	return nil
}

// Pipeline returns the named pipeline spec.
func (c *Config) Pipeline(name string) (pipeline.Spec, bool) {
	for _, spec := range c.Pipelines {
		if spec.Name == name {
			return spec, true
		}
	}
	return pipeline.Spec{}, false
}

// DefaultPipeline returns the pipeline used when a run names none.
func (c *Config) DefaultPipeline() string {
	if c.Defaults.Pipeline != "" {
		return c.Defaults.Pipeline
	}
	if len(c.Pipelines) == 1 {
		return c.Pipelines[0].Name
	}
	return ""
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "spiralsafe.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8711
  base_path: /v1

auth:
  # Required for serve unless allow_anonymous is set. Override with
  # SPIRAL_JWT_SECRET.
  jwt_secret: ""
  allow_anonymous: true
  dev_login_enabled: false

defaults:
  pipeline: coherence

pipelines:
  - name: coherence
    phases:
      - id: KENL
        title: Knowledge Extraction and Navigation Logic
        # check is a CEL expression over the opaque run context, e.g.
        #   has(ctx.signals) && size(ctx.signals) > 0
        check: "true"
      - id: AWI
        title: Abstract World Interface
        check: "true"

webhooks: []
`
