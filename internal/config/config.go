// Package config loads and watches the hub configuration. A loaded
// Config is an immutable snapshot: reloads produce a new snapshot with a
// bumped pipeline version, never a mutation of the one in use.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/omnibot-dev/omnibot/internal/access"
	"github.com/omnibot-dev/omnibot/internal/contentfilter"
	"github.com/omnibot-dev/omnibot/internal/dispatcher"
	"github.com/omnibot-dev/omnibot/internal/llm"
	"github.com/omnibot-dev/omnibot/internal/logging"
	"github.com/omnibot-dev/omnibot/internal/mcp"
	"github.com/omnibot-dev/omnibot/internal/ratelimit"
	"github.com/omnibot-dev/omnibot/internal/tools"
	"github.com/omnibot-dev/omnibot/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig        `yaml:"server"`
	Storage    StorageConfig       `yaml:"storage"`
	Logging    logging.Config      `yaml:"logging"`
	LLM        llm.Config          `yaml:"llm"`
	Access     access.Config       `yaml:"access"`
	Filter     contentfilter.Config `yaml:"content_filter"`
	RateLimit  ratelimit.Config    `yaml:"rate_limit"`
	Sessions   SessionsConfig      `yaml:"sessions"`
	Dispatcher dispatcher.Config   `yaml:"dispatcher"`
	Tools      ToolsConfig         `yaml:"tools"`
	Bots       []BotConfig         `yaml:"bots"`
	Pipelines  []PipelineConfig    `yaml:"pipelines"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds graceful drain on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// Backend selects the session store: "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

type SessionsConfig struct {
	// MaxMessages bounds turn history per session. 0 means unbounded.
	MaxMessages int `yaml:"max_messages"`
	// IdleTTL is how long a session may sit without a turn before the
	// reaper evicts it.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// ReapInterval is how often the reaper sweeps.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type ToolsConfig struct {
	Registry tools.Config       `yaml:"registry"`
	Servers  []mcp.ServerConfig `yaml:"servers"`
}

// BotConfig binds one bot instance to a pipeline.
type BotConfig struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Platform   models.Platform `yaml:"platform"`
	AccountID  string          `yaml:"account_id"`
	PipelineID string          `yaml:"pipeline"`
	Active     *bool           `yaml:"active"`
}

// PipelineConfig is the declarative form of one pipeline definition.
type PipelineConfig struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	TurnTimeout time.Duration `yaml:"turn_timeout"`
	Stages      []StageConfig `yaml:"stages"`
}

// StageConfig is one declarative stage entry.
type StageConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// OnError overrides the kind's default failure policy
	// ("retry", "skip", "abort").
	OnError     string        `yaml:"on_error"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	// Params carry kind-specific settings (scope, action, direction,
	// tool name, prompt, chunk size, hook name).
	Params map[string]any `yaml:"params"`
}

// Load reads the configuration file, expands environment variables,
// applies OMNIBOT_* env overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := envconfig.Process("omnibot", &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Access.DefaultEffect == "" {
		cfg.Access.DefaultEffect = access.Allow
	}
	if cfg.Sessions.MaxMessages == 0 {
		cfg.Sessions.MaxMessages = 200
	}
	if cfg.Sessions.IdleTTL == 0 {
		cfg.Sessions.IdleTTL = 30 * time.Minute
	}
	if cfg.Sessions.ReapInterval == 0 {
		cfg.Sessions.ReapInterval = time.Minute
	}
}

// Validate rejects configurations that cannot run: dangling pipeline
// references, duplicate ids, malformed tool servers.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	pipelines := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if p.ID == "" {
			return fmt.Errorf("config: pipeline with empty id")
		}
		if pipelines[p.ID] {
			return fmt.Errorf("config: duplicate pipeline id %q", p.ID)
		}
		pipelines[p.ID] = true
		if len(p.Stages) == 0 {
			return fmt.Errorf("config: pipeline %q has no stages", p.ID)
		}
		for _, s := range p.Stages {
			if s.Kind == "" {
				return fmt.Errorf("config: pipeline %q: stage %q has no kind", p.ID, s.Name)
			}
		}
	}

	bots := make(map[string]bool, len(c.Bots))
	for _, b := range c.Bots {
		if b.ID == "" {
			return fmt.Errorf("config: bot with empty id")
		}
		if bots[b.ID] {
			return fmt.Errorf("config: duplicate bot id %q", b.ID)
		}
		bots[b.ID] = true
		if !pipelines[b.PipelineID] {
			return fmt.Errorf("config: bot %q references unknown pipeline %q", b.ID, b.PipelineID)
		}
	}

	for _, s := range c.Tools.Servers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("config: tool server %q: %w", s.ID, err)
		}
	}
	return nil
}

// BotInstances materializes the configured bots. Active defaults to true.
func (c *Config) BotInstances() []*models.BotInstance {
	out := make([]*models.BotInstance, 0, len(c.Bots))
	for _, b := range c.Bots {
		active := true
		if b.Active != nil {
			active = *b.Active
		}
		out = append(out, &models.BotInstance{
			ID:         b.ID,
			Name:       b.Name,
			Platform:   b.Platform,
			AccountID:  b.AccountID,
			PipelineID: b.PipelineID,
			Active:     active,
		})
	}
	return out
}
