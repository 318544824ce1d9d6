package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omnibot-dev/omnibot/internal/access"
)

const sampleConfig = `
server:
  port: 9090

storage:
  backend: memory

llm:
  provider: stub

access:
  default_effect: allow
  rules:
    - scope: "chat:banned"
      effect: deny
      priority: 10

rate_limit:
  capacity: 10
  refill_per_second: 1
  enabled: true

content_filter:
  terms: ["spam"]

dispatcher:
  global_concurrency: 16
  dedup_window: 2m

pipelines:
  - id: default
    name: Default
    turn_timeout: 30s
    stages:
      - name: access
        kind: ACCESS_CONTROL
      - name: ratelimit
        kind: RATE_LIMIT
        params:
          scope: per_user
      - name: infer
        kind: LLM_INFER
        max_attempts: 2
      - name: format
        kind: RESPONSE_FORMAT
        params:
          max_chunk_runes: 2000

bots:
  - id: bot-1
    name: Helper
    platform: webhook
    pipeline: default
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host default = %q", cfg.Server.Host)
	}
	if cfg.Dispatcher.DedupWindow != 2*time.Minute {
		t.Errorf("dedup window = %v, want 2m", cfg.Dispatcher.DedupWindow)
	}
	if len(cfg.Pipelines) != 1 || len(cfg.Pipelines[0].Stages) != 4 {
		t.Fatalf("pipelines = %+v", cfg.Pipelines)
	}
	if cfg.Pipelines[0].Stages[2].MaxAttempts != 2 {
		t.Errorf("stage max_attempts = %d, want 2", cfg.Pipelines[0].Stages[2].MaxAttempts)
	}
	if cfg.Access.DefaultEffect != access.Allow {
		t.Errorf("default effect = %q", cfg.Access.DefaultEffect)
	}
	if cfg.Sessions.IdleTTL != 30*time.Minute {
		t.Errorf("idle ttl default = %v", cfg.Sessions.IdleTTL)
	}

	bots := cfg.BotInstances()
	if len(bots) != 1 || !bots[0].Active {
		t.Errorf("bots = %+v, want one active bot", bots)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_OMNIBOT_KEY", "sk-test")
	cfg, err := Load(writeConfig(t, `
storage:
  backend: memory
llm:
  provider: stub
  api_key: ${TEST_OMNIBOT_KEY}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("api key = %q, want expanded env value", cfg.LLM.APIKey)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown storage backend",
			yaml: "storage:\n  backend: etcd\n",
		},
		{
			name: "sqlite without path",
			yaml: "storage:\n  backend: sqlite\n",
		},
		{
			name: "bot references missing pipeline",
			yaml: "bots:\n  - id: b1\n    pipeline: nope\n",
		},
		{
			name: "pipeline without stages",
			yaml: "pipelines:\n  - id: p1\n",
		},
		{
			name: "duplicate pipeline ids",
			yaml: "pipelines:\n  - id: p1\n    stages:\n      - kind: LLM_INFER\n  - id: p1\n    stages:\n      - kind: LLM_INFER\n",
		},
		{
			name: "stage without kind",
			yaml: "pipelines:\n  - id: p1\n    stages:\n      - name: x\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
