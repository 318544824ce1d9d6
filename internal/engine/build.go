package engine

import (
	"fmt"

	"github.com/omnibot-dev/omnibot/internal/access"
	"github.com/omnibot-dev/omnibot/internal/config"
	"github.com/omnibot-dev/omnibot/internal/contentfilter"
	"github.com/omnibot-dev/omnibot/internal/pipeline"
)

// buildDefinition materializes one declarative pipeline config.
func (e *Engine) buildDefinition(pc config.PipelineConfig, version int) (*pipeline.Definition, error) {
	def := &pipeline.Definition{
		ID:          pc.ID,
		Name:        pc.Name,
		Version:     version,
		TurnTimeout: pc.TurnTimeout,
		Stages:      make([]pipeline.ConfiguredStage, 0, len(pc.Stages)),
	}

	for i, sc := range pc.Stages {
		stage, err := e.buildStage(sc)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q stage %d (%s): %w", pc.ID, i, sc.Name, err)
		}
		def.Stages = append(def.Stages, pipeline.ConfiguredStage{
			Stage: stage,
			Policy: pipeline.StagePolicy{
				OnError:     pipeline.FailurePolicy(sc.OnError),
				MaxAttempts: sc.MaxAttempts,
				Timeout:     sc.Timeout,
			},
		})
	}
	return def, nil
}

func (e *Engine) buildStage(sc config.StageConfig) (pipeline.Stage, error) {
	name := sc.Name
	if name == "" {
		name = string(sc.Kind)
	}

	switch pipeline.Kind(sc.Kind) {
	case pipeline.KindAccessControl:
		evaluator := e.evaluator
		if raw, ok := sc.Params["rules"]; ok {
			// Stage-local rules override the global set.
			cfg, err := accessConfigFromParams(raw, sc.Params)
			if err != nil {
				return nil, err
			}
			evaluator = access.NewEvaluator(cfg)
		}
		stage := pipeline.NewAccessStage(name, evaluator)
		if msg, ok := stringParam(sc.Params, "denied_message"); ok {
			stage.DeniedMessage = msg
		}
		if v, ok := sc.Params["require_mention"].(bool); ok {
			stage.RequireMention = v
		}
		return stage, nil

	case pipeline.KindRateLimit:
		scope, _ := stringParam(sc.Params, "scope")
		stage := pipeline.NewRateLimitStage(name, e.limiter, pipeline.RateLimitScope(scope))
		if msg, ok := stringParam(sc.Params, "limited_message"); ok {
			stage.LimitedMessage = msg
		}
		return stage, nil

	case pipeline.KindContentFilter:
		filter := e.filter
		if terms, ok := sc.Params["terms"]; ok {
			cfg, err := filterConfigFromParams(terms, sc.Params)
			if err != nil {
				return nil, err
			}
			local, err := contentfilter.New(cfg)
			if err != nil {
				return nil, err
			}
			filter = local
		}
		action, _ := stringParam(sc.Params, "action")
		direction, _ := stringParam(sc.Params, "direction")
		stage := pipeline.NewContentFilterStage(name, filter,
			pipeline.FilterAction(action), pipeline.FilterDirection(direction))
		if msg, ok := stringParam(sc.Params, "blocked_message"); ok {
			stage.BlockedMessage = msg
		}
		return stage, nil

	case pipeline.KindToolInvoke:
		tool, ok := stringParam(sc.Params, "tool")
		if !ok {
			return nil, fmt.Errorf("TOOL_INVOKE requires a tool param")
		}
		args, _ := sc.Params["args"].(map[string]any)
		resultVar, _ := stringParam(sc.Params, "result_var")
		return pipeline.NewToolInvokeStage(name, e.registry, tool, args, resultVar), nil

	case pipeline.KindLLMInfer:
		stage := pipeline.NewLLMInferStage(name, e.provider, e.registry)
		if model, ok := stringParam(sc.Params, "model"); ok {
			stage.Model = model
		}
		if prompt, ok := stringParam(sc.Params, "system_prompt"); ok {
			stage.SystemPrompt = prompt
		}
		if n, ok := intParam(sc.Params, "max_tokens"); ok {
			stage.MaxTokens = n
		}
		if n, ok := intParam(sc.Params, "max_tool_rounds"); ok {
			stage.MaxToolRounds = n
		}
		return stage, nil

	case pipeline.KindResponseFormat:
		stage := pipeline.NewResponseFormatStage(name)
		if prefix, ok := stringParam(sc.Params, "prefix"); ok {
			stage.Prefix = prefix
		}
		if suffix, ok := stringParam(sc.Params, "suffix"); ok {
			stage.Suffix = suffix
		}
		if n, ok := intParam(sc.Params, "max_chunk_runes"); ok {
			stage.MaxChunkRunes = n
		}
		if msg, ok := stringParam(sc.Params, "empty_message"); ok {
			stage.EmptyMessage = msg
		}
		return stage, nil

	case pipeline.KindCustomPluginHook:
		hook, ok := stringParam(sc.Params, "hook")
		if !ok {
			hook = name
		}
		return pipeline.NewPluginHookStage(name, hook)

	default:
		return nil, fmt.Errorf("unknown stage kind %q", sc.Kind)
	}
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// accessConfigFromParams decodes stage-local access rules from the loose
// params map.
func accessConfigFromParams(raw any, params map[string]any) (access.Config, error) {
	cfg := access.Config{}
	if effect, ok := stringParam(params, "default_effect"); ok {
		cfg.DefaultEffect = access.Effect(effect)
	}
	rules, ok := raw.([]any)
	if !ok {
		return cfg, fmt.Errorf("access rules must be a list")
	}
	for _, entry := range rules {
		m, ok := entry.(map[string]any)
		if !ok {
			return cfg, fmt.Errorf("access rule must be a mapping")
		}
		rule := access.Rule{}
		rule.Scope, _ = stringParam(m, "scope")
		if effect, ok := stringParam(m, "effect"); ok {
			rule.Effect = access.Effect(effect)
		}
		if pri, ok := intParam(m, "priority"); ok {
			rule.Priority = pri
		}
		cfg.Rules = append(cfg.Rules, rule)
	}
	return cfg, nil
}

func filterConfigFromParams(raw any, params map[string]any) (contentfilter.Config, error) {
	cfg := contentfilter.Config{}
	terms, ok := raw.([]any)
	if !ok {
		return cfg, fmt.Errorf("filter terms must be a list")
	}
	for _, t := range terms {
		s, ok := t.(string)
		if !ok {
			return cfg, fmt.Errorf("filter term must be a string")
		}
		cfg.Terms = append(cfg.Terms, s)
	}
	if patterns, ok := params["patterns"].([]any); ok {
		for _, p := range patterns {
			if s, ok := p.(string); ok {
				cfg.Patterns = append(cfg.Patterns, s)
			}
		}
	}
	if repl, ok := stringParam(params, "replacement"); ok {
		cfg.Replacement = repl
	}
	return cfg, nil
}
