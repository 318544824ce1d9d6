package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/omnibot-dev/omnibot/internal/tools"
)

// ToolInvokeStage calls one registered tool directly, outside of any model
// tool loop. Argument values support ${var} expansion against the turn's
// variable bag plus the built-ins ${message}, ${sender}, and ${chat}.
// The result is stored in the variable bag under ResultVar.
type ToolInvokeStage struct {
	name     string
	registry *tools.Registry

	Tool      string
	Args      map[string]any
	ResultVar string
}

// NewToolInvokeStage builds a direct tool invocation stage.
func NewToolInvokeStage(name string, registry *tools.Registry, tool string, args map[string]any, resultVar string) *ToolInvokeStage {
	if resultVar == "" {
		resultVar = "tool_result"
	}
	return &ToolInvokeStage{
		name:      name,
		registry:  registry,
		Tool:      tool,
		Args:      args,
		ResultVar: resultVar,
	}
}

func (s *ToolInvokeStage) Kind() Kind   { return KindToolInvoke }
func (s *ToolInvokeStage) Name() string { return s.name }

func (s *ToolInvokeStage) Run(ctx context.Context, state *State) (Outcome, error) {
	result, err := s.registry.Invoke(ctx, s.Tool, s.expandArgs(state))
	if err != nil {
		// Registry errors arrive pre-classified as transient or
		// permanent; the runner's retry policy acts on that.
		return Continue, err
	}

	state.Vars[s.ResultVar] = result.Content
	return Continue, nil
}

func (s *ToolInvokeStage) expandArgs(state *State) map[string]any {
	if len(s.Args) == 0 {
		return nil
	}
	expanded := make(map[string]any, len(s.Args))
	for k, v := range s.Args {
		if str, ok := v.(string); ok {
			expanded[k] = expandVars(str, state)
		} else {
			expanded[k] = v
		}
	}
	return expanded
}

func expandVars(s string, state *State) string {
	// os.Expand gives ${...} syntax without env vars leaking in.
	return os.Expand(s, func(name string) string {
		switch name {
		case "message":
			return state.Inbound.Content
		case "sender":
			return state.Event.SenderID
		case "chat":
			return state.Event.ChatScope
		}
		if v, ok := state.Vars[name]; ok {
			return toString(v)
		}
		if v, ok := state.Session.Vars[name]; ok {
			return toString(v)
		}
		return ""
	})
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
