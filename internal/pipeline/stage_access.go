package pipeline

import (
	"context"
	"fmt"

	"github.com/omnibot-dev/omnibot/internal/access"
)

// AccessStage denies or admits the turn based on the configured rule set.
// It checks both the chat scope and the sender; one deny is enough.
type AccessStage struct {
	name      string
	evaluator *access.Evaluator

	// DeniedMessage is sent back on deny. Empty means deny silently at
	// the platform level while still reporting the class upstream.
	DeniedMessage string

	// RequireMention drops group-chat turns that do not address the bot
	// directly. Direct chats are unaffected.
	RequireMention bool
}

// NewAccessStage builds an access control stage from a rule set.
func NewAccessStage(name string, evaluator *access.Evaluator) *AccessStage {
	return &AccessStage{name: name, evaluator: evaluator}
}

func (s *AccessStage) Kind() Kind   { return KindAccessControl }
func (s *AccessStage) Name() string { return s.name }

func (s *AccessStage) Run(ctx context.Context, state *State) (Outcome, error) {
	if s.RequireMention && state.Event.GroupChat && !state.Event.Mentioned {
		state.Logger.Debug("group message without mention ignored",
			"chat_scope", state.Event.ChatScope)
		return state.EndTurn(ClassAccessDenied, ""), nil
	}
	scopes := []string{
		"chat:" + state.Event.ChatScope,
		"user:" + state.Event.SenderID,
	}
	if s.evaluator.EvaluateAll(scopes...) == access.Deny {
		state.Logger.Info("access denied",
			"chat_scope", state.Event.ChatScope,
			"sender_id", state.Event.SenderID)
		return state.EndTurn(ClassAccessDenied, s.DeniedMessage), nil
	}
	return Continue, nil
}

// compile-time checks that every built-in stage satisfies Stage
var (
	_ Stage = (*AccessStage)(nil)
	_ Stage = (*RateLimitStage)(nil)
	_ Stage = (*ContentFilterStage)(nil)
	_ Stage = (*ToolInvokeStage)(nil)
	_ Stage = (*LLMInferStage)(nil)
	_ Stage = (*ResponseFormatStage)(nil)
	_ Stage = (*PluginHookStage)(nil)
)

// scopeError reports a stage misconfiguration discovered at run time.
func scopeError(stage string, format string, args ...any) error {
	return NewTurnError(ClassInternalStage, stage, fmt.Errorf(format, args...))
}
