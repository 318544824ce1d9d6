package pipeline

import (
	"context"

	"github.com/omnibot-dev/omnibot/internal/ratelimit"
)

// RateLimitScope selects which identity a rate limit stage buckets by.
type RateLimitScope string

const (
	ScopePerUser RateLimitScope = "per_user"
	ScopePerChat RateLimitScope = "per_chat"
	ScopePerBot  RateLimitScope = "per_bot"
)

// RateLimitStage debits one token from the scope's bucket and
// short-circuits the turn when the bucket is empty. A rejected turn has
// no side effects on the bucket.
type RateLimitStage struct {
	name    string
	limiter *ratelimit.Limiter
	scope   RateLimitScope
	cost    float64

	// LimitedMessage is the terminal action content on rejection.
	LimitedMessage string
}

// NewRateLimitStage builds a rate limit stage over a shared limiter.
func NewRateLimitStage(name string, limiter *ratelimit.Limiter, scope RateLimitScope) *RateLimitStage {
	if scope == "" {
		scope = ScopePerChat
	}
	return &RateLimitStage{
		name:           name,
		limiter:        limiter,
		scope:          scope,
		cost:           1,
		LimitedMessage: "You are sending messages too quickly. Please slow down.",
	}
}

func (s *RateLimitStage) Kind() Kind   { return KindRateLimit }
func (s *RateLimitStage) Name() string { return s.name }

func (s *RateLimitStage) Run(ctx context.Context, state *State) (Outcome, error) {
	scope, err := s.scopeKey(state)
	if err != nil {
		return Continue, err
	}
	if !s.limiter.TryAcquire(scope, s.cost) {
		state.Logger.Info("rate limited", "scope", scope)
		return state.EndTurn(ClassRateLimited, s.LimitedMessage), nil
	}
	return Continue, nil
}

func (s *RateLimitStage) scopeKey(state *State) (string, error) {
	switch s.scope {
	case ScopePerUser:
		return ratelimit.ScopeKey("user", state.Bot.ID, state.Event.SenderID), nil
	case ScopePerChat:
		return ratelimit.ScopeKey("chat", state.Bot.ID, state.Event.ChatScope), nil
	case ScopePerBot:
		return ratelimit.ScopeKey("bot", state.Bot.ID), nil
	default:
		return "", scopeError(s.name, "unknown rate limit scope %q", s.scope)
	}
}
