// Package pipeline implements turn execution: an ordered sequence of
// configured stages run against one session and one inbound message.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/omnibot-dev/omnibot/pkg/models"
)

// Kind is the closed set of stage kinds. Custom stages register under
// KindCustomPluginHook and run through the same Stage interface.
type Kind string

const (
	KindAccessControl    Kind = "ACCESS_CONTROL"
	KindRateLimit        Kind = "RATE_LIMIT"
	KindContentFilter    Kind = "CONTENT_FILTER"
	KindToolInvoke       Kind = "TOOL_INVOKE"
	KindLLMInfer         Kind = "LLM_INFER"
	KindResponseFormat   Kind = "RESPONSE_FORMAT"
	KindCustomPluginHook Kind = "CUSTOM_PLUGIN_HOOK"
)

// Outcome tells the runner how to proceed after a stage returns.
type Outcome int

const (
	// Continue passes the turn state to the next stage.
	Continue Outcome = iota
	// ShortCircuit ends the turn early with the actions produced so far.
	ShortCircuit
)

// Stage is one unit of work in a pipeline. Run may mutate the state's
// variable bag and response, append outbound actions, short-circuit the
// turn, or fail with a classified error.
type Stage interface {
	Kind() Kind
	Name() string
	Run(ctx context.Context, state *State) (Outcome, error)
}

// State is the mutable turn state threaded through the stages. It wraps
// the working copy of the session held under the store's per-key lock;
// session mutations are committed only when the turn completes.
type State struct {
	Session *models.Session
	Bot     *models.BotInstance
	Event   *models.InboundEvent

	// Inbound is this turn's user message. Stages may rewrite Content
	// (preprocessing, redaction) before inference sees it.
	Inbound *models.Message

	// Vars is turn-local scratch space. Unlike Session.Vars it is not
	// persisted between turns.
	Vars map[string]any

	// ResponseText accumulates the reply as stages produce and reshape it.
	ResponseText string

	// Transcript collects the messages this turn produced beyond the
	// inbound one (assistant replies, tool call rounds). They are
	// committed to the session history only when the turn completes.
	Transcript []*models.Message

	// Actions are the outbound actions the turn has produced.
	Actions []models.OutboundAction

	// ShortCircuitClass records why a stage ended the turn early.
	ShortCircuitClass Class

	Logger *slog.Logger
}

// NewState builds the turn state for one inbound event.
func NewState(bot *models.BotInstance, session *models.Session, event *models.InboundEvent, logger *slog.Logger) *State {
	return &State{
		Session: session,
		Bot:     bot,
		Event:   event,
		Inbound: &models.Message{
			ID:                event.PlatformMessageID,
			SessionID:         session.ID,
			Role:              models.RoleUser,
			Content:           event.Payload,
			Attachments:       event.Attachments,
			PlatformMessageID: event.PlatformMessageID,
			CreatedAt:         event.ReceivedAt,
		},
		Vars:   make(map[string]any),
		Logger: logger,
	}
}

// Reply appends a plain outbound action addressed to the turn's chat scope.
func (s *State) Reply(content string) {
	s.Actions = append(s.Actions, models.OutboundAction{
		ChatScope:        s.Event.ChatScope,
		Content:          content,
		ReplyToMessageID: s.Event.PlatformMessageID,
	})
}

// EndTurn records a short-circuit class and the terminal action content.
func (s *State) EndTurn(class Class, content string) Outcome {
	s.ShortCircuitClass = class
	if content != "" {
		s.Reply(content)
	}
	return ShortCircuit
}

// FailurePolicy selects how the runner reacts to a stage error.
type FailurePolicy string

const (
	// PolicyRetry retries transient failures with backoff, then aborts.
	PolicyRetry FailurePolicy = "retry"
	// PolicySkip continues the turn as if the stage produced nothing.
	PolicySkip FailurePolicy = "skip"
	// PolicyAbort fails the whole turn.
	PolicyAbort FailurePolicy = "abort"
)

// StagePolicy is the per-stage failure and timing policy.
type StagePolicy struct {
	// OnError defaults per kind: RETRY for LLM_INFER and TOOL_INVOKE,
	// ABORT otherwise.
	OnError FailurePolicy `yaml:"on_error"`
	// MaxAttempts bounds retries. 0 means the pipeline default.
	MaxAttempts int `yaml:"max_attempts"`
	// Timeout bounds each attempt separately; under RETRY a stage may
	// run for up to MaxAttempts*Timeout plus backoff.
	// 0 means no stage-local bound beyond the turn timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// defaultPolicy fills unset policy fields from the kind's defaults.
func defaultPolicy(kind Kind, p StagePolicy) StagePolicy {
	if p.OnError == "" {
		switch kind {
		case KindLLMInfer, KindToolInvoke:
			p.OnError = PolicyRetry
		default:
			p.OnError = PolicyAbort
		}
	}
	if p.MaxAttempts <= 0 {
		if p.OnError == PolicyRetry {
			p.MaxAttempts = 3
		} else {
			p.MaxAttempts = 1
		}
	}
	return p
}
