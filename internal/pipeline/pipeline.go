package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/omnibot-dev/omnibot/internal/sessions"
	"github.com/omnibot-dev/omnibot/pkg/models"
)

// errDiscard tells the store to drop the working session copy because the
// turn did not complete. It never escapes ExecuteTurn.
var errDiscard = errors.New("pipeline: discard session mutations")

// Definition is an immutable, versioned pipeline configuration. A turn
// captures the definition at admission and runs it to the end; a reload
// mid-turn never mutates an in-flight execution.
type Definition struct {
	ID      string
	Name    string
	Version int

	// TurnTimeout bounds one full turn. 0 means no bound.
	TurnTimeout time.Duration

	Stages []ConfiguredStage
}

// TurnOutcome is the terminal state of one turn.
type TurnOutcome string

const (
	TurnCompleted      TurnOutcome = "COMPLETED"
	TurnShortCircuited TurnOutcome = "SHORT_CIRCUITED"
	TurnFailed         TurnOutcome = "FAILED"
)

// TurnResult is what a turn produced. Failed and short-circuited turns
// still carry a terminal action describing the failure class.
type TurnResult struct {
	Outcome TurnOutcome
	Class   Class
	Actions []models.OutboundAction
	Err     error
}

// Pipeline executes turns against one definition.
type Pipeline struct {
	def    *Definition
	store  sessions.Store
	runner *Runner
	logger *slog.Logger

	// FailureMessage is the terminal action content for aborted turns.
	FailureMessage string
}

// New builds a pipeline bound to a session store.
func New(def *Definition, store sessions.Store, runner *Runner, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		def:            def,
		store:          store,
		runner:         runner,
		logger:         logger.With("component", "pipeline", "pipeline_id", def.ID),
		FailureMessage: "Something went wrong processing your message.",
	}
}

// Definition returns the immutable definition this pipeline executes.
func (p *Pipeline) Definition() *Definition { return p.def }

// ExecuteTurn runs one inbound event through the stages under the
// session's exclusive lock. Session mutations (history append, turn
// counter) are committed only for completed turns; short-circuited and
// failed turns leave the session exactly as it was before the turn.
func (p *Pipeline) ExecuteTurn(ctx context.Context, bot *models.BotInstance, event *models.InboundEvent) *TurnResult {
	ctx, cancel := turnDeadline(ctx, p.def.TurnTimeout)
	defer cancel()

	key := sessions.Key{
		BotInstanceID: bot.ID,
		Platform:      bot.Platform,
		ChatScope:     event.ChatScope,
	}

	var result *TurnResult
	err := p.store.WithSession(ctx, key, func(session *models.Session) error {
		result = p.runStages(ctx, bot, session, event)
		if result.Outcome != TurnCompleted {
			return errDiscard
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDiscard) {
		// The store itself failed (lock wait cancelled, backend error)
		// before or after the stages ran.
		if result == nil {
			result = p.failure(event, err)
		}
	}
	if result == nil {
		result = p.failure(event, errors.New("turn produced no result"))
	}
	return result
}

func (p *Pipeline) runStages(ctx context.Context, bot *models.BotInstance, session *models.Session, event *models.InboundEvent) *TurnResult {
	logger := p.logger.With(
		"bot_id", bot.ID,
		"chat_scope", event.ChatScope,
		"turn", session.TurnCounter+1,
	)
	state := NewState(bot, session, event, logger)

	for _, cs := range p.def.Stages {
		if err := ctx.Err(); err != nil {
			return p.failureFromState(state, err)
		}

		outcome, err := p.runner.Run(ctx, cs, state)
		if err != nil {
			return p.failureFromState(state, err)
		}
		if outcome == ShortCircuit {
			logger.Info("turn short-circuited",
				"stage", cs.Stage.Name(),
				"class", string(state.ShortCircuitClass))
			return &TurnResult{
				Outcome: TurnShortCircuited,
				Class:   state.ShortCircuitClass,
				Actions: state.Actions,
			}
		}
	}

	// A pipeline without a RESPONSE_FORMAT stage still delivers the
	// model reply. A completed turn never drops silently.
	if len(state.Actions) == 0 && state.ResponseText != "" {
		state.Reply(state.ResponseText)
	}

	p.commit(state)
	logger.Info("turn completed", "actions", len(state.Actions))
	return &TurnResult{
		Outcome: TurnCompleted,
		Actions: state.Actions,
	}
}

// commit appends this turn's messages to the working session copy and
// advances the turn counter. The store persists the copy when the
// WithSession callback returns nil.
func (p *Pipeline) commit(state *State) {
	now := time.Now().UTC()
	if state.Inbound.ID == "" {
		state.Inbound.ID = uuid.NewString()
	}
	state.Session.Append(state.Inbound)
	for _, msg := range state.Transcript {
		state.Session.Append(msg)
	}
	if state.ResponseText != "" {
		state.Session.Append(&models.Message{
			ID:        uuid.NewString(),
			SessionID: state.Session.ID,
			Role:      models.RoleAssistant,
			Content:   state.ResponseText,
			CreatedAt: now,
		})
	}
	state.Session.TurnCounter++
	state.Session.LastTurnAt = now
}

// failureFromState builds a FAILED result, falling back to a terminal
// action when no stage produced one. An aborted turn is never a silent
// drop.
func (p *Pipeline) failureFromState(state *State, err error) *TurnResult {
	class := Classify(err)
	actions := state.Actions
	if len(actions) == 0 {
		content := p.FailureMessage
		switch class {
		case ClassTurnTimeout:
			content = "The request timed out. Please try again."
		case ClassTurnCancelled:
			content = ""
		}
		if content != "" {
			actions = []models.OutboundAction{{
				ChatScope:        state.Event.ChatScope,
				Content:          content,
				ReplyToMessageID: state.Event.PlatformMessageID,
			}}
		}
	}
	p.logger.Error("turn failed",
		"chat_scope", state.Event.ChatScope,
		"class", string(class),
		"error", err)
	return &TurnResult{
		Outcome: TurnFailed,
		Class:   class,
		Actions: actions,
		Err:     err,
	}
}

func (p *Pipeline) failure(event *models.InboundEvent, err error) *TurnResult {
	class := Classify(err)
	p.logger.Error("turn failed before stages ran",
		"chat_scope", event.ChatScope,
		"class", string(class),
		"error", err)
	return &TurnResult{
		Outcome: TurnFailed,
		Class:   class,
		Err:     err,
	}
}
