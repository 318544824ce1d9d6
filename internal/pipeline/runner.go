package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/omnibot-dev/omnibot/internal/backoff"
)

// ConfiguredStage pairs a stage with its failure policy.
type ConfiguredStage struct {
	Stage  Stage
	Policy StagePolicy
}

// Runner executes one stage under its policy: per-stage timeout, bounded
// retry with backoff for transient failures, skip, or abort.
type Runner struct {
	backoff backoff.Policy
	logger  *slog.Logger
}

// NewRunner builds a stage runner sharing one backoff policy.
func NewRunner(policy backoff.Policy, logger *slog.Logger) *Runner {
	return &Runner{backoff: policy, logger: logger.With("component", "stage_runner")}
}

// Run executes the stage and resolves its error per policy. The returned
// error, if any, is terminal for the turn and already classified.
func (r *Runner) Run(ctx context.Context, cs ConfiguredStage, state *State) (Outcome, error) {
	policy := defaultPolicy(cs.Stage.Kind(), cs.Policy)

	outcome, err := r.runWithPolicy(ctx, cs.Stage, policy, state)
	if err == nil {
		return outcome, nil
	}

	// The turn's own deadline or cancellation always wins over the
	// stage policy.
	if ctx.Err() != nil {
		return Continue, ctx.Err()
	}

	if policy.OnError == PolicySkip {
		r.logger.Warn("stage failed, skipping",
			"stage", cs.Stage.Name(),
			"kind", string(cs.Stage.Kind()),
			"error", err)
		return Continue, nil
	}

	return Continue, r.classified(cs.Stage, err)
}

func (r *Runner) runWithPolicy(ctx context.Context, stage Stage, policy StagePolicy, state *State) (Outcome, error) {
	run := func(ctx context.Context) (Outcome, error) {
		attemptCtx := ctx
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}
		outcome, err := stage.Run(attemptCtx, state)
		if err != nil && ctx.Err() == nil && Classify(err) == ClassTurnTimeout {
			// Only this attempt's stage-local deadline elapsed; the turn
			// is still live. Classify per kind so RETRY gets another
			// attempt and TURN_TIMEOUT stays reserved for the turn
			// deadline.
			err = NewTurnError(timeoutClass(stage.Kind()), stage.Name(), err)
		}
		return outcome, err
	}

	if policy.OnError != PolicyRetry || policy.MaxAttempts <= 1 {
		return run(ctx)
	}

	var outcome Outcome
	err := backoff.Retry(ctx, r.backoff, policy.MaxAttempts, retryable, func(attempt int) error {
		if attempt > 1 {
			r.logger.Info("retrying stage",
				"stage", stage.Name(),
				"attempt", attempt)
		}
		var runErr error
		outcome, runErr = run(ctx)
		return runErr
	})
	if err != nil {
		// errors.Join keeps the classified stage error reachable for
		// errors.As even when attempts are exhausted.
		return Continue, err
	}
	return outcome, nil
}

// timeoutClass maps a stage-local deadline to the stage's transient
// failure class.
func timeoutClass(kind Kind) Class {
	switch kind {
	case KindLLMInfer:
		return ClassInference
	case KindToolInvoke:
		return ClassToolTransient
	default:
		return ClassInternalStage
	}
}

// classified wraps an unclassified stage error as INTERNAL_STAGE_ERROR
// and stamps the stage name on classified ones that lack it.
func (r *Runner) classified(stage Stage, err error) error {
	var turnErr *TurnError
	if errors.As(err, &turnErr) {
		if turnErr.Stage == "" {
			turnErr.Stage = stage.Name()
		}
		return err
	}
	if class := Classify(err); class != ClassInternalStage {
		return NewTurnError(class, stage.Name(), err)
	}
	r.logger.Error("unclassified stage error",
		"stage", stage.Name(),
		"kind", string(stage.Kind()),
		"error", err)
	return NewTurnError(ClassInternalStage, stage.Name(), err)
}

// turnDeadline applies the pipeline's overall turn timeout.
func turnDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
