package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omnibot-dev/omnibot/internal/llm"
	"github.com/omnibot-dev/omnibot/internal/tools"
	"github.com/omnibot-dev/omnibot/pkg/models"
)

// LLMInferStage runs model inference over the session history plus the
// inbound message. When the model requests tool calls it invokes them
// through the registry and feeds the results back, up to MaxToolRounds,
// then sets the final text as the turn's response.
type LLMInferStage struct {
	name     string
	provider llm.Provider
	registry *tools.Registry

	Model         string
	SystemPrompt  string
	MaxTokens     int
	Temperature   float32
	MaxToolRounds int
}

// NewLLMInferStage builds an inference stage. The registry may be nil, in
// which case no tools are offered to the model.
func NewLLMInferStage(name string, provider llm.Provider, registry *tools.Registry) *LLMInferStage {
	return &LLMInferStage{
		name:          name,
		provider:      provider,
		registry:      registry,
		MaxToolRounds: 5,
	}
}

func (s *LLMInferStage) Kind() Kind   { return KindLLMInfer }
func (s *LLMInferStage) Name() string { return s.name }

func (s *LLMInferStage) Run(ctx context.Context, state *State) (Outcome, error) {
	if s.provider == nil {
		return Continue, NewTurnError(ClassInternalStage, s.name, llm.ErrNoProvider)
	}

	messages := historyMessages(state)
	toolSchemas := s.toolSchemas()

	for round := 0; ; round++ {
		resp, err := s.provider.Complete(ctx, &llm.InferenceRequest{
			Model:       s.Model,
			System:      s.SystemPrompt,
			Messages:    messages,
			Tools:       toolSchemas,
			MaxTokens:   s.MaxTokens,
			Temperature: s.Temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Continue, ctx.Err()
			}
			return Continue, NewTurnError(ClassInference, s.name, err)
		}

		if len(resp.ToolCalls) == 0 {
			state.ResponseText = resp.Text
			return Continue, nil
		}

		if s.registry == nil {
			return Continue, NewTurnError(ClassInference, s.name,
				fmt.Errorf("model requested tools but no registry is configured"))
		}
		if round >= s.MaxToolRounds {
			return Continue, NewTurnError(ClassInference, s.name,
				fmt.Errorf("tool loop exceeded %d rounds", s.MaxToolRounds))
		}

		assistant := llm.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		}
		results, err := s.invokeTools(ctx, state, resp.ToolCalls)
		if err != nil {
			return Continue, err
		}

		messages = append(messages, assistant, llm.ChatMessage{
			Role:        models.RoleTool,
			ToolResults: results,
		})
		recordToolRound(state, assistant, results)
	}
}

// invokeTools runs the model's requested calls sequentially. A transient
// registry error aborts the round so the runner's retry policy can act;
// permanent failures are reported back to the model as error results so
// it can recover in the next round.
func (s *LLMInferStage) invokeTools(ctx context.Context, state *State, calls []models.ToolCall) ([]models.ToolResult, error) {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		var args map[string]any
		if len(call.Input) > 0 {
			if err := json.Unmarshal(call.Input, &args); err != nil {
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("invalid arguments: %v", err),
					IsError:    true,
				})
				continue
			}
		}

		result, err := s.registry.Invoke(ctx, call.Name, args)
		if err != nil {
			if tools.IsTransient(err) || ctx.Err() != nil {
				return nil, err
			}
			state.Logger.Warn("tool call failed", "tool", call.Name, "error", err)
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    err.Error(),
				IsError:    true,
			})
			continue
		}
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    result.Content,
		})
	}
	return results, nil
}

func (s *LLMInferStage) toolSchemas() []llm.ToolSchema {
	if s.registry == nil {
		return nil
	}
	descriptors := s.registry.Descriptors()
	if len(descriptors) == 0 {
		return nil
	}
	schemas := make([]llm.ToolSchema, len(descriptors))
	for i, d := range descriptors {
		schemas[i] = llm.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		}
	}
	return schemas
}

// historyMessages flattens the session history plus the inbound message
// into the provider's conversation format.
func historyMessages(state *State) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(state.Session.History)+1)
	for _, msg := range state.Session.History {
		messages = append(messages, llm.ChatMessage{
			Role:        msg.Role,
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
		})
	}
	return append(messages, llm.ChatMessage{
		Role:    models.RoleUser,
		Content: state.Inbound.Content,
	})
}

// recordToolRound captures an assistant tool-call message and its results
// in the turn transcript so completed turns keep the full exchange.
func recordToolRound(state *State, assistant llm.ChatMessage, results []models.ToolResult) {
	now := time.Now().UTC()
	state.Transcript = append(state.Transcript,
		&models.Message{
			ID:        uuid.NewString(),
			SessionID: state.Session.ID,
			Role:      models.RoleAssistant,
			Content:   assistant.Content,
			ToolCalls: assistant.ToolCalls,
			CreatedAt: now,
		},
		&models.Message{
			ID:          uuid.NewString(),
			SessionID:   state.Session.ID,
			Role:        models.RoleTool,
			ToolResults: results,
			CreatedAt:   now,
		},
	)
}
