package llm

import (
	"context"
	"sync"

	"github.com/omnibot-dev/omnibot/pkg/models"
)

// StubResponse is one scripted reply for the stub provider.
type StubResponse struct {
	Text      string
	ToolCalls []models.ToolCall
	Err       error
}

// StubProvider replays scripted responses in order. It exists for tests and
// for running the engine without any backend credentials; once the script is
// exhausted it keeps returning the last response.
type StubProvider struct {
	mu       sync.Mutex
	script   []StubResponse
	calls    int
	requests []*InferenceRequest
}

// NewStubProvider creates a stub that echoes the last user message.
func NewStubProvider() *StubProvider {
	return &StubProvider{}
}

// NewScriptedProvider creates a stub that replays the given responses.
func NewScriptedProvider(script ...StubResponse) *StubProvider {
	return &StubProvider{script: script}
}

// Name implements Provider.
func (p *StubProvider) Name() string { return "stub" }

// Complete implements Provider.
func (p *StubProvider) Complete(ctx context.Context, req *InferenceRequest) (*InferenceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	idx := p.calls
	p.calls++

	if len(p.script) == 0 {
		return &InferenceResponse{Text: lastUserContent(req.Messages), Model: "stub"}, nil
	}
	if idx >= len(p.script) {
		idx = len(p.script) - 1
	}

	resp := p.script[idx]
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &InferenceResponse{
		Text:      resp.Text,
		ToolCalls: resp.ToolCalls,
		Model:     "stub",
	}, nil
}

// Calls returns how many completions have been requested.
func (p *StubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Requests returns the requests seen so far, in order.
func (p *StubProvider) Requests() []*InferenceRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*InferenceRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func lastUserContent(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
