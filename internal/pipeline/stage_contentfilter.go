package pipeline

import (
	"context"

	"github.com/omnibot-dev/omnibot/internal/contentfilter"
)

// FilterAction selects what a content filter stage does on a match.
type FilterAction string

const (
	// FilterBlock short-circuits the turn with CONTENT_BLOCKED.
	FilterBlock FilterAction = "block"
	// FilterRedact replaces matched terms and continues.
	FilterRedact FilterAction = "redact"
	// FilterWarn logs the matches and continues unchanged.
	FilterWarn FilterAction = "warn"
)

// FilterDirection selects which text a content filter stage scans.
type FilterDirection string

const (
	// FilterInbound scans the user message before inference.
	FilterInbound FilterDirection = "inbound"
	// FilterOutbound scans the accumulated response after inference.
	FilterOutbound FilterDirection = "outbound"
)

// ContentFilterStage scans turn text against the configured term set.
type ContentFilterStage struct {
	name      string
	filter    *contentfilter.Filter
	action    FilterAction
	direction FilterDirection

	// BlockedMessage is the terminal action content when blocking.
	BlockedMessage string
}

// NewContentFilterStage builds a filter stage. Direction defaults to
// inbound and action to block.
func NewContentFilterStage(name string, filter *contentfilter.Filter, action FilterAction, direction FilterDirection) *ContentFilterStage {
	if action == "" {
		action = FilterBlock
	}
	if direction == "" {
		direction = FilterInbound
	}
	return &ContentFilterStage{
		name:           name,
		filter:         filter,
		action:         action,
		direction:      direction,
		BlockedMessage: "Your message was blocked by the content policy.",
	}
}

func (s *ContentFilterStage) Kind() Kind   { return KindContentFilter }
func (s *ContentFilterStage) Name() string { return s.name }

func (s *ContentFilterStage) Run(ctx context.Context, state *State) (Outcome, error) {
	text := s.text(state)
	result := s.filter.Scan(text)
	if result.Clean {
		return Continue, nil
	}

	state.Logger.Info("content filter matched",
		"stage", s.name,
		"direction", string(s.direction),
		"matches", result.Matches)

	switch s.action {
	case FilterBlock:
		if s.direction == FilterOutbound {
			// The model's reply is discarded, the user only sees the
			// policy notice.
			state.ResponseText = ""
		}
		return state.EndTurn(ClassContentBlocked, s.BlockedMessage), nil
	case FilterRedact:
		s.setText(state, s.filter.Redact(text))
		return Continue, nil
	case FilterWarn:
		return Continue, nil
	default:
		return Continue, scopeError(s.name, "unknown filter action %q", s.action)
	}
}

func (s *ContentFilterStage) text(state *State) string {
	if s.direction == FilterOutbound {
		return state.ResponseText
	}
	return state.Inbound.Content
}

func (s *ContentFilterStage) setText(state *State, text string) {
	if s.direction == FilterOutbound {
		state.ResponseText = text
	} else {
		state.Inbound.Content = text
	}
}
