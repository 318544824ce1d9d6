package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"
)

// ResponseFormatStage turns the accumulated response text into outbound
// actions: optional prefix/suffix wrapping, then splitting replies that
// exceed the platform's length ceiling into ordered chunks.
type ResponseFormatStage struct {
	name string

	Prefix string
	Suffix string
	// MaxChunkRunes splits longer replies. 0 disables splitting.
	MaxChunkRunes int
	// EmptyMessage replaces an empty response so the user never gets
	// silence from a completed turn.
	EmptyMessage string
}

// NewResponseFormatStage builds a response shaping stage.
func NewResponseFormatStage(name string) *ResponseFormatStage {
	return &ResponseFormatStage{
		name:         name,
		EmptyMessage: "(no response)",
	}
}

func (s *ResponseFormatStage) Kind() Kind   { return KindResponseFormat }
func (s *ResponseFormatStage) Name() string { return s.name }

func (s *ResponseFormatStage) Run(ctx context.Context, state *State) (Outcome, error) {
	text := state.ResponseText
	if text == "" {
		text = s.EmptyMessage
	}
	text = s.Prefix + text + s.Suffix
	state.ResponseText = text

	for _, chunk := range splitRunes(text, s.MaxChunkRunes) {
		state.Reply(chunk)
	}
	return Continue, nil
}

// splitRunes chops text into rune-bounded chunks, preferring to break on
// a newline or space near the limit so words survive intact.
func splitRunes(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for utf8.RuneCountInString(remaining) > limit {
		runes := []rune(remaining)
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' || runes[i-1] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		remaining = string(runes[cut:])
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
