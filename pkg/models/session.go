package models

import "time"

// Session is the per-conversation state keyed by
// (platform, chat scope, bot instance). History is append-only within a
// turn; the store trims oldest entries FIFO once retention is exceeded.
type Session struct {
	ID            string         `json:"id"`
	Key           string         `json:"key"`
	BotInstanceID string         `json:"bot_instance_id"`
	Platform      Platform       `json:"platform"`
	ChatScope     string         `json:"chat_scope"`
	History       []*Message     `json:"history,omitempty"`
	Vars          map[string]any `json:"vars,omitempty"`
	TurnCounter   int64          `json:"turn_counter"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastTurnAt    time.Time      `json:"last_turn_at"`
}

// Append adds messages to the session history.
func (s *Session) Append(msgs ...*Message) {
	s.History = append(s.History, msgs...)
}

// BotInstance binds one platform account to one pipeline definition.
// It is owned by configuration; the engine references it by ID only.
type BotInstance struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Platform   Platform `json:"platform"`
	AccountID  string   `json:"account_id"`
	PipelineID string   `json:"pipeline_id"`
	Active     bool     `json:"active"`
}
