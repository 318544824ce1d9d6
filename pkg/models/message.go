package models

import (
	"encoding/json"
	"time"
)

// Platform identifies a messaging platform an adapter speaks for.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformSlack    Platform = "slack"
	PlatformWebhook  Platform = "webhook"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one immutable entry in a session's turn history.
type Message struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"session_id"`
	Role              Role           `json:"role"`
	Content           string         `json:"content"`
	Attachments       []Attachment   `json:"attachments,omitempty"`
	ToolCalls         []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults       []ToolResult   `json:"tool_results,omitempty"`
	PlatformMessageID string         `json:"platform_message_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
