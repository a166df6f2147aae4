// Package history stores the per-session conversation log for the assistant.
// Sessions exist implicitly: the first append creates one, and nothing in this
// package ever deletes or rewrites messages.
package history

import (
	"context"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Channel records how the message entered the conversation.
type Channel string

const (
	ChannelText  Channel = "text"
	ChannelVoice Channel = "voice"
)

// Message is one conversation turn. Immutable once appended. Token counts are
// nil until known (user messages never carry them; assistant messages get them
// at finalize time).
type Message struct {
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Channel      Channel   `json:"channel"`
	InputTokens  *int      `json:"inputTokens,omitempty"`
	OutputTokens *int      `json:"outputTokens,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store is the persistence surface for conversation history. Appends to
// different sessions are independent; within a session the caller submits one
// turn at a time.
type Store interface {
	// Append adds one message to the end of the session's log.
	Append(ctx context.Context, sessionID string, msg Message) error

	// Recent returns at most limit messages in chronological order,
	// oldest-of-window first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
}
