// Package chat defines the conversation message types shared by the
// scatter, fuse, and council engines. Messages are plain data: rendering
// is owned entirely by the surrounding application.
package chat

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Errors for history validation.
var (
	ErrEmptyHistory   = errors.New("history is empty")
	ErrNoTrailingUser = errors.New("history must end in a user turn")
)

// Message is one conversation turn. ModelID is set on assistant messages
// produced by a generation call, empty otherwise.
type Message struct {
	ID      string    `json:"id"`
	Role    Role      `json:"role"`
	ModelID string    `json:"model_id,omitempty"`
	Text    string    `json:"text"`
	Typing  bool      `json:"typing,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// NewMessage creates an empty message with a fresh id.
func NewMessage(role Role, modelID string) Message {
	now := time.Now().UTC()
	return Message{
		ID:      uuid.New().String(),
		Role:    role,
		ModelID: modelID,
		Created: now,
		Updated: now,
	}
}

// SetText replaces the message text with the cumulative text-so-far from a
// streaming delta. The Updated timestamp is refreshed only when the delta
// carries actual text, so a pure typing tick does not touch freshness.
func (m *Message) SetText(text string, typing bool) {
	m.Typing = typing
	if text == "" {
		return
	}
	m.Text = text
	m.Updated = time.Now().UTC()
}

// Clear drops the message content while keeping identity.
func (m *Message) Clear() {
	m.Text = ""
	m.Typing = false
}

// ValidateHistory checks that a history snapshot is usable as generation
// input: non-empty and ending in a user turn.
func ValidateHistory(history []Message) error {
	if len(history) == 0 {
		return ErrEmptyHistory
	}
	if history[len(history)-1].Role != RoleUser {
		return ErrNoTrailingUser
	}
	return nil
}

// LastUserText returns the text of the last user turn in the history.
func LastUserText(history []Message) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Text, true
		}
	}
	return "", false
}

// CloneHistory returns a copy of the history slice. Messages are value
// types, so a shallow copy is a full snapshot.
func CloneHistory(history []Message) []Message {
	out := make([]Message, len(history))
	copy(out, history)
	return out
}
