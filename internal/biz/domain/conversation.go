package domain

import "time"

// Awaiting is what a pending conversation waits for
type Awaiting int

const (
	AwaitingConfirmation Awaiting = iota + 1
)

func (a Awaiting) String() string {
	switch a {
	case AwaitingConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// ConversationKey identifies a conversation slot: one per user and feature
type ConversationKey struct {
	Feature string
	UserID  string
}

// PendingPayload is the content held while a user decides
type PendingPayload struct {
	MessageID string // the DM that started the conversation
	Content   string
}

// ConversationState is an unfinished multi-step dialog.
// It is replaced wholesale, never mutated.
type ConversationState struct {
	Key       ConversationKey
	CreatedAt time.Time
	Awaiting  Awaiting
	Payload   PendingPayload
}
