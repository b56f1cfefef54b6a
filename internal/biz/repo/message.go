package repo

import (
	"context"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
)

// MessageRepo is the outbound message interface
// Implemented on top of the Feishu IM API
type MessageRepo interface {
	// SendDirect sends a direct message to a user and returns its message ID
	SendDirect(ctx context.Context, userID, content string) (string, error)

	// SendStream posts to a stream (group chat), inside topic when set
	SendStream(ctx context.Context, stream, topic, content string) (string, error)

	// DeleteMessage deletes (recalls) a message
	DeleteMessage(ctx context.Context, msgID string) error

	// AddReaction adds an emoji reaction
	AddReaction(ctx context.Context, msgID, emoji string) error
}

// MembershipRepo manages stream membership
type MembershipRepo interface {
	// SubscribeUser adds a user to a stream
	SubscribeUser(ctx context.Context, userID, stream string) (alreadySubscribed bool, err error)

	// SubscribeBot adds the bot itself to streams
	SubscribeBot(ctx context.Context, streams []string) (*domain.SubscriptionResult, error)
}

// EventSource delivers inbound chat events
type EventSource interface {
	// Events starts the feed; the channel is closed when ctx is done
	Events(ctx context.Context) (<-chan domain.Event, error)
}

// Transport is everything the bot needs from the chat platform
type Transport interface {
	MessageRepo
	MembershipRepo
	EventSource
}
