package domain

import "time"

// Event is one inbound chat message, as delivered by the transport.
// It is never mutated after construction.
type Event struct {
	MessageID       string
	SenderID        string
	SenderIsAdmin   bool
	IsDirectMessage bool
	Stream          string // chat id for group messages, empty for DMs
	Topic           string // root message id of a reply thread, empty for top-level messages
	Content         string
	ReceivedAt      time.Time
}

// ConversationKey returns the key events of the same conversation share.
// DMs are keyed by sender, group messages by stream and topic.
func (e *Event) ConversationKey() string {
	if e.IsDirectMessage {
		return "dm:" + e.SenderID
	}
	return "stream:" + e.Stream + "/" + e.Topic
}
