package domain

import "time"

// ActionPayload identifies what a deferred action operates on.
// It never carries message content.
type ActionPayload struct {
	MessageID string
	Target    string // stream the message lives in, for logs
}

// DeferredAction is a one-shot action due at FireAt
type DeferredAction struct {
	ID      string
	FireAt  time.Time
	Payload ActionPayload
}

// Due reports whether the action should fire at now
func (a *DeferredAction) Due(now time.Time) bool {
	return !a.FireAt.After(now)
}
