package domain

import "time"

// ConfigRevision is a journal entry recorded after a successful config update
type ConfigRevision struct {
	Revision  int64
	CreatedAt time.Time
	Actor     string
	Summary   string
	Document  string // YAML of the config after the update
}

// SubscriptionResult partitions streams by whether a subscription was new
type SubscriptionResult struct {
	Subscribed        []string
	AlreadySubscribed []string
}
