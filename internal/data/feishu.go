package data

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/infra/feishu"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// eventBuffer is the capacity of the inbound event channel
const eventBuffer = 256

// topicPrefix marks a topic that names a root message (a reply thread)
const topicPrefix = "om_"

// emojiTypes maps reaction names to Feishu emoji types
var emojiTypes = map[string]string{
	"saluting_face": "SALUTE",
	"thumbs_up":     "THUMBSUP",
	"ok":            "OK",
}

// feishuAPI is the part of the Feishu client the transport uses
type feishuAPI interface {
	OnMessage(handler feishu.MessageHandler)
	Start(ctx context.Context) error
	SendText(ctx context.Context, receiveIDType, receiveID, text string) (string, error)
	ReplyText(ctx context.Context, parentID, text string) (string, error)
	DeleteMessage(ctx context.Context, messageID string) error
	AddReaction(ctx context.Context, messageID, emojiType string) error
	GetChatMembers(ctx context.Context, chatID string) ([]*feishu.ChatMember, error)
	AddChatMembers(ctx context.Context, chatID string, openIDs []string) error
	IsInChat(ctx context.Context, chatID string) (bool, error)
	JoinChat(ctx context.Context, chatID string) error
}

// feishuRepo implements repo.Transport on the Feishu IM API
type feishuRepo struct {
	client feishuAPI
	admins map[string]bool

	mu     sync.RWMutex
	events chan domain.Event
	closed bool

	logger zerolog.Logger
}

// NewFeishuRepo creates the Feishu transport. adminIDs are the open_ids
// allowed to run admin commands.
func NewFeishuRepo(client *feishu.Client, adminIDs []string) repo.Transport {
	return newFeishuRepo(client, adminIDs)
}

func newFeishuRepo(client feishuAPI, adminIDs []string) *feishuRepo {
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		if id = strings.TrimSpace(id); id != "" {
			admins[id] = true
		}
	}
	return &feishuRepo{
		client: client,
		admins: admins,
		logger: logging.Component("feishu_repo"),
	}
}

// SendDirect sends a direct message to a user
func (r *feishuRepo) SendDirect(ctx context.Context, userID, content string) (string, error) {
	id, err := r.client.SendText(ctx, feishu.ReceiveIDOpenID, userID, content)
	if err != nil {
		return "", &domain.TransportError{Op: "send direct", Err: err}
	}
	return id, nil
}

// SendStream posts to a group chat. A topic naming a message posts into
// that message's thread; any other topic posts top-level.
func (r *feishuRepo) SendStream(ctx context.Context, stream, topic, content string) (string, error) {
	var (
		id  string
		err error
	)
	if strings.HasPrefix(topic, topicPrefix) {
		id, err = r.client.ReplyText(ctx, topic, content)
	} else {
		id, err = r.client.SendText(ctx, feishu.ReceiveIDChatID, stream, content)
	}
	if err != nil {
		return "", &domain.TransportError{Op: "send stream", Err: err}
	}
	return id, nil
}

// DeleteMessage recalls a message
func (r *feishuRepo) DeleteMessage(ctx context.Context, msgID string) error {
	if err := r.client.DeleteMessage(ctx, msgID); err != nil {
		return &domain.TransportError{Op: "delete message", Err: err}
	}
	return nil
}

// AddReaction adds an emoji reaction
func (r *feishuRepo) AddReaction(ctx context.Context, msgID, emoji string) error {
	if err := r.client.AddReaction(ctx, msgID, emojiType(emoji)); err != nil {
		return &domain.TransportError{Op: "add reaction", Err: err}
	}
	return nil
}

// SubscribeUser invites a user into a group chat unless already a member
func (r *feishuRepo) SubscribeUser(ctx context.Context, userID, stream string) (bool, error) {
	members, err := r.client.GetChatMembers(ctx, stream)
	if err != nil {
		return false, &domain.TransportError{Op: "subscribe user", Err: err}
	}
	for _, m := range members {
		if m.MemberID == userID {
			return true, nil
		}
	}

	if err := r.client.AddChatMembers(ctx, stream, []string{userID}); err != nil {
		return false, &domain.TransportError{Op: "subscribe user", Err: err}
	}
	return false, nil
}

// SubscribeBot joins the bot to each stream it is not yet in
func (r *feishuRepo) SubscribeBot(ctx context.Context, streams []string) (*domain.SubscriptionResult, error) {
	result := &domain.SubscriptionResult{}
	for _, stream := range streams {
		in, err := r.client.IsInChat(ctx, stream)
		if err != nil {
			return nil, &domain.TransportError{Op: "subscribe bot", Err: err}
		}
		if in {
			result.AlreadySubscribed = append(result.AlreadySubscribed, stream)
			continue
		}
		if err := r.client.JoinChat(ctx, stream); err != nil {
			return nil, &domain.TransportError{Op: "subscribe bot", Err: err}
		}
		result.Subscribed = append(result.Subscribed, stream)
	}
	return result, nil
}

// Events starts the WebSocket connection and returns the inbound feed.
// The channel is closed once ctx is done.
func (r *feishuRepo) Events(ctx context.Context) (<-chan domain.Event, error) {
	r.mu.Lock()
	r.events = make(chan domain.Event, eventBuffer)
	r.closed = false
	events := r.events
	r.mu.Unlock()

	r.client.OnMessage(func(msg *feishu.Message) {
		r.publish(ctx, msg)
	})

	// The SDK's Start does not return on cancel, so it runs detached
	go func() {
		if err := r.client.Start(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("WebSocket client stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.closed = true
		close(events)
		r.mu.Unlock()
	}()

	return events, nil
}

// publish forwards a message to the event feed unless it has been closed
func (r *feishuRepo) publish(ctx context.Context, msg *feishu.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.events == nil {
		return
	}

	select {
	case r.events <- r.toEvent(msg):
	case <-ctx.Done():
	}
}

// toEvent converts a Feishu message into a chat event
func (r *feishuRepo) toEvent(msg *feishu.Message) domain.Event {
	e := domain.Event{
		MessageID:  msg.MsgID,
		Content:    msg.Content,
		ReceivedAt: time.Now(),
	}
	if msg.CreateTime > 0 {
		e.ReceivedAt = time.UnixMilli(msg.CreateTime)
	}
	if msg.Sender != nil {
		e.SenderID = msg.Sender.SenderID
		e.SenderIsAdmin = r.admins[e.SenderID]
	}

	if msg.ChatType == feishu.ChatTypeP2P {
		e.IsDirectMessage = true
	} else {
		e.Stream = msg.ChatID
		e.Topic = msg.RootID
	}
	return e
}

func emojiType(name string) string {
	if t, ok := emojiTypes[name]; ok {
		return t
	}
	return strings.ToUpper(name)
}
