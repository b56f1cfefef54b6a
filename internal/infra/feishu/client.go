package feishu

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// Chat types as reported by Feishu
const (
	ChatTypeP2P   = "p2p"
	ChatTypeGroup = "group"
)

const (
	defaultRatePerMinute = 200
	defaultBurst         = 10
	defaultMaxAttempts   = 3
	defaultBackoff       = 500 * time.Millisecond
)

// Message represents a received Feishu message
type Message struct {
	ChatID     string
	MsgID      string
	MsgType    string // text, post
	ChatType   string // p2p (private), group
	RootID     string // root of the reply thread, empty for top-level messages
	Content    string // Text content
	Sender     *Sender
	CreateTime int64 // milliseconds Unix timestamp from Feishu
}

// Sender represents the message sender
type Sender struct {
	SenderID   string // open_id
	SenderType string // user, app
	TenantKey  string
}

// MessageHandler is the callback for received messages
type MessageHandler func(msg *Message)

// Options configures the client
type Options struct {
	AppID         string
	AppSecret     string
	RatePerMinute int // outbound API calls per minute
	Burst         int
	MaxAttempts   int    // per call, including the first
	BaseURL       string // open platform URL, defaults to Feishu
}

// Client is the Feishu API client
type Client struct {
	appID       string
	appSecret   string
	larkCli     *lark.Client
	wsCli       *larkws.Client
	onMessage   MessageHandler
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
	logger      zerolog.Logger
}

// NewClient creates a new Feishu client. API calls work right away;
// Start is only needed to receive events.
func NewClient(opts Options) *Client {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = defaultRatePerMinute
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	var larkOpts []lark.ClientOptionFunc
	if opts.BaseURL != "" {
		larkOpts = append(larkOpts, lark.WithOpenBaseUrl(opts.BaseURL))
	}

	return &Client{
		appID:       opts.AppID,
		appSecret:   opts.AppSecret,
		larkCli:     lark.NewClient(opts.AppID, opts.AppSecret, larkOpts...),
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.Burst),
		maxAttempts: opts.MaxAttempts,
		backoff:     defaultBackoff,
		logger:      logging.Component("feishu"),
	}
}

// OnMessage sets the message handler
func (c *Client) OnMessage(handler MessageHandler) {
	c.onMessage = handler
}

// Start connects to Feishu via WebSocket and listens for messages (blocking)
func (c *Client) Start(ctx context.Context) error {
	eventHandler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(c.onMessageReceive)

	c.wsCli = larkws.NewClient(c.appID, c.appSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	)

	c.logger.Info().Msg("Starting WebSocket connection")
	return c.wsCli.Start(ctx)
}

// onMessageReceive must return quickly so the SDK can ACK, otherwise Feishu
// redelivers. The handler only converts and enqueues, so it runs inline:
// frames already arrive on separate goroutines and another hop would
// reorder a chat further.
func (c *Client) onMessageReceive(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	c.handleMessage(event)
	return nil
}

// handleMessage converts an incoming event and hands it to the handler
func (c *Client) handleMessage(event *larkim.P2MessageReceiveV1) {
	if event == nil || event.Event == nil {
		return
	}
	rawMsg := event.Event.Message
	if rawMsg == nil || rawMsg.MessageId == nil || rawMsg.ChatId == nil {
		return
	}

	// Filter out messages sent by the bot itself to prevent loops
	if event.Event.Sender != nil && event.Event.Sender.SenderType != nil {
		if *event.Event.Sender.SenderType == "app" {
			return
		}
	}

	msg := &Message{
		ChatID:  *rawMsg.ChatId,
		MsgID:   *rawMsg.MessageId,
		MsgType: deref(rawMsg.MessageType),
	}
	msg.ChatType = deref(rawMsg.ChatType)
	msg.RootID = deref(rawMsg.RootId)

	if rawMsg.CreateTime != nil {
		if ts, err := strconv.ParseInt(*rawMsg.CreateTime, 10, 64); err == nil {
			msg.CreateTime = ts
		}
	}

	if event.Event.Sender != nil {
		msg.Sender = &Sender{
			SenderType: deref(event.Event.Sender.SenderType),
			TenantKey:  deref(event.Event.Sender.TenantKey),
		}
		if event.Event.Sender.SenderId != nil {
			msg.Sender.SenderID = deref(event.Event.Sender.SenderId.OpenId)
		}
	}

	// mention key (@_user_1) -> display name
	mentionMap := make(map[string]string)
	for _, mention := range rawMsg.Mentions {
		if mention != nil && mention.Key != nil && mention.Name != nil {
			mentionMap[*mention.Key] = *mention.Name
		}
	}

	content := deref(rawMsg.Content)
	switch msg.MsgType {
	case "text":
		msg.Content = parseTextContent(content, mentionMap)
	case "post":
		msg.Content = parsePostContent(content, mentionMap)
	default:
		c.logger.Debug().Str("msg_type", msg.MsgType).Str("msg_id", msg.MsgID).Msg("Unsupported message type")
		return
	}

	c.logger.Debug().
		Str("msg_id", msg.MsgID).
		Str("chat_type", msg.ChatType).
		Str("msg_type", msg.MsgType).
		Msg("Message received")

	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// parseTextContent extracts text from a text message
// It also replaces mention placeholders (@_user_1) with real names
func parseTextContent(content string, mentionMap map[string]string) string {
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}
	return replaceMentions(parsed.Text, mentionMap)
}

// parsePostContent flattens a rich text message to plain text
func parsePostContent(content string, mentionMap map[string]string) string {
	var parsed struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag    string `json:"tag"`
			Text   string `json:"text,omitempty"`
			UserID string `json:"user_id,omitempty"` // for "at" tags
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return ""
	}

	var textParts []string
	if parsed.Title != "" {
		textParts = append(textParts, parsed.Title)
	}

	for _, line := range parsed.Content {
		var lineParts []string
		for _, elem := range line {
			switch elem.Tag {
			case "text", "a":
				if elem.Text != "" {
					lineParts = append(lineParts, elem.Text)
				}
			case "at":
				if elem.UserID == "" {
					continue
				}
				if name, ok := mentionMap[elem.UserID]; ok {
					lineParts = append(lineParts, "@"+name)
				} else {
					lineParts = append(lineParts, "@"+elem.UserID)
				}
			}
		}
		if len(lineParts) > 0 {
			textParts = append(textParts, strings.Join(lineParts, ""))
		}
	}

	return replaceMentions(strings.Join(textParts, "\n"), mentionMap)
}

// replaceMentions replaces mention placeholders (@_user_1, @_user_2, etc.) with real names
func replaceMentions(text string, mentionMap map[string]string) string {
	result := text
	for key, name := range mentionMap {
		result = strings.ReplaceAll(result, key, "@"+name)
	}
	return result
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
