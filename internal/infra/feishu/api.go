package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

// Receive id types for SendText
const (
	ReceiveIDOpenID = larkim.ReceiveIdTypeOpenId
	ReceiveIDChatID = larkim.ReceiveIdTypeChatId
)

// codeRateLimited is the Feishu error code for exceeded request frequency
const codeRateLimited = 99991400

// APIError is a request Feishu received and rejected
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Op, e.Code, e.Msg)
}

// Retryable reports whether repeating the request may succeed
func (e *APIError) Retryable() bool {
	return e.Code == codeRateLimited
}

// ChatMember represents a member in a chat
type ChatMember struct {
	MemberID   string `json:"member_id"`
	MemberType string `json:"member_type"`
	Name       string `json:"name"`
}

// call runs fn behind the rate limiter, retrying network failures and
// rate-limit rejections up to maxAttempts times
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("%s: %w", op, werr)
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return err
		}
		if attempt == c.maxAttempts {
			break
		}

		c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("API call failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	return err
}

func textContent(text string) string {
	contentJSON, _ := json.Marshal(map[string]string{"text": text})
	return string(contentJSON)
}

// SendText sends a text message to a user (open_id) or chat (chat_id) and returns its message ID.
// Retries carry the same uuid, so Feishu creates the message at most once.
func (c *Client) SendText(ctx context.Context, receiveIDType, receiveID, text string) (string, error) {
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(larkim.MsgTypeText).
			Content(textContent(text)).
			Uuid(uuid.NewString()).
			Build()).
		Build()

	var msgID string
	err := c.call(ctx, "send message", func(ctx context.Context) error {
		resp, err := c.larkCli.Im.Message.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("send message failed: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "send message", Code: resp.Code, Msg: resp.Msg}
		}
		if resp.Data != nil {
			msgID = deref(resp.Data.MessageId)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug().Str("receive_id_type", receiveIDType).Str("msg_id", msgID).Msg("Message sent")
	return msgID, nil
}

// ReplyText replies to a message, placing the reply in its thread.
// Like SendText, retries are deduplicated by uuid.
func (c *Client) ReplyText(ctx context.Context, parentID, text string) (string, error) {
	req := larkim.NewReplyMessageReqBuilder().
		MessageId(parentID).
		Body(larkim.NewReplyMessageReqBodyBuilder().
			MsgType(larkim.MsgTypeText).
			Content(textContent(text)).
			Uuid(uuid.NewString()).
			Build()).
		Build()

	var msgID string
	err := c.call(ctx, "reply message", func(ctx context.Context) error {
		resp, err := c.larkCli.Im.Message.Reply(ctx, req)
		if err != nil {
			return fmt.Errorf("reply message failed: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "reply message", Code: resp.Code, Msg: resp.Msg}
		}
		if resp.Data != nil {
			msgID = deref(resp.Data.MessageId)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug().Str("parent_id", parentID).Str("msg_id", msgID).Msg("Reply sent")
	return msgID, nil
}

// DeleteMessage recalls a message
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	req := larkim.NewDeleteMessageReqBuilder().
		MessageId(messageID).
		Build()

	return c.call(ctx, "delete message", func(ctx context.Context) error {
		resp, err := c.larkCli.Im.Message.Delete(ctx, req)
		if err != nil {
			return fmt.Errorf("delete message failed: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "delete message", Code: resp.Code, Msg: resp.Msg}
		}
		return nil
	})
}

// AddReaction adds an emoji reaction to a message
func (c *Client) AddReaction(ctx context.Context, messageID, emojiType string) error {
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(emojiType).Build()).
			Build()).
		Build()

	return c.call(ctx, "add reaction", func(ctx context.Context) error {
		resp, err := c.larkCli.Im.MessageReaction.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("add reaction failed: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "add reaction", Code: resp.Code, Msg: resp.Msg}
		}
		return nil
	})
}

// GetChatMembers retrieves all members of a chat
func (c *Client) GetChatMembers(ctx context.Context, chatID string) ([]*ChatMember, error) {
	var members []*ChatMember
	var pageToken string

	for {
		reqBuilder := larkim.NewGetChatMembersReqBuilder().
			MemberIdType("open_id").
			ChatId(chatID).
			PageSize(100)
		if pageToken != "" {
			reqBuilder = reqBuilder.PageToken(pageToken)
		}
		req := reqBuilder.Build()

		var next string
		err := c.call(ctx, "get chat members", func(ctx context.Context) error {
			resp, err := c.larkCli.Im.ChatMembers.Get(ctx, req)
			if err != nil {
				return fmt.Errorf("get chat members failed: %w", err)
			}
			if !resp.Success() {
				return &APIError{Op: "get chat members", Code: resp.Code, Msg: resp.Msg}
			}
			for _, item := range resp.Data.Items {
				members = append(members, &ChatMember{
					MemberID:   deref(item.MemberId),
					MemberType: deref(item.MemberIdType),
					Name:       deref(item.Name),
				})
			}
			next = deref(resp.Data.PageToken)
			return nil
		})
		if err != nil {
			return nil, err
		}

		if next == "" {
			break
		}
		pageToken = next
	}

	return members, nil
}

// AddChatMembers invites users (by open_id) to a chat
func (c *Client) AddChatMembers(ctx context.Context, chatID string, openIDs []string) error {
	req := larkim.NewCreateChatMembersReqBuilder().
		ChatId(chatID).
		MemberIdType("open_id").
		Body(larkim.NewCreateChatMembersReqBodyBuilder().
			IdList(openIDs).
			Build()).
		Build()

	return c.call(ctx, "add chat members", func(ctx context.Context) error {
		resp, err := c.larkCli.Im.ChatMembers.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("add chat members failed: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "add chat members", Code: resp.Code, Msg: resp.Msg}
		}
		if resp.Data != nil && len(resp.Data.InvalidIdList) > 0 {
			return &APIError{Op: "add chat members", Msg: fmt.Sprintf("invalid member ids: %v", resp.Data.InvalidIdList)}
		}
		return nil
	})
}

// IsInChat reports whether the bot is a member of a chat
func (c *Client) IsInChat(ctx context.Context, chatID string) (bool, error) {
	req := larkim.NewIsInChatChatMembersReqBuilder().
		ChatId(chatID).
		Build()

	var in bool
	err := c.call(ctx, "is in chat", func(ctx context.Context) error {
		resp, err := c.larkCli.Im.ChatMembers.IsInChat(ctx, req)
		if err != nil {
			return fmt.Errorf("is in chat failed: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "is in chat", Code: resp.Code, Msg: resp.Msg}
		}
		in = resp.Data != nil && resp.Data.IsInChat != nil && *resp.Data.IsInChat
		return nil
	})
	return in, err
}

// JoinChat adds the bot to a public chat
func (c *Client) JoinChat(ctx context.Context, chatID string) error {
	req := larkim.NewMeJoinChatMembersReqBuilder().
		ChatId(chatID).
		Build()

	return c.call(ctx, "join chat", func(ctx context.Context) error {
		resp, err := c.larkCli.Im.ChatMembers.MeJoin(ctx, req)
		if err != nil {
			return fmt.Errorf("join chat failed: %w", err)
		}
		if !resp.Success() {
			return &APIError{Op: "join chat", Code: resp.Code, Msg: resp.Msg}
		}
		return nil
	})
}
