package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/biz/usecase"
	"github.com/devricklin/feishu-anonbot/internal/infra/clock"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

const (
	previewLimit = 500

	cmdSend   = "SEND"
	cmdCancel = "CANCEL"

	anonPrefix = "Anonymous message:\n\n"

	replyPreview = "You wrote:\n\n```text\n%s\n```\n\nReply with `SEND` to post anonymously, or `CANCEL` to discard."
	replyPosted  = "Your message has been posted anonymously."
	replyCancel  = "Okay, your message was not posted."
	replyUnknown = "Unknown input. Please start over by sending your message again."
	replyFailed  = "Sorry, your message could not be posted. Please send it again later."
)

// ActionScheduler accepts deferred actions
type ActionScheduler interface {
	Schedule(fireAt time.Time, payload domain.ActionPayload) string
}

// AnonPostingHandler relays a user's DM to the anonymous stream after
// an explicit confirmation, and schedules the post's deletion
type AnonPostingHandler struct {
	configUC    *usecase.ConfigUsecase
	convUC      *usecase.ConversationUsecase
	scheduler   ActionScheduler
	messageRepo repo.MessageRepo
	clock       clock.Clock
	logger      zerolog.Logger
}

// NewAnonPostingHandler creates the anonymous posting feature
func NewAnonPostingHandler(
	configUC *usecase.ConfigUsecase,
	convUC *usecase.ConversationUsecase,
	scheduler ActionScheduler,
	messageRepo repo.MessageRepo,
	clk clock.Clock,
) *AnonPostingHandler {
	return &AnonPostingHandler{
		configUC:    configUC,
		convUC:      convUC,
		scheduler:   scheduler,
		messageRepo: messageRepo,
		clock:       clk,
		logger:      logging.Component(FeatureAnonymousPosting),
	}
}

func (h *AnonPostingHandler) Name() string { return FeatureAnonymousPosting }

// Matches every DM while the feature is enabled
func (h *AnonPostingHandler) Matches(ctx context.Context, e *domain.Event) bool {
	return e.IsDirectMessage && h.configUC.Snapshot().AnonymousPosting.Enabled
}

func (h *AnonPostingHandler) Handle(ctx context.Context, e *domain.Event) error {
	key := domain.ConversationKey{Feature: FeatureAnonymousPosting, UserID: e.SenderID}
	user := logging.UserRef(e.SenderID, true)

	pending, ok := h.convUC.Resolve(key)
	if !ok {
		h.convUC.Begin(key, domain.PendingPayload{MessageID: e.MessageID, Content: e.Content})
		h.logger.Info().Str("user", user).Msg("Awaiting confirmation")
		return h.reply(ctx, e.SenderID, fmt.Sprintf(replyPreview, preview(e.Content)))
	}

	switch strings.TrimSpace(e.Content) {
	case cmdSend:
		return h.post(ctx, e, pending, user)
	case cmdCancel:
		h.deleteQuietly(ctx, pending.Payload.MessageID, e.MessageID)
		h.logger.Info().Str("user", user).Msg("Anonymous message cancelled")
		return h.reply(ctx, e.SenderID, replyCancel)
	default:
		h.logger.Info().Str("user", user).Msg("Unknown confirmation input, conversation reset")
		return h.reply(ctx, e.SenderID, replyUnknown)
	}
}

func (h *AnonPostingHandler) post(ctx context.Context, e *domain.Event, pending domain.ConversationState, user string) error {
	anon := h.configUC.Snapshot().AnonymousPosting

	postedID, err := h.messageRepo.SendStream(ctx, anon.TargetStream, anon.TargetTopic, anonPrefix+pending.Payload.Content)
	if err != nil {
		h.logger.Error().Err(err).Str("user", user).Str("stream", anon.TargetStream).Msg("Failed to post anonymous message")
		return h.reply(ctx, e.SenderID, replyFailed)
	}

	fireAt := h.clock.Now().Add(time.Duration(anon.DeleteAfterMinutes) * time.Minute)
	actionID := h.scheduler.Schedule(fireAt, domain.ActionPayload{MessageID: postedID, Target: anon.TargetStream})

	h.deleteQuietly(ctx, pending.Payload.MessageID, e.MessageID)

	h.logger.Info().
		Str("user", user).
		Str("posted_msg_id", postedID).
		Str("action_id", actionID).
		Time("delete_at", fireAt).
		Msg("Anonymous message posted")

	return h.reply(ctx, e.SenderID, replyPosted)
}

// deleteQuietly removes the user's DMs; failures are expected under
// some organization policies and only logged
func (h *AnonPostingHandler) deleteQuietly(ctx context.Context, msgIDs ...string) {
	for _, id := range msgIDs {
		if id == "" {
			continue
		}
		if err := h.messageRepo.DeleteMessage(ctx, id); err != nil {
			h.logger.Debug().Err(err).Str("msg_id", id).Msg("Could not delete DM")
		}
	}
}

func (h *AnonPostingHandler) reply(ctx context.Context, userID, text string) error {
	if _, err := h.messageRepo.SendDirect(ctx, userID, text); err != nil {
		return &domain.TransportError{Op: "reply", Err: err}
	}
	return nil
}

// preview trims the content and cuts it at previewLimit characters
func preview(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + " ..."
}

// DeleteMessageAction returns the scheduler callback that deletes the
// message an action points at
func DeleteMessageAction(messageRepo repo.MessageRepo) ActionFunc {
	return func(ctx context.Context, action domain.DeferredAction) error {
		return messageRepo.DeleteMessage(ctx, action.Payload.MessageID)
	}
}
