package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/biz/usecase"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// AccessGrantedReaction marks a message whose sender was granted access
const AccessGrantedReaction = "saluting_face"

// PrivateAccessHandler subscribes users who post a watched phrase
// in a watched stream and topic to the rule's target stream
type PrivateAccessHandler struct {
	configUC       *usecase.ConfigUsecase
	messageRepo    repo.MessageRepo
	membershipRepo repo.MembershipRepo
	logger         zerolog.Logger
}

// NewPrivateAccessHandler creates the private access feature
func NewPrivateAccessHandler(
	configUC *usecase.ConfigUsecase,
	messageRepo repo.MessageRepo,
	membershipRepo repo.MembershipRepo,
) *PrivateAccessHandler {
	return &PrivateAccessHandler{
		configUC:       configUC,
		messageRepo:    messageRepo,
		membershipRepo: membershipRepo,
		logger:         logging.Component(FeaturePrivateAccess),
	}
}

func (h *PrivateAccessHandler) Name() string { return FeaturePrivateAccess }

func (h *PrivateAccessHandler) Matches(ctx context.Context, e *domain.Event) bool {
	if e.IsDirectMessage {
		return false
	}
	access := h.configUC.Snapshot().PrivateAccess
	return access.Enabled && len(access.MatchingRules(e)) > 0
}

// Handle applies every matching rule; one failing rule does not stop the others
func (h *PrivateAccessHandler) Handle(ctx context.Context, e *domain.Event) error {
	access := h.configUC.Snapshot().PrivateAccess

	var errs []error
	for _, rule := range access.MatchingRules(e) {
		if err := h.grant(ctx, e, rule); err != nil {
			h.logger.Error().
				Err(err).
				Str("user_id", e.SenderID).
				Str("target_stream", rule.TargetStream).
				Msg("Failed to grant access")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *PrivateAccessHandler) grant(ctx context.Context, e *domain.Event, rule domain.Rule) error {
	already, err := h.membershipRepo.SubscribeUser(ctx, e.SenderID, rule.TargetStream)
	if err != nil {
		return &domain.TransportError{Op: "subscribe user", Err: err}
	}

	if err := h.messageRepo.AddReaction(ctx, e.MessageID, AccessGrantedReaction); err != nil {
		return &domain.TransportError{Op: "add reaction", Err: err}
	}

	h.logger.Info().
		Str("user_id", e.SenderID).
		Str("stream", e.Stream).
		Str("topic", e.Topic).
		Str("target_stream", rule.TargetStream).
		Bool("already_subscribed", already).
		Msg("Access granted")
	return nil
}
