package service

import (
	"context"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
)

// Feature names, also used as conversation keys and in logs
const (
	FeatureAdminControls    = "admin_controls"
	FeatureAnonymousPosting = "anonymous_posting"
	FeaturePrivateAccess    = "private_access"
)

// Handler is a bot feature.
// Matches must be cheap and side-effect free; Handle does the work.
type Handler interface {
	Name() string
	Matches(ctx context.Context, e *domain.Event) bool
	Handle(ctx context.Context, e *domain.Event) error
}
