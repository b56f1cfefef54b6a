package repo

import (
	"context"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
)

// ConfigRepo persists the dynamic configuration
type ConfigRepo interface {
	// Load reads the config, writing and returning defaults if none exists
	Load(ctx context.Context) (domain.Config, error)

	// Save replaces the persisted config
	Save(ctx context.Context, cfg domain.Config) error
}

// RevisionRepo is the config revision journal
// Responsible for revision persistence (SQLite)
type RevisionRepo interface {
	// Append records a revision
	Append(ctx context.Context, rev *domain.ConfigRevision) error

	// List returns the newest revisions first
	List(ctx context.Context, limit int) ([]*domain.ConfigRevision, error)

	// Close closes the underlying database
	Close() error
}
