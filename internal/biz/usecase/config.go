package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// ErrSaveConfig marks a failure to persist an otherwise valid update
var ErrSaveConfig = errors.New("save config")

// ConfigUsecase owns the dynamic configuration.
// Readers get immutable snapshots; writers go through Update.
type ConfigUsecase struct {
	configRepo repo.ConfigRepo
	journal    repo.RevisionRepo // optional

	// updateMu serializes read-modify-write-persist cycles
	updateMu sync.Mutex

	mu        sync.RWMutex
	current   domain.Config
	revision  int64
	listeners []func(domain.Config)

	logger zerolog.Logger
}

// NewConfigUsecase creates a config store holding defaults until Load is called
func NewConfigUsecase(configRepo repo.ConfigRepo, journal repo.RevisionRepo) *ConfigUsecase {
	return &ConfigUsecase{
		configRepo: configRepo,
		journal:    journal,
		current:    domain.DefaultConfig(),
		logger:     logging.Component("config"),
	}
}

// OnChange registers a listener called with every newly published snapshot
func (uc *ConfigUsecase) OnChange(fn func(domain.Config)) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.listeners = append(uc.listeners, fn)
}

// Snapshot returns a point-in-time copy of the config
func (uc *ConfigUsecase) Snapshot() domain.Config {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.current.Clone()
}

// Revision returns the number of the current revision
func (uc *ConfigUsecase) Revision() int64 {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.revision
}

// Load reads the persisted config and publishes it
func (uc *ConfigUsecase) Load(ctx context.Context) error {
	uc.updateMu.Lock()
	defer uc.updateMu.Unlock()

	cfg, err := uc.configRepo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if uc.journal != nil {
		latest, err := uc.journal.List(ctx, 1)
		if err != nil {
			return fmt.Errorf("read revision journal: %w", err)
		}
		if len(latest) > 0 {
			uc.mu.Lock()
			uc.revision = latest[0].Revision
			uc.mu.Unlock()
		}
	}

	uc.publish(ctx, cfg, "system", "load")
	return nil
}

// Reload re-reads the persisted config. On failure the current snapshot stays.
func (uc *ConfigUsecase) Reload(ctx context.Context, actor string) (domain.Config, error) {
	uc.updateMu.Lock()
	defer uc.updateMu.Unlock()

	cfg, err := uc.configRepo.Load(ctx)
	if err != nil {
		uc.logger.Warn().Err(err).Msg("Reload failed, keeping current config")
		return domain.Config{}, fmt.Errorf("reload config: %w", err)
	}
	uc.publish(ctx, cfg, actor, "reload")
	return cfg.Clone(), nil
}

// Update applies mutate to a copy of the config, validates and persists it,
// then publishes the result. Any failure leaves the current snapshot untouched.
func (uc *ConfigUsecase) Update(ctx context.Context, actor, summary string, mutate func(*domain.Config) error) (domain.Config, error) {
	uc.updateMu.Lock()
	defer uc.updateMu.Unlock()

	next := uc.Snapshot()
	if err := mutate(&next); err != nil {
		return domain.Config{}, err
	}

	next.Normalize()
	if err := next.Validate(); err != nil {
		return domain.Config{}, err
	}

	if err := uc.configRepo.Save(ctx, next); err != nil {
		return domain.Config{}, fmt.Errorf("%w: %w", ErrSaveConfig, err)
	}

	uc.publish(ctx, next, actor, summary)
	return next.Clone(), nil
}

// History returns the newest journal entries
func (uc *ConfigUsecase) History(ctx context.Context, limit int) ([]*domain.ConfigRevision, error) {
	if uc.journal == nil {
		return nil, nil
	}
	return uc.journal.List(ctx, limit)
}

// HasJournal reports whether revisions are being recorded
func (uc *ConfigUsecase) HasJournal() bool {
	return uc.journal != nil
}

// publish must be called with updateMu held
func (uc *ConfigUsecase) publish(ctx context.Context, cfg domain.Config, actor, summary string) {
	uc.mu.Lock()
	uc.current = cfg.Clone()
	uc.revision++
	rev := uc.revision
	listeners := append([]func(domain.Config){}, uc.listeners...)
	uc.mu.Unlock()

	uc.logger.Info().Int64("revision", rev).Str("actor", actor).Str("summary", summary).Msg("Config published")

	if uc.journal != nil {
		doc, err := cfg.Marshal()
		if err != nil {
			uc.logger.Warn().Err(err).Msg("Failed to render config for journal")
		} else {
			entry := &domain.ConfigRevision{
				Revision:  rev,
				CreatedAt: time.Now(),
				Actor:     actor,
				Summary:   summary,
				Document:  string(doc),
			}
			if err := uc.journal.Append(ctx, entry); err != nil {
				uc.logger.Warn().Err(err).Int64("revision", rev).Msg("Failed to journal config revision")
			}
		}
	}

	for _, fn := range listeners {
		fn(cfg.Clone())
	}
}
