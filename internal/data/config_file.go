package data

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// configFileRepo stores the dynamic config as a YAML file
type configFileRepo struct {
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewConfigFileRepo creates a YAML config store at path
func NewConfigFileRepo(path string) repo.ConfigRepo {
	return &configFileRepo{
		path:   path,
		logger: logging.Component("config_file"),
	}
}

// Load reads and validates the config file. A missing file is created with defaults.
func (r *configFileRepo) Load(ctx context.Context) (domain.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg := domain.DefaultConfig()
		if err := r.write(cfg); err != nil {
			return domain.Config{}, err
		}
		r.logger.Info().Str("path", r.path).Msg("No config file found, wrote defaults")
		return cfg, nil
	}
	if err != nil {
		return domain.Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := domain.ParseConfig(data)
	if err != nil {
		return domain.Config{}, fmt.Errorf("invalid config %s: %w", r.path, err)
	}
	r.logger.Debug().Str("path", r.path).Msg("Config loaded")
	return cfg, nil
}

// Save replaces the config file atomically
func (r *configFileRepo) Save(ctx context.Context, cfg domain.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(cfg)
}

// write renders cfg to a temp file next to the target and renames it into place
func (r *configFileRepo) write(cfg domain.Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp config: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
