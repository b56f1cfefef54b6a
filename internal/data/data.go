package data

import (
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/infra/feishu"
)

// Repositories contains all repositories
type Repositories struct {
	Config    repo.ConfigRepo
	Revisions repo.RevisionRepo // nil when no journal path is configured
	Transport repo.Transport
}

// NewRepositories creates all repositories
func NewRepositories(
	feishuClient *feishu.Client,
	adminIDs []string,
	configPath string,
	journalPath string,
) (*Repositories, error) {
	repos := &Repositories{
		Config:    NewConfigFileRepo(configPath),
		Transport: NewFeishuRepo(feishuClient, adminIDs),
	}

	if journalPath != "" {
		revisionRepo, err := NewRevisionRepo(journalPath)
		if err != nil {
			return nil, err
		}
		repos.Revisions = revisionRepo
	}

	return repos, nil
}

// Close releases the repositories' resources
func (r *Repositories) Close() error {
	if r.Revisions != nil {
		return r.Revisions.Close()
	}
	return nil
}
