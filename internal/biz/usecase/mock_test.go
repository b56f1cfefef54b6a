package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
)

// Mock implementations

type mockConfigRepo struct {
	mu      sync.Mutex
	stored  []byte
	saves   int
	saveErr error
	loadErr error
}

func newMockConfigRepo(cfg domain.Config) *mockConfigRepo {
	data, err := cfg.Marshal()
	if err != nil {
		panic(err)
	}
	return &mockConfigRepo{stored: data}
}

func (m *mockConfigRepo) Load(ctx context.Context) (domain.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return domain.Config{}, m.loadErr
	}
	return domain.ParseConfig(m.stored)
}

func (m *mockConfigRepo) Save(ctx context.Context, cfg domain.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	m.stored = data
	m.saves++
	return nil
}

func (m *mockConfigRepo) setStored(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = data
}

type mockRevisionRepo struct {
	mu        sync.Mutex
	revisions []*domain.ConfigRevision
	appendErr error
}

func (m *mockRevisionRepo) Append(ctx context.Context, rev *domain.ConfigRevision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.revisions = append(m.revisions, rev)
	return nil
}

func (m *mockRevisionRepo) List(ctx context.Context, limit int) ([]*domain.ConfigRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]*domain.ConfigRevision{}, m.revisions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Revision > out[j].Revision })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockRevisionRepo) Close() error { return nil }

type mockMembershipRepo struct {
	mu       sync.Mutex
	joined   map[string]bool
	calls    [][]string
	failWith error
}

func (m *mockMembershipRepo) SubscribeUser(ctx context.Context, userID, stream string) (bool, error) {
	return false, errors.New("not used")
}

func (m *mockMembershipRepo) SubscribeBot(ctx context.Context, streams []string) (*domain.SubscriptionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, streams)
	if m.failWith != nil {
		return nil, m.failWith
	}
	if m.joined == nil {
		m.joined = make(map[string]bool)
	}
	res := &domain.SubscriptionResult{}
	for _, s := range streams {
		if m.joined[s] {
			res.AlreadySubscribed = append(res.AlreadySubscribed, s)
			continue
		}
		m.joined[s] = true
		res.Subscribed = append(res.Subscribed, s)
	}
	return res, nil
}
