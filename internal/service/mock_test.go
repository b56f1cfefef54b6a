package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/usecase"
)

// Mock implementations

type sentMessage struct {
	UserID  string // set for DMs
	Stream  string
	Topic   string
	Content string
	ID      string
}

type mockTransport struct {
	mu         sync.Mutex
	seq        int
	sent       []sentMessage
	deleted    []string
	reactions  []string
	subscribed []string // "user -> stream"
	member     map[string]bool

	streamErr    error
	deleteErr    error
	subscribeErr map[string]error // by target stream
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		member:       make(map[string]bool),
		subscribeErr: make(map[string]error),
	}
}

func (m *mockTransport) nextID() string {
	m.seq++
	return fmt.Sprintf("om_%d", m.seq)
}

func (m *mockTransport) SendDirect(ctx context.Context, userID, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID()
	m.sent = append(m.sent, sentMessage{UserID: userID, Content: content, ID: id})
	return id, nil
}

func (m *mockTransport) SendStream(ctx context.Context, stream, topic, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streamErr != nil {
		return "", m.streamErr
	}
	id := m.nextID()
	m.sent = append(m.sent, sentMessage{Stream: stream, Topic: topic, Content: content, ID: id})
	return id, nil
}

func (m *mockTransport) DeleteMessage(ctx context.Context, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, msgID)
	return m.deleteErr
}

func (m *mockTransport) AddReaction(ctx context.Context, msgID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, msgID+":"+emoji)
	return nil
}

func (m *mockTransport) SubscribeUser(ctx context.Context, userID, stream string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.subscribeErr[stream]; err != nil {
		return false, err
	}
	key := userID + " -> " + stream
	already := m.member[key]
	m.member[key] = true
	m.subscribed = append(m.subscribed, key)
	return already, nil
}

func (m *mockTransport) SubscribeBot(ctx context.Context, streams []string) (*domain.SubscriptionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := &domain.SubscriptionResult{}
	for _, s := range streams {
		key := "bot -> " + s
		if m.member[key] {
			res.AlreadySubscribed = append(res.AlreadySubscribed, s)
			continue
		}
		m.member[key] = true
		res.Subscribed = append(res.Subscribed, s)
	}
	return res, nil
}

// directTo returns the DMs sent to a user
func (m *mockTransport) directTo(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.UserID == userID {
			out = append(out, s.Content)
		}
	}
	return out
}

// lastDirect returns the latest DM sent to a user
func (m *mockTransport) lastDirect(t *testing.T, userID string) string {
	t.Helper()
	dms := m.directTo(userID)
	require.NotEmpty(t, dms, "no DM sent to %s", userID)
	return dms[len(dms)-1]
}

func (m *mockTransport) streamPosts() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMessage
	for _, s := range m.sent {
		if s.UserID == "" {
			out = append(out, s)
		}
	}
	return out
}

type scheduledAction struct {
	FireAt  time.Time
	Payload domain.ActionPayload
}

type mockScheduler struct {
	mu      sync.Mutex
	actions []scheduledAction
}

func (m *mockScheduler) Schedule(fireAt time.Time, payload domain.ActionPayload) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, scheduledAction{FireAt: fireAt, Payload: payload})
	return fmt.Sprintf("action-%d", len(m.actions))
}

func (m *mockScheduler) scheduled() []scheduledAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scheduledAction{}, m.actions...)
}

type memoryConfigRepo struct {
	mu  sync.Mutex
	cfg domain.Config
	err error
}

func (m *memoryConfigRepo) Load(ctx context.Context) (domain.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Clone(), nil
}

func (m *memoryConfigRepo) Save(ctx context.Context, cfg domain.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.cfg = cfg.Clone()
	return nil
}

func newConfigUC(t *testing.T, mutate func(*domain.Config)) (*usecase.ConfigUsecase, *memoryConfigRepo) {
	t.Helper()
	cfg := domain.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	configRepo := &memoryConfigRepo{cfg: cfg}
	uc := usecase.NewConfigUsecase(configRepo, nil)
	require.NoError(t, uc.Load(context.Background()))
	return uc, configRepo
}

func dm(msgID, sender, content string) *domain.Event {
	return &domain.Event{
		MessageID:       msgID,
		SenderID:        sender,
		IsDirectMessage: true,
		Content:         content,
		ReceivedAt:      time.Now(),
	}
}

func adminDM(msgID, sender, content string) *domain.Event {
	e := dm(msgID, sender, content)
	e.SenderIsAdmin = true
	return e
}

func streamMsg(msgID, sender, stream, topic, content string) *domain.Event {
	return &domain.Event{
		MessageID:  msgID,
		SenderID:   sender,
		Stream:     stream,
		Topic:      topic,
		Content:    content,
		ReceivedAt: time.Now(),
	}
}
