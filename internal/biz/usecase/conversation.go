package usecase

import (
	"sync"
	"time"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
)

// ConversationUsecase holds pending multi-step conversations.
// State lives only as long as the process; a restart discards it.
type ConversationUsecase struct {
	mu     sync.Mutex
	states map[domain.ConversationKey]domain.ConversationState
	now    func() time.Time
}

// NewConversationUsecase creates an empty conversation store
func NewConversationUsecase() *ConversationUsecase {
	return &ConversationUsecase{
		states: make(map[domain.ConversationKey]domain.ConversationState),
		now:    time.Now,
	}
}

// Begin creates the pending state for key, replacing any previous one
func (uc *ConversationUsecase) Begin(key domain.ConversationKey, payload domain.PendingPayload) domain.ConversationState {
	state := domain.ConversationState{
		Key:       key,
		CreatedAt: uc.now(),
		Awaiting:  domain.AwaitingConfirmation,
		Payload:   payload,
	}

	uc.mu.Lock()
	uc.states[key] = state
	uc.mu.Unlock()

	return state
}

// Resolve fetches and clears the pending state in one step.
// Of several concurrent callers for the same key, only one gets the state.
func (uc *ConversationUsecase) Resolve(key domain.ConversationKey) (domain.ConversationState, bool) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	state, ok := uc.states[key]
	if ok {
		delete(uc.states, key)
	}
	return state, ok
}

// Peek returns the pending state without clearing it
func (uc *ConversationUsecase) Peek(key domain.ConversationKey) (domain.ConversationState, bool) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	state, ok := uc.states[key]
	return state, ok
}

// Pending returns the number of open conversations
func (uc *ConversationUsecase) Pending() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.states)
}
