package service

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/infra/clock"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// callbackTimeout bounds a single fired action
const callbackTimeout = 30 * time.Second

// ActionFunc performs a deferred action when it becomes due
type ActionFunc func(ctx context.Context, action domain.DeferredAction) error

// Scheduler fires deferred actions at their due time, each exactly once.
// Pending actions are held in memory only and are dropped on shutdown.
type Scheduler struct {
	clock clock.Clock
	fire  ActionFunc

	mu    sync.Mutex
	queue actionQueue
	index map[string]*queuedAction
	seq   uint64

	wake     chan struct{}
	inflight sync.WaitGroup
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler that calls fire for every due action
func NewScheduler(clk clock.Clock, fire ActionFunc) *Scheduler {
	return &Scheduler{
		clock:  clk,
		fire:   fire,
		index:  make(map[string]*queuedAction),
		wake:   make(chan struct{}, 1),
		logger: logging.Component("scheduler"),
	}
}

// Schedule registers an action due at fireAt and returns its id
func (s *Scheduler) Schedule(fireAt time.Time, payload domain.ActionPayload) string {
	action := domain.DeferredAction{
		ID:      uuid.NewString(),
		FireAt:  fireAt,
		Payload: payload,
	}

	s.mu.Lock()
	s.seq++
	item := &queuedAction{action: action, seq: s.seq}
	heap.Push(&s.queue, item)
	s.index[action.ID] = item
	pending := len(s.index)
	s.mu.Unlock()

	s.logger.Debug().
		Str("action_id", action.ID).
		Time("fire_at", fireAt).
		Int("pending", pending).
		Msg("Action scheduled")

	s.notify()
	return action.ID
}

// Cancel removes a pending action. It returns false if the action
// already fired, is firing, or never existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.index[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, item.pos)
	delete(s.index, id)
	return true
}

// Pending returns the number of actions not yet fired
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Run fires due actions until ctx is done, then waits for in-flight callbacks
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Msg("Scheduler started")

	for {
		due, next, hasNext := s.takeDue()
		for _, action := range due {
			s.dispatch(ctx, action)
		}

		var timer clock.Timer
		var timerC <-chan time.Time
		if hasNext {
			timer = s.clock.NewTimer(next)
			timerC = timer.C()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.inflight.Wait()
			s.logger.Info().Int("dropped", s.Pending()).Msg("Scheduler stopped")
			return nil
		case <-s.wake:
		case <-timerC:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// takeDue pops every action due now and returns the next deadline, if any
func (s *Scheduler) takeDue() ([]domain.DeferredAction, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []domain.DeferredAction
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if !head.action.Due(now) {
			return due, head.action.FireAt, true
		}
		heap.Pop(&s.queue)
		delete(s.index, head.action.ID)
		due = append(due, head.action)
	}
	return due, time.Time{}, false
}

func (s *Scheduler) dispatch(ctx context.Context, action domain.DeferredAction) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		cbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
		defer cancel()

		if err := s.invoke(cbCtx, action); err != nil {
			s.logger.Error().
				Err(err).
				Str("action_id", action.ID).
				Str("target", action.Payload.Target).
				Msg("Deferred action failed")
			return
		}
		s.logger.Debug().Str("action_id", action.ID).Msg("Deferred action fired")
	}()
}

func (s *Scheduler) invoke(ctx context.Context, action domain.DeferredAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.SchedulerCallbackError{ActionID: action.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := s.fire(ctx, action); err != nil {
		return &domain.SchedulerCallbackError{ActionID: action.ID, Err: err}
	}
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type queuedAction struct {
	action domain.DeferredAction
	seq    uint64
	pos    int
}

// actionQueue is a min-heap ordered by fire time, then scheduling order
type actionQueue []*queuedAction

func (q actionQueue) Len() int { return len(q) }

func (q actionQueue) Less(i, j int) bool {
	if q[i].action.FireAt.Equal(q[j].action.FireAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].action.FireAt.Before(q[j].action.FireAt)
}

func (q actionQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].pos = i
	q[j].pos = j
}

func (q *actionQueue) Push(x any) {
	item := x.(*queuedAction)
	item.pos = len(*q)
	*q = append(*q, item)
}

func (q *actionQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.pos = -1
	*q = old[:n-1]
	return item
}
