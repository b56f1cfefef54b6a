package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/infra/clock"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired map[string]int
	at    map[string]time.Time
	clock clock.Clock
	fail  map[string]error
	panic map[string]bool
}

func newFireRecorder(clk clock.Clock) *fireRecorder {
	return &fireRecorder{
		fired: make(map[string]int),
		at:    make(map[string]time.Time),
		clock: clk,
		fail:  make(map[string]error),
		panic: make(map[string]bool),
	}
}

func (r *fireRecorder) fire(ctx context.Context, a domain.DeferredAction) error {
	r.mu.Lock()
	r.fired[a.Payload.MessageID]++
	r.at[a.Payload.MessageID] = r.clock.Now()
	err := r.fail[a.Payload.MessageID]
	shouldPanic := r.panic[a.Payload.MessageID]
	r.mu.Unlock()

	if shouldPanic {
		panic("callback exploded")
	}
	return err
}

func (r *fireRecorder) count(msgID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired[msgID]
}

func (r *fireRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.fired {
		n += c
	}
	return n
}

func startScheduler(t *testing.T, s *Scheduler) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return func() {
		cancelCtx()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func payload(msgID string) domain.ActionPayload {
	return domain.ActionPayload{MessageID: msgID, Target: "anonymous"}
}

func TestScheduler_CoincidentAndLaterActions(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	rec := newFireRecorder(clk)
	s := NewScheduler(clk, rec.fire)

	s.Schedule(t0.Add(time.Minute), payload("a"))
	s.Schedule(t0.Add(time.Minute), payload("b"))
	s.Schedule(t0.Add(5*time.Minute), payload("c"))
	require.Equal(t, 3, s.Pending())

	stop := startScheduler(t, s)
	defer stop()

	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, rec.total(), "nothing fires before its time")

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return rec.count("a") == 1 && rec.count("b") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, rec.count("c"))
	assert.Equal(t, 1, s.Pending())

	clk.Advance(4 * time.Minute)
	require.Eventually(t, func() bool { return rec.count("c") == 1 }, time.Second, time.Millisecond)

	// give a second firing a chance to show up
	clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count("a"))
	assert.Equal(t, 1, rec.count("b"))
	assert.Equal(t, 1, rec.count("c"))
	assert.Equal(t, 0, s.Pending())

	rec.mu.Lock()
	assert.False(t, rec.at["a"].Before(t0.Add(time.Minute)))
	assert.False(t, rec.at["c"].Before(t0.Add(5*time.Minute)))
	rec.mu.Unlock()
}

func TestScheduler_EmptyQueueWakesOnSchedule(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	rec := newFireRecorder(clk)
	s := NewScheduler(clk, rec.fire)

	stop := startScheduler(t, s)
	defer stop()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, clk.Waiters(), "no timer armed while idle")

	s.Schedule(t0.Add(time.Second), payload("late"))
	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return rec.count("late") == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_CancelBeforeFiring(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	rec := newFireRecorder(clk)
	s := NewScheduler(clk, rec.fire)

	cancelled := s.Schedule(t0.Add(2*time.Minute), payload("cancelled"))
	s.Schedule(t0.Add(2*time.Minute), payload("kept"))

	stop := startScheduler(t, s)
	defer stop()

	assert.True(t, s.Cancel(cancelled))
	assert.False(t, s.Cancel(cancelled), "second cancel is a no-op")

	clk.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return rec.count("kept") == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, rec.count("cancelled"))
}

func TestScheduler_CancelAfterFiring(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	rec := newFireRecorder(clk)
	s := NewScheduler(clk, rec.fire)

	id := s.Schedule(t0.Add(time.Minute), payload("fired"))

	stop := startScheduler(t, s)
	defer stop()

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return rec.count("fired") == 1 }, time.Second, time.Millisecond)

	assert.False(t, s.Cancel(id))
	assert.False(t, s.Cancel("no-such-id"))
}

func TestScheduler_FailingCallbacksDoNotStopOthers(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	rec := newFireRecorder(clk)
	rec.fail["errors"] = errors.New("message already gone")
	rec.panic["panics"] = true
	s := NewScheduler(clk, rec.fire)

	s.Schedule(t0.Add(time.Minute), payload("errors"))
	s.Schedule(t0.Add(time.Minute), payload("panics"))
	s.Schedule(t0.Add(time.Minute), payload("fine"))

	stop := startScheduler(t, s)
	defer stop()

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return rec.total() == 3 }, time.Second, time.Millisecond)

	// the loop is still alive
	s.Schedule(t0.Add(2*time.Minute), payload("after"))
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return rec.count("after") == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_ShutdownDropsPending(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	rec := newFireRecorder(clk)
	s := NewScheduler(clk, rec.fire)

	s.Schedule(t0.Add(time.Hour), payload("never"))
	stop := startScheduler(t, s)
	stop()

	assert.Equal(t, 0, rec.count("never"))
	assert.Equal(t, 1, s.Pending())
}

func TestScheduler_RealClock(t *testing.T) {
	fired := make(chan string, 1)
	s := NewScheduler(clock.Real(), func(ctx context.Context, a domain.DeferredAction) error {
		fired <- a.Payload.MessageID
		return nil
	})

	stop := startScheduler(t, s)
	defer stop()

	s.Schedule(time.Now().Add(20*time.Millisecond), payload("soon"))
	select {
	case id := <-fired:
		assert.Equal(t, "soon", id)
	case <-time.After(2 * time.Second):
		t.Fatal("action did not fire")
	}
}
