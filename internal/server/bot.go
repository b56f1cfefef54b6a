package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/biz/repo"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// dedupWindow is how long a message id is remembered
const dedupWindow = 5 * time.Minute

// EventDispatcher routes a single event to a feature handler
type EventDispatcher interface {
	Dispatch(ctx context.Context, e *domain.Event) bool
}

// lane is the FIFO of one conversation's pending events
type lane struct {
	queue []domain.Event
}

// BotServer pumps the transport event feed into the dispatcher
type BotServer struct {
	source     repo.EventSource
	dispatcher EventDispatcher
	now        func() time.Time

	// Message deduplication cache
	seenMsgsMu sync.Mutex
	seenMsgs   map[string]time.Time // msgID -> first seen
	lastSweep  time.Time

	lanesMu sync.Mutex
	lanes   map[string]*lane
	wg      sync.WaitGroup

	logger zerolog.Logger
}

// NewBotServer creates a new bot server
func NewBotServer(source repo.EventSource, dispatcher EventDispatcher) *BotServer {
	return &BotServer{
		source:     source,
		dispatcher: dispatcher,
		now:        time.Now,
		seenMsgs:   make(map[string]time.Time),
		lanes:      make(map[string]*lane),
		logger:     logging.Component("server"),
	}
}

// Run consumes events until the feed closes, then waits for busy lanes to finish
func (s *BotServer) Run(ctx context.Context) error {
	events, err := s.source.Events(ctx)
	if err != nil {
		return fmt.Errorf("failed to start event feed: %w", err)
	}

	s.logger.Info().Msg("Bot server started")
	for e := range events {
		s.handleEvent(ctx, e)
	}

	s.wg.Wait()
	s.logger.Info().Msg("Bot server stopped")
	return nil
}

// handleEvent filters duplicates and queues the event on its conversation's lane
func (s *BotServer) handleEvent(ctx context.Context, e domain.Event) {
	if s.checkAndMarkSeen(e.MessageID) {
		s.logger.Debug().Str("msg_id", e.MessageID).Msg("Duplicate message ignored")
		return
	}

	key := e.ConversationKey()

	s.lanesMu.Lock()
	defer s.lanesMu.Unlock()
	if l, ok := s.lanes[key]; ok {
		l.queue = append(l.queue, e)
		return
	}

	l := &lane{queue: []domain.Event{e}}
	s.lanes[key] = l
	s.wg.Add(1)
	go s.drain(ctx, key, l)
}

// drain processes a lane's events in arrival order and retires the lane when empty
func (s *BotServer) drain(ctx context.Context, key string, l *lane) {
	defer s.wg.Done()

	for {
		s.lanesMu.Lock()
		if len(l.queue) == 0 || ctx.Err() != nil {
			if dropped := len(l.queue); dropped > 0 {
				s.logger.Warn().Int("dropped", dropped).Msg("Shutting down with queued events")
			}
			delete(s.lanes, key)
			s.lanesMu.Unlock()
			return
		}
		e := l.queue[0]
		l.queue = l.queue[1:]
		s.lanesMu.Unlock()

		if !s.dispatcher.Dispatch(ctx, &e) {
			s.logger.Debug().Str("msg_id", e.MessageID).Msg("No handler matched")
		}
	}
}

// checkAndMarkSeen reports whether msgID was already seen within the
// dedup window, recording it if not
func (s *BotServer) checkAndMarkSeen(msgID string) bool {
	s.seenMsgsMu.Lock()
	defer s.seenMsgsMu.Unlock()

	now := s.now()
	if ts, ok := s.seenMsgs[msgID]; ok && now.Sub(ts) < dedupWindow {
		return true
	}
	s.seenMsgs[msgID] = now

	// Clean up expired records at most once per window
	if now.Sub(s.lastSweep) >= dedupWindow {
		cutoff := now.Add(-dedupWindow)
		for id, ts := range s.seenMsgs {
			if ts.Before(cutoff) {
				delete(s.seenMsgs, id)
			}
		}
		s.lastSweep = now
	}
	return false
}
