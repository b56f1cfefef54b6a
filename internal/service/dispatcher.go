package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/devricklin/feishu-anonbot/internal/biz/domain"
	"github.com/devricklin/feishu-anonbot/internal/logging"
)

// Dispatcher routes each event to the first registered handler that matches it.
// Registration order is precedence order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher with no handlers
func NewDispatcher() *Dispatcher {
	return &Dispatcher{logger: logging.Component("dispatcher")}
}

// Register appends a handler after all previously registered ones
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
	d.logger.Debug().Str("handler", h.Name()).Int("position", len(d.handlers)).Msg("Handler registered")
}

// Handlers returns the registered handler names in precedence order
func (d *Dispatcher) Handlers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.handlers))
	for i, h := range d.handlers {
		names[i] = h.Name()
	}
	return names
}

// Dispatch hands the event to the first matching handler and reports whether one matched.
// Handler errors and panics are logged here and never propagate.
func (d *Dispatcher) Dispatch(ctx context.Context, e *domain.Event) bool {
	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	for _, h := range handlers {
		matched, err := d.matches(ctx, h, e)
		if err != nil {
			d.logFailure(h, e, err)
			continue
		}
		if !matched {
			continue
		}

		if err := d.handle(ctx, h, e); err != nil {
			d.logFailure(h, e, err)
		}
		return true
	}

	d.logger.Debug().
		Str("msg_id", e.MessageID).
		Bool("dm", e.IsDirectMessage).
		Msg("No handler matched, dropping event")
	return false
}

func (d *Dispatcher) matches(ctx context.Context, h Handler, e *domain.Event) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.HandlerError{Handler: h.Name(), Err: fmt.Errorf("panic in matches: %v", r)}
		}
	}()
	return h.Matches(ctx, e), nil
}

func (d *Dispatcher) handle(ctx context.Context, h Handler, e *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.HandlerError{Handler: h.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := h.Handle(ctx, e); err != nil {
		return &domain.HandlerError{Handler: h.Name(), Err: err}
	}
	return nil
}

// logFailure logs event metadata only, never the content
func (d *Dispatcher) logFailure(h Handler, e *domain.Event, err error) {
	var hErr *domain.HandlerError
	if !errors.As(err, &hErr) {
		err = &domain.HandlerError{Handler: h.Name(), Err: err}
	}
	d.logger.Error().
		Err(err).
		Str("handler", h.Name()).
		Str("msg_id", e.MessageID).
		Str("stream", e.Stream).
		Str("topic", e.Topic).
		Bool("dm", e.IsDirectMessage).
		Msg("Handler failed")
}
