package connection

import (
	"log/slog"
	"sync"

	"github.com/buzzup-hub/tvstream/internal/metrics"
)

// Handler consumes frames addressed to one session.
type Handler interface {
	// ID returns the session identifier this handler owns.
	ID() string

	// Handle processes one inbound frame. Called from the read loop; it must
	// not block.
	Handle(Frame)

	// Close tears down the handler after it is removed from the registry.
	Close()
}

// Registry routes inbound frames to the session that owns them.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		metrics:  m,
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler. Registration must happen before the session's
// create packet is sent, otherwise an early server reply races the insert
// and gets dropped.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	_, replaced := r.handlers[h.ID()]
	r.handlers[h.ID()] = h
	r.mu.Unlock()

	if !replaced {
		r.metrics.SessionOpened()
	}
	r.logger.Debug("session registered", "session_id", h.ID())
}

// Unregister removes the handler for id and closes it. Unknown ids are a
// no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	h, ok := r.handlers[id]
	delete(r.handlers, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	h.Close()
	r.metrics.SessionClosed()
	r.logger.Debug("session unregistered", "session_id", id)
}

// Dispatch routes a frame to its session handler. Frames for unknown
// sessions are dropped: they belong to sessions already torn down.
func (r *Registry) Dispatch(f Frame) {
	r.mu.RLock()
	h, ok := r.handlers[f.SessionID]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("frame for unknown session dropped",
			"session_id", f.SessionID,
			"type", f.Type,
		)
		return
	}
	h.Handle(f)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// CloseAll removes and closes every handler. Used during connection
// shutdown so sessions observe teardown before the socket goes away.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handlers := r.handlers
	r.handlers = make(map[string]Handler)
	r.mu.Unlock()

	for id, h := range handlers {
		h.Close()
		r.metrics.SessionClosed()
		r.logger.Debug("session closed on shutdown", "session_id", id)
	}
}
