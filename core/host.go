package core

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// ShutdownHandler is told the reason once the host shuts down
type ShutdownHandler func(reason string)

// Host holds process-wide state: the reactor and the shutdown latch.
type Host struct {
	reactor *Reactor
	logger  *slog.Logger

	isShutdown atomic.Bool

	mu       sync.Mutex
	reason   string
	handlers []ShutdownHandler
}

// NewHost creates a host around reactor
func NewHost(reactor *Reactor, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{reactor: reactor, logger: logger}
}

// Reactor returns the event loop
func (h *Host) Reactor() *Reactor {
	return h.reactor
}

// RegisterShutdownHandler adds fn to the handlers run on shutdown
func (h *Host) RegisterShutdownHandler(fn ShutdownHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, fn)
}

// InvokeShutdown latches the host into shutdown. Only the first call has
// any effect. Handlers run later on the reactor, so callers keep running
// until then.
func (h *Host) InvokeShutdown(reason string) {
	if !h.isShutdown.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	h.reason = reason
	handlers := append([]ShutdownHandler(nil), h.handlers...)
	h.mu.Unlock()

	h.logger.Error("shutdown", "reason", reason)
	h.reactor.RegisterCallback(func(float64) {
		for _, fn := range handlers {
			fn(reason)
		}
	})
}

// IsShutdown reports whether InvokeShutdown was called
func (h *Host) IsShutdown() bool {
	return h.isShutdown.Load()
}

// ShutdownReason returns the reason given to the first InvokeShutdown
func (h *Host) ShutdownReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}
