package shutdown

import (
	"context"
	"sync"

	"github.com/betbot/schwabstream/pkg/logger"
)

// Handler runs one shutdown step. It must return when ctx is done.
type Handler func(ctx context.Context)

// Manager runs registered handlers in reverse registration order, so the
// component started last stops first.
type Manager struct {
	callbacks []namedHandler
	mu        sync.Mutex
}

type namedHandler struct {
	name string
	fn   Handler
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown blocks until every handler returned or ctx expired.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	callbacks := make([]namedHandler, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	log := logger.Component("shutdown")
	if len(callbacks) == 0 {
		log.Info("no shutdown callbacks registered")
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := len(callbacks) - 1; i >= 0; i-- {
			cb := callbacks[i]
			log.Infof("stopping %s", cb.name)
			cb.fn(ctx)
		}
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
	case <-ctx.Done():
		log.Warnf("shutdown timed out: %v", ctx.Err())
	}
}
