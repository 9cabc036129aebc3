package syncgroup

import (
	"sync"
)

// SyncGroup wraps sync.WaitGroup so callers cannot forget Done().
// Functions are queued with Add and started together by Run.
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []func()
}

func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add queues fn; it starts on the next Run.
func (w *SyncGroup) Add(fn func()) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, fn)
	w.mu.Unlock()
}

// Run starts every queued function in its own goroutine.
func (w *SyncGroup) Run() {
	w.mu.Lock()
	fns := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, fn := range fns {
		w.wg.Add(1)
		go func(f func()) {
			defer w.wg.Done()
			f()
		}(fn)
	}
}

// Wait blocks until every started function returned.
func (w *SyncGroup) Wait() {
	w.wg.Wait()
}
