// Package logout notifies the embedding application that the session is gone.
package logout

import (
	"sync"
	"sync/atomic"
)

// Broadcaster holds a single logout callback. The last registration wins.
type Broadcaster struct {
	mu       sync.RWMutex
	callback func()
	fired    atomic.Int64
}

// New creates a broadcaster with no callback.
func New() *Broadcaster {
	return &Broadcaster{}
}

// SetCallback registers fn, replacing any previous callback. nil unregisters.
func (b *Broadcaster) SetCallback(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.callback = fn
}

// Fire invokes the current callback, if any. It may be called more than once for
// the same session loss; callbacks must tolerate repeated invocation.
func (b *Broadcaster) Fire() {
	b.fired.Add(1)

	b.mu.RLock()
	fn := b.callback
	b.mu.RUnlock()

	if fn != nil {
		fn()
	}
}

// Fired returns how many times Fire was called.
func (b *Broadcaster) Fired() int64 {
	return b.fired.Load()
}
