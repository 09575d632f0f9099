// Package inflight keeps at most one outstanding call per endpoint key.
//
// Starting a call on a key that already has one in flight cancels the older call
// with ErrSuperseded as the context cause. Only the latest answer for a key is
// meant to reach the caller.
package inflight

import (
	"context"
	"errors"
	"sync"
)

// ErrSuperseded is the cancellation cause of a call replaced by a newer one.
var ErrSuperseded = errors.New("superseded by a newer request")

// handle is the cancellation handle of one outstanding call.
type handle struct {
	cancel context.CancelCauseFunc
}

// Registry maps endpoint keys to the handle of their outstanding call.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*handle

	superseded int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*handle)}
}

// Track registers a call on key and returns its context and a release function
// that must be called once the call settled.
//
// An empty key is never tracked: the call gets a plain child context.
func (r *Registry) Track(parent context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	if key == "" {
		return ctx, func() { cancel(nil) }
	}

	h := &handle{cancel: cancel}

	r.mu.Lock()
	if prev, found := r.entries[key]; found {
		prev.cancel(ErrSuperseded)
		r.superseded++
	}
	r.entries[key] = h
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		// The entry may already point at a newer call.
		if r.entries[key] == h {
			delete(r.entries, key)
		}
		r.mu.Unlock()

		cancel(nil)
	}

	return ctx, release
}

// Superseded reports whether ctx was canceled because a newer call took its key.
func Superseded(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrSuperseded)
}

// Stats returns how many calls were superseded so far and how many keys are in flight.
func (r *Registry) Stats() (int64, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.superseded, len(r.entries)
}
