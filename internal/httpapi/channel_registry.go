package httpapi

import (
	"context"
	"sync"
	"sync/atomic"
)

// ChannelRegistry tracks open conversation channels and supports graceful
// draining. When draining is enabled, new channels are rejected while open
// ones finish their current turn.
//
// The mu mutex makes the draining check and wg.Add atomic in Add().
type ChannelRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64

	nextID  uint64
	drainFn map[uint64]func()
}

// NewChannelRegistry creates a new ChannelRegistry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{}
}

// Add registers a new channel. Returns false if the registry is draining.
func (cr *ChannelRegistry) Add() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.draining {
		return false
	}
	cr.wg.Add(1)
	cr.count.Add(1)
	return true
}

// Done marks a channel as closed. Must be called exactly once per successful Add.
func (cr *ChannelRegistry) Done() {
	cr.count.Add(-1)
	cr.wg.Done()
}

// OnDrain registers fn to run when draining starts. If the registry is
// already draining, fn runs immediately. The returned func unregisters it.
func (cr *ChannelRegistry) OnDrain(fn func()) (remove func()) {
	cr.mu.Lock()
	if cr.draining {
		cr.mu.Unlock()
		fn()
		return func() {}
	}
	if cr.drainFn == nil {
		cr.drainFn = make(map[uint64]func())
	}
	cr.nextID++
	id := cr.nextID
	cr.drainFn[id] = fn
	cr.mu.Unlock()

	return func() {
		cr.mu.Lock()
		delete(cr.drainFn, id)
		cr.mu.Unlock()
	}
}

// StartDraining sets the draining flag so that future Add calls return false,
// and notifies every open channel.
func (cr *ChannelRegistry) StartDraining() {
	cr.mu.Lock()
	if cr.draining {
		cr.mu.Unlock()
		return
	}
	cr.draining = true
	fns := make([]func(), 0, len(cr.drainFn))
	for id, fn := range cr.drainFn {
		fns = append(fns, fn)
		delete(cr.drainFn, id)
	}
	cr.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// IsDraining reports whether the registry is in draining mode.
func (cr *ChannelRegistry) IsDraining() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.draining
}

// ActiveCount returns the number of open channels.
func (cr *ChannelRegistry) ActiveCount() int64 {
	return cr.count.Load()
}

// Wait blocks until every channel has closed or ctx is done.
func (cr *ChannelRegistry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
