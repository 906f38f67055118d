// Package store is the shared live-location store: one sample per
// (bus, reporter), full-snapshot change notifications and bulk expiry.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"crowdbus/internal/bus"
)

// ErrTransient wraps network and permission failures talking to the store.
var ErrTransient = errors.New("store: transient failure")

// ChangeFunc receives the full current sample set for a bus, never a delta.
type ChangeFunc func(samples []bus.GeoSample)

type ErrorFunc func(err error)

type Store interface {
	// Upsert overwrites the sample held for (busID, reporterID).
	Upsert(ctx context.Context, busID, reporterID string, s bus.GeoSample) error
	// Remove deletes the sample held for (busID, reporterID), if any.
	Remove(ctx context.Context, busID, reporterID string) error
	// Snapshot returns the current sample set for busID.
	Snapshot(ctx context.Context, busID string) ([]bus.GeoSample, error)
	// Subscribe delivers the current set immediately and again after every
	// change. The returned func releases the subscription and is idempotent.
	Subscribe(ctx context.Context, busID string, onChange ChangeFunc, onError ErrorFunc) (unsubscribe func(), err error)
	// RemoveStale deletes samples with Time before olderThan, and any entry
	// that cannot be decoded, and reports how many.
	RemoveStale(ctx context.Context, busID string, olderThan time.Time) (int, error)
	Connectivity() *Connectivity
}

// Connectivity is an observable connected/disconnected flag.
type Connectivity struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	watchers  map[int]func(bool)
}

func NewConnectivity(connected bool) *Connectivity {
	return &Connectivity{connected: connected, watchers: make(map[int]func(bool))}
}

func (c *Connectivity) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Set updates the state and notifies watchers when it changes.
func (c *Connectivity) Set(connected bool) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	fns := make([]func(bool), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// Watch registers fn for state changes. The returned func unregisters it.
func (c *Connectivity) Watch(fn func(connected bool)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}
