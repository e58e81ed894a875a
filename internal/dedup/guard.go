// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dedup suppresses re-processing of provider message IDs seen within
// a short window. The in-memory Guard is authoritative; an optional Remote
// mirror (Redis) extends suppression across restarts and replicas.
package dedup

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultWindow is how long a seen ID suppresses reprocessing.
	DefaultWindow = 5 * time.Minute

	// DefaultCapacity bounds the number of remembered IDs.
	DefaultCapacity = 1000

	// DefaultSweepInterval is how often expired IDs are evicted.
	DefaultSweepInterval = time.Minute
)

// Remote is a shared seen-set consulted after the local guard.
type Remote interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
	Forget(ctx context.Context, id string) error
}

type entry struct {
	id string
	at time.Time
}

// Guard is a windowed, capacity-bounded set of message IDs. Entries are kept
// in insertion order so both eviction stages drop the oldest first.
type Guard struct {
	window   time.Duration
	capacity int
	remote   Remote
	now      func() time.Time

	mu    sync.Mutex
	order *list.List // *entry, oldest at front
	index map[string]*list.Element
}

// Option configures a Guard.
type Option func(*Guard)

// WithRemote mirrors decisions into a shared store.
func WithRemote(r Remote) Option {
	return func(g *Guard) { g.remote = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a guard. Non-positive window or capacity use the defaults.
func New(window time.Duration, capacity int, opts ...Option) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	g := &Guard{
		window:   window,
		capacity: capacity,
		now:      time.Now,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldProcess reports whether id is new, marking it seen if so. An empty id
// is always new and never recorded.
func (g *Guard) ShouldProcess(ctx context.Context, id string) bool {
	if id == "" {
		return true
	}

	g.mu.Lock()
	now := g.now()
	if el, ok := g.index[id]; ok {
		if now.Sub(el.Value.(*entry).at) < g.window {
			g.mu.Unlock()
			return false
		}
		g.removeLocked(el)
	}
	g.insertLocked(id, now)
	g.mu.Unlock()

	if g.remote == nil {
		return true
	}
	isNew, err := g.remote.IsNew(ctx, id)
	if err != nil {
		slog.Warn("remote dedup check failed, using local decision",
			"message_id", id,
			"error", err,
		)
		return true
	}
	return isNew
}

// MarkSeen records id as seen without asking. Used after the relay itself
// sends a message so the platform's echo of it is suppressed.
func (g *Guard) MarkSeen(ctx context.Context, id string) {
	if id == "" {
		return
	}

	g.mu.Lock()
	if el, ok := g.index[id]; ok {
		g.removeLocked(el)
	}
	g.insertLocked(id, g.now())
	g.mu.Unlock()

	if g.remote != nil {
		if err := g.remote.Mark(ctx, id); err != nil {
			slog.Warn("remote dedup mark failed", "message_id", id, "error", err)
		}
	}
}

// Forget removes id so a redelivery is processed again.
func (g *Guard) Forget(ctx context.Context, id string) {
	if id == "" {
		return
	}

	g.mu.Lock()
	if el, ok := g.index[id]; ok {
		g.removeLocked(el)
	}
	g.mu.Unlock()

	if g.remote != nil {
		if err := g.remote.Forget(ctx, id); err != nil {
			slog.Warn("remote dedup forget failed", "message_id", id, "error", err)
		}
	}
}

// Seen reports whether id is currently suppressed, without side effects.
func (g *Guard) Seen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	el, ok := g.index[id]
	return ok && g.now().Sub(el.Value.(*entry).at) < g.window
}

// Len returns the number of remembered IDs.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.order.Len()
}

// Sweep evicts expired entries, then the oldest entries beyond capacity.
// It returns the number removed.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for el := g.order.Front(); el != nil; el = g.order.Front() {
		if now.Sub(el.Value.(*entry).at) < g.window {
			break
		}
		g.removeLocked(el)
		removed++
	}
	removed += g.trimLocked()
	return removed
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				slog.Info("dedup cache swept", "removed", n, "size", g.Len())
			}
		}
	}
}

func (g *Guard) insertLocked(id string, at time.Time) {
	g.index[id] = g.order.PushBack(&entry{id: id, at: at})
	g.trimLocked()
}

func (g *Guard) trimLocked() int {
	removed := 0
	for g.order.Len() > g.capacity {
		g.removeLocked(g.order.Front())
		removed++
	}
	return removed
}

func (g *Guard) removeLocked(el *list.Element) {
	delete(g.index, el.Value.(*entry).id)
	g.order.Remove(el)
}
