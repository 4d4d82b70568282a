// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Tag is the identity of a call state. It correlates every submitted
// transport operation with its completion event. Tags are never reused
// within a process.
type Tag uint64

func (t Tag) String() string {
	return "#" + strconv.FormatUint(uint64(t), 10)
}

var lastTag atomic.Uint64

func nextTag() Tag {
	return Tag(lastTag.Add(1))
}

// arena owns every live call state, keyed by tag. A state is inserted when
// it is created and removed exactly once when its transition releases it.
type arena struct {
	mu       sync.Mutex
	calls    map[Tag]*callState
	limit    int
	sealed   bool
	released atomic.Int64
	idle     chan struct{} // closed while the arena is empty
}

func newArena(limit int) *arena {
	idle := make(chan struct{})
	close(idle)
	return &arena{
		calls: make(map[Tag]*callState),
		limit: limit,
		idle:  idle,
	}
}

// insert assigns a fresh tag to c and stores it. It fails with
// ErrResourceExhausted when the arena is at its limit and with
// ErrQueueShutdown once the arena is sealed.
func (a *arena) insert(c *callState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sealed {
		return ErrQueueShutdown
	}
	if a.limit > 0 && len(a.calls) >= a.limit {
		return ErrResourceExhausted
	}
	c.tag = nextTag()
	if len(a.calls) == 0 {
		a.idle = make(chan struct{})
	}
	a.calls[c.tag] = c
	return nil
}

func (a *arena) lookup(tag Tag) (*callState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.calls[tag]
	return c, ok
}

// remove deletes tag and reports whether it was present.
func (a *arena) remove(tag Tag) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.calls[tag]; !ok {
		return false
	}
	delete(a.calls, tag)
	a.released.Add(1)
	if len(a.calls) == 0 {
		close(a.idle)
	}
	return true
}

func (a *arena) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// empty returns a channel that is closed once the arena holds no calls.
func (a *arena) empty() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idle
}

// seal refuses further inserts and returns the channel closed once the
// calls already stored are gone.
func (a *arena) seal() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sealed = true
	return a.idle
}

// snapshot returns the live states; used for introspection only.
func (a *arena) snapshot() []*callState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*callState, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, c)
	}
	return out
}
