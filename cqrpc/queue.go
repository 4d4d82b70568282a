// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"sync"
)

// Event is one completion delivered by a [CompletionQueue]: the tag of the
// call whose operation completed, and whether it completed successfully.
type Event struct {
	Tag Tag
	OK  bool
}

// CompletionQueue is a thread-safe, blocking, multi-producer/multi-consumer
// queue of completion events. Transports post exactly one event per
// submitted operation; event loops consume them with [CompletionQueue.Next].
//
// After [CompletionQueue.Shutdown], queued events are still delivered and
// Next reports [ErrQueueShutdown] once the queue is empty.
type CompletionQueue struct {
	mu       sync.Mutex
	events   []Event
	head     int
	shutdown bool
	notify   chan struct{}
	done     chan struct{}
}

// NewCompletionQueue creates an empty queue.
func NewCompletionQueue() *CompletionQueue {
	return &CompletionQueue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post enqueues an event. Events posted after Shutdown are rejected with
// [ErrQueueShutdown]; transports must complete their outstanding operations
// before the owner shuts the queue down.
func (q *CompletionQueue) Post(tag Tag, ok bool) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return ErrQueueShutdown
	}
	q.events = append(q.events, Event{Tag: tag, OK: ok})
	q.mu.Unlock()
	q.wake()
	return nil
}

// Next blocks until an event is available, the queue is shut down and
// drained, or ctx is done.
func (q *CompletionQueue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if q.head < len(q.events) {
			ev := q.events[q.head]
			q.events[q.head] = Event{}
			q.head++
			more := q.head < len(q.events)
			if !more {
				q.events = q.events[:0]
				q.head = 0
			} else if q.head > 1024 && q.head*2 > len(q.events) {
				n := copy(q.events, q.events[q.head:])
				q.events = q.events[:n]
				q.head = 0
			}
			q.mu.Unlock()
			if more {
				// pass the baton to another waiting consumer
				q.wake()
			}
			return ev, nil
		}
		if q.shutdown {
			q.mu.Unlock()
			return Event{}, ErrQueueShutdown
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Len returns the number of queued, undelivered events.
func (q *CompletionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) - q.head
}

// Shutdown stops the queue from accepting new events. It is idempotent.
func (q *CompletionQueue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return
	}
	q.shutdown = true
	close(q.done)
}

// IsShutdown reports whether Shutdown has been called.
func (q *CompletionQueue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

func (q *CompletionQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
