// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDeliversInPostOrder(t *testing.T) {
	q := NewCompletionQueue()
	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Post(Tag(i), i%2 == 0))
	}
	assert.Equal(t, 5, q.Len())
	for i := 1; i <= 5; i++ {
		ev, err := q.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Event{Tag: Tag(i), OK: i%2 == 0}, ev)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueShutdownDrainsThenFails(t *testing.T) {
	q := NewCompletionQueue()
	require.NoError(t, q.Post(1, true))
	require.NoError(t, q.Post(2, false))
	q.Shutdown()
	q.Shutdown() // idempotent
	assert.True(t, q.IsShutdown())

	assert.ErrorIs(t, q.Post(3, true), ErrQueueShutdown)

	ev, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Tag(1), ev.Tag)
	ev, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Event{Tag: 2, OK: false}, ev)

	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueShutdown)
}

func TestQueueNextBlocksUntilPost(t *testing.T) {
	q := NewCompletionQueue()
	got := make(chan Event, 1)
	go func() {
		ev, err := q.Next(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before any event was posted")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, q.Post(7, true))
	select {
	case ev := <-got:
		assert.Equal(t, Tag(7), ev.Tag)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestQueueNextWakesOnShutdown(t *testing.T) {
	q := NewCompletionQueue()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Shutdown()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrQueueShutdown)
	case <-time.After(time.Second):
		t.Fatal("Next did not observe shutdown")
	}
}

func TestQueueNextHonoursContext(t *testing.T) {
	q := NewCompletionQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueManyConsumersSeeEveryEventOnce(t *testing.T) {
	q := NewCompletionQueue()
	const events = 5000
	const consumers = 8

	var mu sync.Mutex
	seen := make(map[Tag]int)
	var wg sync.WaitGroup
	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, err := q.Next(context.Background())
				if err != nil {
					return
				}
				mu.Lock()
				seen[ev.Tag]++
				mu.Unlock()
			}
		}()
	}
	for i := 1; i <= events; i++ {
		require.NoError(t, q.Post(Tag(i), true))
	}
	q.Shutdown()
	wg.Wait()

	require.Len(t, seen, events)
	for tag, n := range seen {
		require.Equal(t, 1, n, "tag %v", tag)
	}
}
