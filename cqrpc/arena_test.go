// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState() *callState {
	return newCallState("m", &serverUnary{}, PhaseCreate)
}

func TestArenaTagsAreUniqueAndIncreasing(t *testing.T) {
	a := newArena(0)
	var last Tag
	for range 100 {
		c := newTestState()
		require.NoError(t, a.insert(c))
		assert.Greater(t, c.tag, last)
		last = c.tag
	}
	assert.Equal(t, 100, a.len())
}

func TestArenaTagsAreNotReused(t *testing.T) {
	a := newArena(0)
	c := newTestState()
	require.NoError(t, a.insert(c))
	first := c.tag
	require.True(t, a.remove(first))

	d := newTestState()
	require.NoError(t, a.insert(d))
	assert.NotEqual(t, first, d.tag)
	_, ok := a.lookup(first)
	assert.False(t, ok)
}

func TestArenaRemoveOnce(t *testing.T) {
	a := newArena(0)
	c := newTestState()
	require.NoError(t, a.insert(c))

	got, ok := a.lookup(c.tag)
	require.True(t, ok)
	assert.Same(t, c, got)

	assert.True(t, a.remove(c.tag))
	assert.False(t, a.remove(c.tag))
	assert.Equal(t, int64(1), a.released.Load())
}

func TestArenaLimit(t *testing.T) {
	a := newArena(2)
	require.NoError(t, a.insert(newTestState()))
	c := newTestState()
	require.NoError(t, a.insert(c))
	assert.ErrorIs(t, a.insert(newTestState()), ErrResourceExhausted)

	a.remove(c.tag)
	assert.NoError(t, a.insert(newTestState()))
}

func TestArenaEmptySignal(t *testing.T) {
	a := newArena(0)
	select {
	case <-a.empty():
	default:
		t.Fatal("new arena should report empty")
	}

	c := newTestState()
	require.NoError(t, a.insert(c))
	empty := a.empty()
	select {
	case <-empty:
		t.Fatal("arena with a call reported empty")
	default:
	}

	a.remove(c.tag)
	select {
	case <-empty:
	default:
		t.Fatal("arena did not signal empty after the last removal")
	}
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "#42", Tag(42).String())
}

func TestArenaSealRefusesInserts(t *testing.T) {
	a := newArena(0)
	c := newTestState()
	require.NoError(t, a.insert(c))

	drained := a.seal()
	assert.ErrorIs(t, a.insert(newTestState()), ErrQueueShutdown)
	assert.Equal(t, 1, a.len())
	select {
	case <-drained:
		t.Fatal("sealed arena with a call reported empty")
	default:
	}

	a.remove(c.tag)
	<-drained
	assert.ErrorIs(t, a.insert(newTestState()), ErrQueueShutdown)
}
