package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamAppendOrdering(t *testing.T) {
	s := NewStreamStore()

	_, err := s.ResolveAndAppend("s", "1-1", 0, []string{"a", "b"})
	require.NoError(t, err)

	_, err = s.ResolveAndAppend("s", "1-1", 0, nil)
	require.ErrorIs(t, err, ErrStreamIDTooSmall)

	_, err = s.ResolveAndAppend("s", "1-2", 0, []string{"c", "d"})
	require.NoError(t, err)

	entries := s.Range("s", streamIDMin, streamIDMax)
	require.Len(t, entries, 2)
	assert.Equal(t, StreamID{1, 1}, entries[0].ID)
	assert.Equal(t, StreamID{1, 2}, entries[1].ID)
}

func TestStreamResolveAutoSequence(t *testing.T) {
	s := NewStreamStore()

	id, err := s.ResolveAndAppend("s", "5-*", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StreamID{5, 0}, id)

	id, err = s.ResolveAndAppend("s", "5-*", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, StreamID{5, 1}, id)
}

func TestStreamResolveZeroZeroRejected(t *testing.T) {
	s := NewStreamStore()
	_, err := s.ResolveAndAppend("s", "0-0", 0, nil)
	assert.ErrorIs(t, err, ErrStreamIDZero)
}

func TestStreamResolveStar(t *testing.T) {
	s := NewStreamStore()

	_, err := s.ResolveAndAppend("s", "*", 100, nil)
	require.NoError(t, err)

	id2, err := s.ResolveAndAppend("s", "*", 100, nil)
	require.NoError(t, err)
	assert.Equal(t, StreamID{100, 1}, id2)
}

func TestStreamResolveStarConcurrentNeverCollides(t *testing.T) {
	s := NewStreamStore()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ResolveAndAppend("s", "*", 100, nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	entries := s.Range("s", streamIDMin, streamIDMax)
	require.Len(t, entries, n)
	for i := 1; i < len(entries); i++ {
		assert.True(t, entries[i-1].ID.Less(entries[i].ID))
	}
}

func TestStreamRangeBounds(t *testing.T) {
	s := NewStreamStore()
	for _, id := range []StreamID{{1, 1}, {1, 2}, {2, 0}} {
		_, err := s.ResolveAndAppend("s", idSpecFor(id), 0, nil)
		require.NoError(t, err)
	}

	entries := s.Range("s", StreamID{1, 2}, StreamID{2, 0})
	require.Len(t, entries, 2)
	assert.Equal(t, StreamID{1, 2}, entries[0].ID)
	assert.Equal(t, StreamID{2, 0}, entries[1].ID)
}

func TestStreamReadBlockingWakesOnAppend(t *testing.T) {
	s := NewStreamStore()
	block := 2 * time.Second

	var wg sync.WaitGroup
	wg.Add(1)
	var got map[string][]StreamEntry
	go func() {
		defer wg.Done()
		got = s.ReadBlocking([]string{"s"}, []StreamID{{0, 0}}, &block)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := s.ResolveAndAppend("s", "1-0", 0, []string{"k", "v"})
	require.NoError(t, err)

	wg.Wait()
	require.Contains(t, got, "s")
	assert.Len(t, got["s"], 1)
}

func TestStreamReadBlockingTimesOut(t *testing.T) {
	s := NewStreamStore()
	block := 30 * time.Millisecond

	got := s.ReadBlocking([]string{"s"}, []StreamID{{0, 0}}, &block)
	assert.Nil(t, got)
}

func TestStreamReadNonBlockingReturnsNilWithoutData(t *testing.T) {
	s := NewStreamStore()
	got := s.ReadBlocking([]string{"s"}, []StreamID{{0, 0}}, nil)
	assert.Nil(t, got)
}

func idSpecFor(id StreamID) string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}
