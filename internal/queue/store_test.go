package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrelay/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(DefaultCapacity, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func msgEvent(text string) *types.Event {
	return types.NewEvent(types.EventMessage, map[string]interface{}{"text": text})
}

func TestEnqueueDrainOrder(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue("s1", "pat-1", msgEvent(fmt.Sprintf("m%d", i))))
	}
	assert.Equal(t, 5, s.Pending("s1", "pat-1"))

	var got []string
	n, err := s.Drain("s1", "pat-1", func(qm *types.QueuedMessage) error {
		got = append(got, qm.Event.Get("text"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, got)
	assert.Equal(t, 0, s.Pending("s1", "pat-1"))
}

func TestDrainEmptyQueue(t *testing.T) {
	s := newTestStore(t)
	n, err := s.Drain("s1", "nobody", func(*types.QueuedMessage) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	s, err := OpenInMemory(3, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Enqueue("s1", "pat-1", msgEvent(fmt.Sprintf("m%d", i))))
	}
	assert.Equal(t, 3, s.Pending("s1", "pat-1"))

	var got []string
	_, err = s.Drain("s1", "pat-1", func(qm *types.QueuedMessage) error {
		got = append(got, qm.Event.Get("text"))
		return nil
	})
	require.NoError(t, err)
	// Oldest dropped, newest kept.
	assert.Equal(t, []string{"m7", "m8", "m9"}, got)
}

func TestDrainStopsOnFailureAndPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Enqueue("s1", "pat-1", msgEvent(fmt.Sprintf("m%d", i))))
	}

	failAfter := 2
	delivered := 0
	n, err := s.Drain("s1", "pat-1", func(*types.QueuedMessage) error {
		if delivered == failAfter {
			return errors.New("socket gone")
		}
		delivered++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, n)
	// The failed message went back to the front, not the back.
	assert.Equal(t, 2, s.Pending("s1", "pat-1"))

	var got []string
	n, err = s.Drain("s1", "pat-1", func(qm *types.QueuedMessage) error {
		got = append(got, qm.Event.Get("text"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m2", "m3"}, got)
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.Nop()

	s, err := Open(dir, DefaultCapacity, logger)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue("s1", "pat-1", msgEvent("persisted-1")))
	require.NoError(t, s.Enqueue("s1", "pat-1", msgEvent("persisted-2")))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, DefaultCapacity, logger)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Pending("s1", "pat-1"))
	var got []string
	_, err = reopened.Drain("s1", "pat-1", func(qm *types.QueuedMessage) error {
		got = append(got, qm.Event.Get("text"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"persisted-1", "persisted-2"}, got)
}

func TestDrainedQueueLeavesNoRecord(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.Nop()

	s, err := Open(dir, DefaultCapacity, logger)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue("s1", "pat-1", msgEvent("once")))
	_, err = s.Drain("s1", "pat-1", func(*types.QueuedMessage) error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, DefaultCapacity, logger)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Zero(t, reopened.Pending("s1", "pat-1"))
}

func TestDropSession(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue("s1", "pat-1", msgEvent("a")))
	require.NoError(t, s.Enqueue("s1", "prov-1", msgEvent("b")))
	require.NoError(t, s.Enqueue("s2", "pat-9", msgEvent("c")))

	require.NoError(t, s.DropSession("s1"))

	assert.Zero(t, s.Pending("s1", "pat-1"))
	assert.Zero(t, s.Pending("s1", "prov-1"))
	// Other sessions untouched.
	assert.Equal(t, 1, s.Pending("s2", "pat-9"))
}

func TestQueuesAreIndependentPerParticipant(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Enqueue("s1", "pat-1", msgEvent("for-patient")))
	require.NoError(t, s.Enqueue("s1", "prov-1", msgEvent("for-provider")))

	assert.Equal(t, 1, s.Pending("s1", "pat-1"))
	assert.Equal(t, 1, s.Pending("s1", "prov-1"))
}
