package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterkeeper/pkg/coordination"
)

func TestSequentialCreate_FixedWidthMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	c := store.Connect()

	_, err := c.Create(ctx, "/election", nil, coordination.Persistent)
	require.NoError(t, err)

	first, err := c.Create(ctx, "/election/c_", nil, coordination.EphemeralSequential)
	require.NoError(t, err)
	second, err := c.Create(ctx, "/election/c_", nil, coordination.EphemeralSequential)
	require.NoError(t, err)

	assert.Equal(t, "/election/c_0000000000", first)
	assert.Equal(t, "/election/c_0000000001", second)
}

func TestCreate_Errors(t *testing.T) {
	ctx := context.Background()
	c := NewStore().Connect()

	_, err := c.Create(ctx, "/missing/child", nil, coordination.Persistent)
	assert.ErrorIs(t, err, coordination.ErrNoNode)

	_, err = c.Create(ctx, "/ns", nil, coordination.Persistent)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/ns", nil, coordination.Persistent)
	assert.ErrorIs(t, err, coordination.ErrNodeExists)

	_, err = c.Create(ctx, "relative", nil, coordination.Persistent)
	assert.Error(t, err)
}

func TestSessionEnd_ReapsEphemeralsAndNotifiesWatchers(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	owner := store.Connect()
	observer := store.Connect()

	_, err := owner.Create(ctx, "/ns", nil, coordination.Persistent)
	require.NoError(t, err)
	path, err := owner.Create(ctx, "/ns/n_", []byte("a"), coordination.EphemeralSequential)
	require.NoError(t, err)

	stat, deleted, err := observer.ExistsW(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, owner.ID(), stat.EphemeralOwner)

	_, ownWatch, err := owner.ChildrenW(ctx, "/ns")
	require.NoError(t, err)

	owner.Expire()

	ev := <-deleted
	assert.Equal(t, coordination.EventNodeDeleted, ev.Type)
	assert.Equal(t, path, ev.Path)

	ev = <-ownWatch
	assert.Equal(t, coordination.EventNotWatching, ev.Type)
	assert.True(t, errors.Is(ev.Err, coordination.ErrSessionExpired))

	_, err = owner.Children(ctx, "/ns")
	assert.ErrorIs(t, err, coordination.ErrSessionExpired)

	children, err := observer.Children(ctx, "/ns")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestWatches_AreOneShot(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	c := store.Connect()
	_, err := c.Create(ctx, "/ns", nil, coordination.Persistent)
	require.NoError(t, err)

	_, watch, err := c.ChildrenW(ctx, "/ns")
	require.NoError(t, err)

	_, err = c.Create(ctx, "/ns/a", nil, coordination.Ephemeral)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/ns/b", nil, coordination.Ephemeral)
	require.NoError(t, err)

	ev, ok := <-watch
	require.True(t, ok)
	assert.Equal(t, coordination.EventNodeChildrenChanged, ev.Type)
	_, ok = <-watch
	assert.False(t, ok, "watch channel must close after its single event")
}

func TestDelete_Version(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	c := store.Connect()
	_, err := c.Create(ctx, "/n", []byte("v0"), coordination.Persistent)
	require.NoError(t, err)
	require.NoError(t, store.SetData("/n", []byte("v1")))

	assert.ErrorIs(t, c.Delete(ctx, "/n", 0), coordination.ErrBadVersion)
	require.NoError(t, c.Delete(ctx, "/n", 1))
	assert.ErrorIs(t, c.Delete(ctx, "/n", coordination.AnyVersion), coordination.ErrNoNode)
}

func TestHook_InjectsFailures(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	c := store.Connect()
	store.SetHook(func(_ int64, op Op, _ string) error {
		if op == OpGet {
			return coordination.ErrConnectionLoss
		}
		return nil
	})

	_, err := c.Create(ctx, "/n", nil, coordination.Persistent)
	require.NoError(t, err)
	_, _, err = c.Get(ctx, "/n")
	assert.ErrorIs(t, err, coordination.ErrConnectionLoss)
}

func TestCancelWatch_ClosesWithoutEvent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	c := store.Connect()

	_, missing, err := c.ExistsW(ctx, "/gone")
	require.NoError(t, err)
	_, kept, err := c.ExistsW(ctx, "/gone")
	require.NoError(t, err)
	require.Equal(t, 2, store.PendingWatches())

	coordination.CancelWatch(c, missing)
	assert.Equal(t, 1, store.PendingWatches())
	_, open := <-missing
	assert.False(t, open, "cancelled watch must close without an event")

	_, err = c.Create(ctx, "/gone", nil, coordination.Persistent)
	require.NoError(t, err)
	ev := <-kept
	assert.Equal(t, coordination.EventNodeCreated, ev.Type)
	assert.Zero(t, store.PendingWatches())

	// Cancelling a fired watch is a no-op.
	coordination.CancelWatch(c, kept)
}
