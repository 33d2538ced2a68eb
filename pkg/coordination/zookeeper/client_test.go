package zookeeper

import (
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"

	"clusterkeeper/pkg/coordination"
)

func TestTranslate(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{zk.ErrNoNode, coordination.ErrNoNode},
		{zk.ErrNodeExists, coordination.ErrNodeExists},
		{zk.ErrBadVersion, coordination.ErrBadVersion},
		{zk.ErrSessionExpired, coordination.ErrSessionExpired},
		{zk.ErrNoServer, coordination.ErrConnectionLoss},
		{zk.ErrConnectionClosed, coordination.ErrConnectionLoss},
		{zk.ErrClosing, coordination.ErrClosed},
	}
	for _, tc := range cases {
		got := translate(tc.in)
		assert.ErrorIs(t, got, tc.want, "translating %v", tc.in)
		assert.ErrorIs(t, got, tc.in, "original error must stay in the chain")
	}
	assert.NoError(t, translate(nil))
}

func TestCreateFlags(t *testing.T) {
	assert.Equal(t, int32(0), createFlags(coordination.Persistent))
	assert.Equal(t, int32(zk.FlagEphemeral), createFlags(coordination.Ephemeral))
	assert.Equal(t, int32(zk.FlagEphemeral|zk.FlagSequence), createFlags(coordination.EphemeralSequential))
	assert.Equal(t, int32(zk.FlagSequence), createFlags(coordination.PersistentSequential))
}

func TestForwardWatch(t *testing.T) {
	in := make(chan zk.Event, 1)
	in <- zk.Event{Type: zk.EventNodeDeleted, Path: "/election/c_0000000001"}
	out := make(chan coordination.Event, 1)
	forwardWatch("/election/c_0000000001", in, nil, out)

	ev := <-out
	assert.Equal(t, coordination.EventNodeDeleted, ev.Type)
	assert.Equal(t, "/election/c_0000000001", ev.Path)

	closed := make(chan zk.Event)
	close(closed)
	out = make(chan coordination.Event, 1)
	forwardWatch("/service_registry", closed, nil, out)
	ev = <-out
	assert.Equal(t, coordination.EventNotWatching, ev.Type)
	assert.Equal(t, "/service_registry", ev.Path)
	assert.ErrorIs(t, ev.Err, coordination.ErrClosed)
}

func TestCancelWatch_StopsAdapter(t *testing.T) {
	c := &Client{}
	pending := make(chan zk.Event, 1)
	watch := c.watch("/election/c_0000000003", pending)

	c.CancelWatch(watch)
	_, open := <-watch
	assert.False(t, open, "cancelled watch must close without an event")
	assert.Eventually(t, func() bool {
		_, tracked := c.watches.Load(watch)
		return !tracked
	}, time.Second, 5*time.Millisecond)

	// The late server-side event lands in the buffer and is dropped.
	pending <- zk.Event{Type: zk.EventNodeCreated}
	c.CancelWatch(watch)
}
