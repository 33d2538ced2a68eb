package coordination

import (
	"context"
	"errors"
)

var (
	// ErrNoNode is returned when the addressed node does not exist.
	ErrNoNode = errors.New("node does not exist")
	// ErrNodeExists is returned when creating a node that is already present.
	ErrNodeExists = errors.New("node already exists")
	// ErrBadVersion is returned when a conditional delete loses against a newer write.
	ErrBadVersion = errors.New("node version mismatch")
	// ErrSessionExpired means the session owning our ephemeral nodes is gone.
	ErrSessionExpired = errors.New("coordination session expired")
	// ErrConnectionLoss means the store could not be reached (CoordinationUnavailable).
	ErrConnectionLoss = errors.New("coordination store unavailable")
	// ErrClosed is returned by a client after Close.
	ErrClosed = errors.New("coordination client closed")
)

// AnyVersion makes Delete unconditional.
const AnyVersion int64 = -1

// CreateMode selects the lifetime and naming of a created node.
type CreateMode int

const (
	Persistent CreateMode = iota
	Ephemeral
	EphemeralSequential
	PersistentSequential
)

func (m CreateMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	case EphemeralSequential:
		return "ephemeral-sequential"
	case PersistentSequential:
		return "persistent-sequential"
	default:
		return "unknown"
	}
}

// IsEphemeral reports whether nodes created with m die with the session.
func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// IsSequential reports whether the store appends a sequence suffix.
func (m CreateMode) IsSequential() bool {
	return m == EphemeralSequential || m == PersistentSequential
}

// Stat is the metadata of a node.
type Stat struct {
	// Version counts data changes since creation, starting at 0.
	Version        int64
	CreatedIndex   int64
	ModifiedIndex  int64
	EphemeralOwner int64
	DataLength     int
	NumChildren    int
}

// Client is the surface of the coordination store consumed by the election and
// registry components. Implementations must be safe for concurrent use.
//
// Watch channels returned by the W variants deliver exactly one Event and are then
// closed. If the session ends before the watch fires, an EventNotWatching is
// delivered instead.
type Client interface {
	// Create creates a node and returns its assigned path. Sequential modes append
	// a zero-padded, monotonically increasing suffix to path.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)

	// Exists returns the node's stat, or nil without error when it is absent.
	Exists(ctx context.Context, path string) (*Stat, error)

	// ExistsW is Exists plus a one-shot watch on creation, deletion or data change.
	ExistsW(ctx context.Context, path string) (*Stat, <-chan Event, error)

	// Children returns the names of the direct children of path, unsorted.
	Children(ctx context.Context, path string) ([]string, error)

	// ChildrenW is Children plus a one-shot children-changed watch.
	ChildrenW(ctx context.Context, path string) ([]string, <-chan Event, error)

	// Get returns the payload and stat of a node.
	Get(ctx context.Context, path string) ([]byte, *Stat, error)

	// Delete removes a node. AnyVersion removes it unconditionally.
	Delete(ctx context.Context, path string, version int64) error

	// Close ends the session, releasing every ephemeral node it owns.
	Close() error
}

// WatchCanceler is implemented by clients that can drop a pending watch before
// it fires. A cancelled watch channel is closed without delivering an event.
type WatchCanceler interface {
	CancelWatch(watch <-chan Event)
}

// CancelWatch drops watch when client supports it. Otherwise the watch stays
// pending until it fires or the session ends.
func CancelWatch(client Client, watch <-chan Event) {
	if watch == nil {
		return
	}
	if c, ok := client.(WatchCanceler); ok {
		c.CancelWatch(watch)
	}
}
