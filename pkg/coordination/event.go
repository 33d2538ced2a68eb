package coordination

import "fmt"

// EventType tags the kind of change a watch observed.
type EventType int

const (
	EventNodeCreated EventType = iota + 1
	EventNodeDeleted
	EventNodeDataChanged
	EventNodeChildrenChanged
	// EventNotWatching is delivered when a watch is dropped without observing a
	// change, e.g. because the session ended.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventNodeCreated:
		return "node-created"
	case EventNodeDeleted:
		return "node-deleted"
	case EventNodeDataChanged:
		return "node-data-changed"
	case EventNodeChildrenChanged:
		return "node-children-changed"
	case EventNotWatching:
		return "not-watching"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a single watch notification.
type Event struct {
	Type EventType
	Path string
	Err  error
}

// FiredWatch returns a watch channel that has already fired with ev. Backends use
// it when a watch cannot be armed but the caller still expects a notification.
func FiredWatch(ev Event) <-chan Event {
	ch := make(chan Event, 1)
	ch <- ev
	close(ch)
	return ch
}
