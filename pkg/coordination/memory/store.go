// Package memory is an in-process coordination store with ZooKeeper semantics:
// a node tree, per-session ephemeral nodes, sequential naming and one-shot
// watches. It backs unit tests and single-process runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"clusterkeeper/pkg/coordination"
)

// Op names a client operation, for hooks.
type Op string

const (
	OpCreate    Op = "create"
	OpExists    Op = "exists"
	OpChildren  Op = "children"
	OpGet       Op = "get"
	OpDelete    Op = "delete"
	OpExistsW   Op = "existsw"
	OpChildrenW Op = "childrenw"
)

// Hook runs before an operation reaches the store. A non-nil error fails the
// operation without touching the tree.
type Hook func(session int64, op Op, path string) error

type node struct {
	data     []byte
	stat     coordination.Stat
	children map[string]struct{}
	nextSeq  int64
}

type watcher struct {
	session int64
	ch      chan coordination.Event
}

// Store is the shared tree. Connect sessions to it.
type Store struct {
	mu            sync.Mutex
	nodes         map[string]*node
	index         int64
	nextSession   int64
	live          map[int64]bool
	existsWatches map[string][]watcher
	childWatches  map[string][]watcher
	hook          Hook
}

// NewStore creates an empty tree containing only the root.
func NewStore() *Store {
	return &Store{
		nodes: map[string]*node{
			"/": {children: map[string]struct{}{}},
		},
		live:          map[int64]bool{},
		existsWatches: map[string][]watcher{},
		childWatches:  map[string][]watcher{},
	}
}

// SetHook installs h for every subsequent operation of every session.
func (s *Store) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Connect opens a new session.
func (s *Store) Connect() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	id := s.nextSession
	s.live[id] = true
	return &Session{store: s, id: id}
}

// Paths returns every node path, sorted. Useful for assertions.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s *Store) runHook(session int64, op Op, path string) error {
	s.mu.Lock()
	h := s.hook
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(session, op, path)
}

// checkSession must hold lock.
func (s *Store) checkSession(id int64) error {
	if !s.live[id] {
		return coordination.ErrSessionExpired
	}
	return nil
}

// fire delivers ev to every watcher in watches[path] and clears them (must hold lock).
func fire(watches map[string][]watcher, path string, ev coordination.Event) {
	for _, w := range watches[path] {
		w.ch <- ev
		close(w.ch)
	}
	delete(watches, path)
}

func (s *Store) create(session int64, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", coordination.ErrNodeExists
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(session); err != nil {
		return "", err
	}

	parentPath := coordination.Parent(path)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", fmt.Errorf("parent %s: %w", parentPath, coordination.ErrNoNode)
	}
	if parent.stat.EphemeralOwner != 0 {
		return "", fmt.Errorf("ephemeral parent %s cannot have children", parentPath)
	}
	if mode.IsSequential() {
		path += coordination.FormatSequence(parent.nextSeq)
		parent.nextSeq++
	}
	if _, exists := s.nodes[path]; exists {
		return "", coordination.ErrNodeExists
	}

	s.index++
	n := &node{
		data:     append([]byte(nil), data...),
		children: map[string]struct{}{},
		stat: coordination.Stat{
			CreatedIndex:  s.index,
			ModifiedIndex: s.index,
			DataLength:    len(data),
		},
	}
	if mode.IsEphemeral() {
		n.stat.EphemeralOwner = session
	}
	s.nodes[path] = n
	parent.children[coordination.Base(path)] = struct{}{}
	parent.stat.NumChildren = len(parent.children)

	fire(s.existsWatches, path, coordination.Event{Type: coordination.EventNodeCreated, Path: path})
	fire(s.childWatches, parentPath, coordination.Event{Type: coordination.EventNodeChildrenChanged, Path: parentPath})
	return path, nil
}

// remove deletes path from the tree and fires watches (must hold lock).
func (s *Store) remove(path string) {
	delete(s.nodes, path)
	parentPath := coordination.Parent(path)
	if parent, ok := s.nodes[parentPath]; ok {
		delete(parent.children, coordination.Base(path))
		parent.stat.NumChildren = len(parent.children)
	}
	fire(s.existsWatches, path, coordination.Event{Type: coordination.EventNodeDeleted, Path: path})
	fire(s.childWatches, path, coordination.Event{Type: coordination.EventNodeDeleted, Path: path})
	fire(s.childWatches, parentPath, coordination.Event{Type: coordination.EventNodeChildrenChanged, Path: parentPath})
}

func (s *Store) delete(session int64, path string, version int64) error {
	if err := coordination.ValidatePath(path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(session); err != nil {
		return err
	}

	n, ok := s.nodes[path]
	if !ok || path == "/" {
		return coordination.ErrNoNode
	}
	if version != coordination.AnyVersion && n.stat.Version != version {
		return coordination.ErrBadVersion
	}
	if len(n.children) > 0 {
		return fmt.Errorf("delete %s: node has children", path)
	}
	s.remove(path)
	return nil
}

func (s *Store) exists(session int64, path string, watch bool) (*coordination.Stat, <-chan coordination.Event, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(session); err != nil {
		return nil, nil, err
	}

	var stat *coordination.Stat
	if n, ok := s.nodes[path]; ok {
		st := n.stat
		stat = &st
	}
	if !watch {
		return stat, nil, nil
	}
	ch := make(chan coordination.Event, 1)
	s.existsWatches[path] = append(s.existsWatches[path], watcher{session: session, ch: ch})
	return stat, ch, nil
}

func (s *Store) children(session int64, path string, watch bool) ([]string, <-chan coordination.Event, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(session); err != nil {
		return nil, nil, err
	}

	n, ok := s.nodes[path]
	if !ok {
		return nil, nil, coordination.ErrNoNode
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	if !watch {
		return names, nil, nil
	}
	ch := make(chan coordination.Event, 1)
	s.childWatches[path] = append(s.childWatches[path], watcher{session: session, ch: ch})
	return names, ch, nil
}

func (s *Store) get(session int64, path string) ([]byte, *coordination.Stat, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkSession(session); err != nil {
		return nil, nil, err
	}

	n, ok := s.nodes[path]
	if !ok {
		return nil, nil, coordination.ErrNoNode
	}
	st := n.stat
	return append([]byte(nil), n.data...), &st, nil
}

// SetData replaces a node's payload, bumping its version. It is not part of the
// client surface; tests use it to trigger data watches.
func (s *Store) SetData(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return coordination.ErrNoNode
	}
	s.index++
	n.data = append([]byte(nil), data...)
	n.stat.Version++
	n.stat.ModifiedIndex = s.index
	n.stat.DataLength = len(data)
	fire(s.existsWatches, path, coordination.Event{Type: coordination.EventNodeDataChanged, Path: path})
	return nil
}

// cancelWatch drops the pending watcher delivering to ch and closes it.
func (s *Store) cancelWatch(ch <-chan coordination.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, watches := range []map[string][]watcher{s.existsWatches, s.childWatches} {
		for p, ws := range watches {
			for i, w := range ws {
				if (<-chan coordination.Event)(w.ch) != ch {
					continue
				}
				close(w.ch)
				if len(ws) == 1 {
					delete(watches, p)
				} else {
					watches[p] = append(ws[:i:i], ws[i+1:]...)
				}
				return
			}
		}
	}
}

// PendingWatches counts watches that have neither fired nor been cancelled.
func (s *Store) PendingWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, watches := range []map[string][]watcher{s.existsWatches, s.childWatches} {
		for _, ws := range watches {
			n += len(ws)
		}
	}
	return n
}

// end terminates a session: its ephemeral nodes are removed and its pending
// watches are told they no longer watch anything.
func (s *Store) end(session int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[session] {
		return
	}
	delete(s.live, session)

	for _, watches := range []map[string][]watcher{s.existsWatches, s.childWatches} {
		for p, ws := range watches {
			kept := ws[:0]
			for _, w := range ws {
				if w.session == session {
					w.ch <- coordination.Event{Type: coordination.EventNotWatching, Path: p, Err: coordination.ErrSessionExpired}
					close(w.ch)
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(watches, p)
			} else {
				watches[p] = kept
			}
		}
	}

	// Ephemeral nodes never have children, so removal order does not matter.
	for p, n := range s.nodes {
		if n.stat.EphemeralOwner == session {
			s.remove(p)
		}
	}
}

// Session is a client connected to a Store.
type Session struct {
	store *Store
	id    int64
}

var _ coordination.Client = (*Session)(nil)

// ID returns the session id, which is the EphemeralOwner of its nodes.
func (c *Session) ID() int64 {
	return c.id
}

// Expire simulates the store expiring this session.
func (c *Session) Expire() {
	c.store.end(c.id)
}

func (c *Session) before(ctx context.Context, op Op, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.runHook(c.id, op, path)
}

func (c *Session) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := c.before(ctx, OpCreate, path); err != nil {
		return "", err
	}
	return c.store.create(c.id, path, data, mode)
}

func (c *Session) Exists(ctx context.Context, path string) (*coordination.Stat, error) {
	if err := c.before(ctx, OpExists, path); err != nil {
		return nil, err
	}
	stat, _, err := c.store.exists(c.id, path, false)
	return stat, err
}

func (c *Session) ExistsW(ctx context.Context, path string) (*coordination.Stat, <-chan coordination.Event, error) {
	if err := c.before(ctx, OpExistsW, path); err != nil {
		return nil, nil, err
	}
	return c.store.exists(c.id, path, true)
}

func (c *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.before(ctx, OpChildren, path); err != nil {
		return nil, err
	}
	names, _, err := c.store.children(c.id, path, false)
	return names, err
}

func (c *Session) ChildrenW(ctx context.Context, path string) ([]string, <-chan coordination.Event, error) {
	if err := c.before(ctx, OpChildrenW, path); err != nil {
		return nil, nil, err
	}
	return c.store.children(c.id, path, true)
}

func (c *Session) Get(ctx context.Context, path string) ([]byte, *coordination.Stat, error) {
	if err := c.before(ctx, OpGet, path); err != nil {
		return nil, nil, err
	}
	return c.store.get(c.id, path)
}

func (c *Session) Delete(ctx context.Context, path string, version int64) error {
	if err := c.before(ctx, OpDelete, path); err != nil {
		return err
	}
	return c.store.delete(c.id, path, version)
}

// CancelWatch drops a watch this store has not fired yet.
func (c *Session) CancelWatch(watch <-chan coordination.Event) {
	c.store.cancelWatch(watch)
}

// Close ends the session like an expiry would.
func (c *Session) Close() error {
	c.store.end(c.id)
	return nil
}
