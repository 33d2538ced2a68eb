// Package zookeeper adapts a go-zookeeper connection to coordination.Client.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"clusterkeeper/pkg/coordination"
)

// Config holds ZooKeeper connection settings.
type Config struct {
	Servers        []string
	SessionTimeout time.Duration
	// ConnectTimeout bounds the wait for the first session.
	ConnectTimeout time.Duration
}

// Client is a coordination.Client backed by one ZooKeeper session.
type Client struct {
	conn   *zk.Conn
	acl    []zk.ACL
	logger *zap.Logger

	// watches maps pending watch channels to the stop channel of their adapter.
	watches sync.Map
}

var _ coordination.Client = (*Client)(nil)

// Connect dials the ensemble and waits until a session is established.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("zookeeper")

	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout,
		zk.WithLogger(zap.NewStdLog(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-waitCtx.Done():
			conn.Close()
			return nil, fmt.Errorf("waiting for zookeeper session: %w", coordination.ErrConnectionLoss)
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				logger.Info("zookeeper session established",
					zap.Int64("session_id", conn.SessionID()),
					zap.String("server", ev.Server),
				)
				c := &Client{conn: conn, acl: zk.WorldACL(zk.PermAll), logger: logger}
				go c.logSessionEvents(events)
				return c, nil
			}
		}
	}
}

// logSessionEvents drains the connection-level channel, which go-zookeeper
// requires to be consumed.
func (c *Client) logSessionEvents(events <-chan zk.Event) {
	for ev := range events {
		switch ev.State {
		case zk.StateExpired:
			c.logger.Warn("zookeeper session expired")
		case zk.StateDisconnected:
			c.logger.Warn("zookeeper disconnected", zap.String("server", ev.Server))
		case zk.StateHasSession:
			c.logger.Info("zookeeper session re-established", zap.String("server", ev.Server))
		}
	}
}

func createFlags(mode coordination.CreateMode) int32 {
	var flags int32
	if mode.IsEphemeral() {
		flags |= zk.FlagEphemeral
	}
	if mode.IsSequential() {
		flags |= zk.FlagSequence
	}
	return flags
}

// translate maps go-zookeeper errors onto the coordination sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %w", coordination.ErrNoNode, err)
	case errors.Is(err, zk.ErrNodeExists):
		return fmt.Errorf("%w: %w", coordination.ErrNodeExists, err)
	case errors.Is(err, zk.ErrBadVersion):
		return fmt.Errorf("%w: %w", coordination.ErrBadVersion, err)
	case errors.Is(err, zk.ErrSessionExpired), errors.Is(err, zk.ErrSessionMoved):
		return fmt.Errorf("%w: %w", coordination.ErrSessionExpired, err)
	case errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%w: %w", coordination.ErrClosed, err)
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrNoServer):
		// Requests in flight when the connection drops; the library reconnects.
		return fmt.Errorf("%w: %w", coordination.ErrConnectionLoss, err)
	default:
		return err
	}
}

func convertStat(s *zk.Stat) *coordination.Stat {
	if s == nil {
		return nil
	}
	return &coordination.Stat{
		Version:        int64(s.Version),
		CreatedIndex:   s.Czxid,
		ModifiedIndex:  s.Mzxid,
		EphemeralOwner: s.EphemeralOwner,
		DataLength:     int(s.DataLength),
		NumChildren:    int(s.NumChildren),
	}
}

func convertEventType(t zk.EventType) coordination.EventType {
	switch t {
	case zk.EventNodeCreated:
		return coordination.EventNodeCreated
	case zk.EventNodeDeleted:
		return coordination.EventNodeDeleted
	case zk.EventNodeDataChanged:
		return coordination.EventNodeDataChanged
	case zk.EventNodeChildrenChanged:
		return coordination.EventNodeChildrenChanged
	default:
		return coordination.EventNotWatching
	}
}

// forwardWatch converts the one go-zookeeper watch event on in into a
// coordination event on out, then closes out. Closing stop ends it without an
// event.
func forwardWatch(path string, in <-chan zk.Event, stop <-chan struct{}, out chan<- coordination.Event) {
	defer close(out)

	var ev zk.Event
	var ok bool
	select {
	case <-stop:
		return
	case ev, ok = <-in:
	}
	if !ok {
		out <- coordination.Event{Type: coordination.EventNotWatching, Path: path, Err: coordination.ErrClosed}
		return
	}
	if ev.Path == "" {
		ev.Path = path
	}
	out <- coordination.Event{
		Type: convertEventType(ev.Type),
		Path: ev.Path,
		Err:  translate(ev.Err),
	}
}

// watch adapts in and tracks it for CancelWatch.
func (c *Client) watch(path string, in <-chan zk.Event) <-chan coordination.Event {
	stop := make(chan struct{})
	out := make(chan coordination.Event, 1)
	var handle <-chan coordination.Event = out
	c.watches.Store(handle, stop)
	go func() {
		defer c.watches.Delete(handle)
		forwardWatch(path, in, stop, out)
	}()
	return out
}

// CancelWatch stops adapting a pending watch and closes its channel. ZooKeeper
// keeps the server-side watch until the node changes or the session ends;
// go-zookeeper buffers that late event, so nothing blocks on it.
func (c *Client) CancelWatch(watch <-chan coordination.Event) {
	if stop, ok := c.watches.LoadAndDelete(watch); ok {
		close(stop.(chan struct{}))
	}
}

// Create honours ctx only before the request is sent; go-zookeeper calls are not
// context aware.
func (c *Client) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	created, err := c.conn.Create(path, data, createFlags(mode), c.acl)
	if err != nil {
		return "", translate(err)
	}
	return created, nil
}

func (c *Client) Exists(ctx context.Context, path string) (*coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, stat, err := c.conn.Exists(path)
	if err != nil {
		return nil, translate(err)
	}
	if !ok {
		return nil, nil
	}
	return convertStat(stat), nil
}

func (c *Client) ExistsW(ctx context.Context, path string) (*coordination.Stat, <-chan coordination.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ok, stat, watch, err := c.conn.ExistsW(path)
	if err != nil {
		return nil, nil, translate(err)
	}
	if !ok {
		return nil, c.watch(path, watch), nil
	}
	return convertStat(stat), c.watch(path, watch), nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := c.conn.Children(path)
	if err != nil {
		return nil, translate(err)
	}
	return children, nil
}

func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan coordination.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	children, _, watch, err := c.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, translate(err)
	}
	return children, c.watch(path, watch), nil
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, *coordination.Stat, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	data, stat, err := c.conn.Get(path)
	if err != nil {
		return nil, nil, translate(err)
	}
	return data, convertStat(stat), nil
}

func (c *Client) Delete(ctx context.Context, path string, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(c.conn.Delete(path, int32(version)))
}

func (c *Client) Close() error {
	c.conn.Close()
	return nil
}
