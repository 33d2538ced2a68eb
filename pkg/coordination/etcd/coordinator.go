package etcd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"clusterkeeper/pkg/coordination"
)

// seqPrefix holds per-parent sequence counters. It does not start with "/", so it
// never shows up as a child of any node.
const seqPrefix = "\x00seq"

// maxSequenceAttempts bounds optimistic retries of the counter transaction.
const maxSequenceAttempts = 32

// Config holds etcd connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL in seconds backing ephemeral nodes.
	SessionTTL int
	// Prefix isolates the tree under a key prefix.
	Prefix string
}

// EtcdCoordinator maps the hierarchical node model onto etcd keys. A node lives
// at the key equal to its path; ephemeral nodes are attached to the lease of a
// concurrency.Session, so they vanish when the session does.
type EtcdCoordinator struct {
	client     *clientv3.Client
	session    *concurrency.Session
	ownsClient bool
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger

	// watches maps each pending watch channel to the cancel func of its stream.
	watches sync.Map
}

var _ coordination.Client = (*EtcdCoordinator)(nil)

func NewEtcdCoordinator(cfg Config, logger *zap.Logger) (*EtcdCoordinator, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	// Create the raw etcd client
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	if cfg.Prefix != "" {
		cli.KV = namespace.NewKV(cli.KV, cfg.Prefix)
		cli.Watcher = namespace.NewWatcher(cli.Watcher, cfg.Prefix)
		cli.Lease = namespace.NewLease(cli.Lease, cfg.Prefix)
	}

	c, err := NewWithClient(cli, cfg.SessionTTL, logger)
	if err != nil {
		cli.Close()
		return nil, err
	}
	c.ownsClient = true
	return c, nil
}

// NewWithClient opens a session on an existing client. Close leaves cli open.
func NewWithClient(cli *clientv3.Client, ttl int, logger *zap.Logger) (*EtcdCoordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10
	}

	// Create a concurrency session (keeps lease alive via heartbeats)
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(ttl))
	if err != nil {
		return nil, fmt.Errorf("failed to create concurrency session: %w", translate(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &EtcdCoordinator{
		client:  cli,
		session: sess,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("etcd"),
	}
	c.logger.Info("etcd session established", zap.Int64("lease", int64(sess.Lease())), zap.Int("ttl", ttl))
	go func() {
		select {
		case <-sess.Done():
			if ctx.Err() == nil {
				c.logger.Warn("etcd session expired", zap.Int64("lease", int64(sess.Lease())))
			}
		case <-ctx.Done():
		}
	}()
	return c, nil
}

func (c *EtcdCoordinator) Close() error {
	c.cancel()
	if c.session != nil {
		c.session.Close()
	}
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}

// Session returns the lease session backing ephemeral nodes.
func (c *EtcdCoordinator) Session() *concurrency.Session {
	return c.session
}

func (c *EtcdCoordinator) sessionErr() error {
	select {
	case <-c.session.Done():
		return coordination.ErrSessionExpired
	default:
		return nil
	}
}

// translate maps etcd client errors onto the coordination sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return fmt.Errorf("%w: %w", coordination.ErrSessionExpired, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, rpctypes.ErrNoLeader) {
		return fmt.Errorf("%w: %w", coordination.ErrConnectionLoss, err)
	}
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) && (etcdErr.Code() == codes.Unavailable || etcdErr.Code() == codes.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", coordination.ErrConnectionLoss, err)
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.Unavailable {
		return fmt.Errorf("%w: %w", coordination.ErrConnectionLoss, err)
	}
	return err
}

func toStat(kv *mvccpb.KeyValue) *coordination.Stat {
	return &coordination.Stat{
		// etcd starts key versions at 1
		Version:        kv.Version - 1,
		CreatedIndex:   kv.CreateRevision,
		ModifiedIndex:  kv.ModRevision,
		EphemeralOwner: kv.Lease,
		DataLength:     len(kv.Value),
	}
}

// parentGuard is a comparison that holds when the parent of path exists.
func parentGuard(path string) []clientv3.Cmp {
	parent := coordination.Parent(path)
	if parent == "/" {
		return nil
	}
	return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(parent), ">", 0)}
}

func (c *EtcdCoordinator) putOptions(mode coordination.CreateMode) []clientv3.OpOption {
	if mode.IsEphemeral() {
		return []clientv3.OpOption{clientv3.WithLease(c.session.Lease())}
	}
	return nil
}

func (c *EtcdCoordinator) Create(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return "", err
	}
	if path == "/" {
		return "", coordination.ErrNodeExists
	}
	if mode.IsEphemeral() {
		if err := c.sessionErr(); err != nil {
			return "", err
		}
	}
	if mode.IsSequential() {
		return c.createSequential(ctx, path, data, mode)
	}

	cmps := append(parentGuard(path), clientv3.Compare(clientv3.CreateRevision(path), "=", 0))
	resp, err := c.client.Txn(ctx).
		If(cmps...).
		Then(clientv3.OpPut(path, string(data), c.putOptions(mode)...)).
		Else(clientv3.OpGet(path, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return "", translate(err)
	}
	if !resp.Succeeded {
		if len(resp.Responses[0].GetResponseRange().Kvs) > 0 {
			return "", coordination.ErrNodeExists
		}
		return "", fmt.Errorf("parent of %s: %w", path, coordination.ErrNoNode)
	}
	return path, nil
}

// createSequential allocates the next suffix from the parent's counter and creates
// the node in the same transaction.
func (c *EtcdCoordinator) createSequential(ctx context.Context, path string, data []byte, mode coordination.CreateMode) (string, error) {
	counterKey := seqPrefix + coordination.Parent(path)

	for attempt := 0; attempt < maxSequenceAttempts; attempt++ {
		resp, err := c.client.Get(ctx, counterKey)
		if err != nil {
			return "", translate(err)
		}

		var next int64
		counterCmp := clientv3.Compare(clientv3.CreateRevision(counterKey), "=", 0)
		if len(resp.Kvs) > 0 {
			kv := resp.Kvs[0]
			next, err = strconv.ParseInt(string(kv.Value), 10, 64)
			if err != nil {
				return "", fmt.Errorf("corrupt sequence counter %q: %w", counterKey, err)
			}
			counterCmp = clientv3.Compare(clientv3.ModRevision(counterKey), "=", kv.ModRevision)
		}

		created := path + coordination.FormatSequence(next)
		cmps := append(parentGuard(path), counterCmp)
		txn, err := c.client.Txn(ctx).
			If(cmps...).
			Then(
				clientv3.OpPut(counterKey, strconv.FormatInt(next+1, 10)),
				clientv3.OpPut(created, string(data), c.putOptions(mode)...),
			).
			Commit()
		if err != nil {
			return "", translate(err)
		}
		if txn.Succeeded {
			return created, nil
		}

		if parent := coordination.Parent(path); parent != "/" {
			stat, err := c.Exists(ctx, parent)
			if err != nil {
				return "", err
			}
			if stat == nil {
				return "", fmt.Errorf("parent %s: %w", parent, coordination.ErrNoNode)
			}
		}
		// Lost the counter race against another creator, try again.
	}
	return "", fmt.Errorf("allocating sequence under %s: too much contention", coordination.Parent(path))
}

func (c *EtcdCoordinator) Exists(ctx context.Context, path string) (*coordination.Stat, error) {
	stat, _, err := c.get(ctx, path)
	return stat, err
}

func (c *EtcdCoordinator) get(ctx context.Context, path string) (*coordination.Stat, int64, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, 0, err
	}
	if path == "/" {
		return &coordination.Stat{}, 0, nil
	}
	resp, err := c.client.Get(ctx, path)
	if err != nil {
		return nil, 0, translate(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, resp.Header.Revision, nil
	}
	return toStat(resp.Kvs[0]), resp.Header.Revision, nil
}

func (c *EtcdCoordinator) ExistsW(ctx context.Context, path string) (*coordination.Stat, <-chan coordination.Event, error) {
	stat, rev, err := c.get(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	watch := c.watchOnce(path, path, []clientv3.OpOption{clientv3.WithRev(rev + 1)},
		func(ev *clientv3.Event) (coordination.EventType, bool) {
			switch {
			case ev.Type == clientv3.EventTypeDelete:
				return coordination.EventNodeDeleted, true
			case ev.IsCreate():
				return coordination.EventNodeCreated, true
			default:
				return coordination.EventNodeDataChanged, true
			}
		})
	return stat, watch, nil
}

// children lists the direct children of path as of one revision.
func (c *EtcdCoordinator) children(ctx context.Context, path string) ([]string, int64, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, 0, err
	}
	prefix := childPrefix(path)
	ops := []clientv3.Op{clientv3.OpGet(prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())}
	if path != "/" {
		ops = append(ops, clientv3.OpGet(path, clientv3.WithKeysOnly()))
	}
	resp, err := c.client.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return nil, 0, translate(err)
	}
	if path != "/" && len(resp.Responses[1].GetResponseRange().Kvs) == 0 {
		return nil, 0, coordination.ErrNoNode
	}

	var names []string
	for _, kv := range resp.Responses[0].GetResponseRange().Kvs {
		if name, ok := directChild(prefix, string(kv.Key)); ok {
			names = append(names, name)
		}
	}
	return names, resp.Header.Revision, nil
}

func childPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

func directChild(prefix, key string) (string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	if rest == key || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func (c *EtcdCoordinator) Children(ctx context.Context, path string) ([]string, error) {
	names, _, err := c.children(ctx, path)
	return names, err
}

func (c *EtcdCoordinator) ChildrenW(ctx context.Context, path string) ([]string, <-chan coordination.Event, error) {
	names, rev, err := c.children(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	prefix := childPrefix(path)
	watch := c.watchOnce(prefix, path, []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithRev(rev + 1)},
		func(ev *clientv3.Event) (coordination.EventType, bool) {
			if _, ok := directChild(prefix, string(ev.Kv.Key)); !ok {
				return 0, false
			}
			if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() {
				return coordination.EventNodeChildrenChanged, true
			}
			return 0, false
		})
	return names, watch, nil
}

// watchOnce watches key until match accepts an event, then delivers it and stops.
// The watch outlives the arming call and ends with the coordinator, its session
// or CancelWatch.
func (c *EtcdCoordinator) watchOnce(key, path string, opts []clientv3.OpOption, match func(*clientv3.Event) (coordination.EventType, bool)) <-chan coordination.Event {
	out := make(chan coordination.Event, 1)
	var handle <-chan coordination.Event = out
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(c.ctx))
	c.watches.Store(handle, cancel)
	wch := c.client.Watch(wctx, key, opts...)

	go func() {
		defer c.watches.Delete(handle)
		defer cancel()
		defer close(out)
		for {
			select {
			case <-c.session.Done():
				out <- coordination.Event{Type: coordination.EventNotWatching, Path: path, Err: coordination.ErrSessionExpired}
				return
			case resp, ok := <-wch:
				if wctx.Err() != nil && c.ctx.Err() == nil {
					// Cancelled by CancelWatch.
					return
				}
				if !ok {
					out <- coordination.Event{Type: coordination.EventNotWatching, Path: path, Err: coordination.ErrClosed}
					return
				}
				if err := resp.Err(); err != nil {
					out <- coordination.Event{Type: coordination.EventNotWatching, Path: path, Err: translate(err)}
					return
				}
				for _, ev := range resp.Events {
					if t, ok := match(ev); ok {
						out <- coordination.Event{Type: t, Path: path}
						return
					}
				}
			}
		}
	}()
	return out
}

// CancelWatch stops the stream behind a pending watch and closes its channel.
func (c *EtcdCoordinator) CancelWatch(watch <-chan coordination.Event) {
	if cancel, ok := c.watches.LoadAndDelete(watch); ok {
		cancel.(context.CancelFunc)()
	}
}

func (c *EtcdCoordinator) Get(ctx context.Context, path string) ([]byte, *coordination.Stat, error) {
	if err := coordination.ValidatePath(path); err != nil {
		return nil, nil, err
	}
	resp, err := c.client.Get(ctx, path)
	if err != nil {
		return nil, nil, translate(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil, coordination.ErrNoNode
	}
	kv := resp.Kvs[0]
	return kv.Value, toStat(kv), nil
}

func (c *EtcdCoordinator) Delete(ctx context.Context, path string, version int64) error {
	if err := coordination.ValidatePath(path); err != nil {
		return err
	}

	kids, err := c.client.Get(ctx, childPrefix(path), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return translate(err)
	}
	if kids.Count > 0 {
		return fmt.Errorf("delete %s: node has children", path)
	}

	cmp := clientv3.Compare(clientv3.CreateRevision(path), ">", 0)
	if version != coordination.AnyVersion {
		cmp = clientv3.Compare(clientv3.Version(path), "=", version+1)
	}
	resp, err := c.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpDelete(path)).
		Else(clientv3.OpGet(path, clientv3.WithKeysOnly())).
		Commit()
	if err != nil {
		return translate(err)
	}
	if resp.Succeeded {
		return nil
	}
	if len(resp.Responses[0].GetResponseRange().Kvs) == 0 {
		return coordination.ErrNoNode
	}
	return coordination.ErrBadVersion
}
