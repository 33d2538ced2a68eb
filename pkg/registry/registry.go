// Package registry keeps a watch-refreshed cache of the service instances
// registered under one namespace of the coordination store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"clusterkeeper/pkg/coordination"
	"clusterkeeper/pkg/metrics"
	tracing "clusterkeeper/pkg/observability"
)

// ErrAlreadyRegistered is returned by RegisterToCluster while this process
// already owns an instance node.
var ErrAlreadyRegistered = errors.New("already registered to cluster")

// Config holds registry settings.
type Config struct {
	// Namespace is the parent node of all instances.
	Namespace string
	// InstancePrefix names instance nodes; the store appends the sequence.
	InstancePrefix string
}

// DefaultConfig returns the conventional layout.
func DefaultConfig() Config {
	return Config{
		Namespace:      "/service_registry",
		InstancePrefix: "n_",
	}
}

// ServiceRegistry publishes this process's address and caches the addresses
// of every live instance. Refreshes are single-writer; readers load the
// current snapshot without locking.
type ServiceRegistry struct {
	client coordination.Client
	cfg    Config
	logger *zap.Logger
	events *coordination.Dispatcher
	errs   chan error
	group  singleflight.Group

	// refreshMu serializes refreshes. armed is true while a children watch
	// is pending, so overlapping refreshes do not stack watches.
	refreshMu  sync.Mutex
	armed      bool
	generation uint64
	snapshot   atomic.Pointer[Snapshot]

	mu  sync.Mutex
	own string
}

// New creates a registry and makes sure its namespace exists. A namespace
// created concurrently by another process is fine.
func New(ctx context.Context, client coordination.Client, cfg Config, logger *zap.Logger) (*ServiceRegistry, error) {
	defaults := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = defaults.Namespace
	}
	if cfg.InstancePrefix == "" {
		cfg.InstancePrefix = defaults.InstancePrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("registry").With(zap.String("namespace", cfg.Namespace))

	if err := coordination.EnsurePath(ctx, client, cfg.Namespace); err != nil {
		return nil, fmt.Errorf("initializing registry namespace: %w", err)
	}
	return &ServiceRegistry{
		client: client,
		cfg:    cfg,
		logger: logger,
		events: coordination.NewDispatcher("registry", 16, logger),
		errs:   make(chan error, 16),
	}, nil
}

// RegisterToCluster publishes metadata, conventionally "host:port", as an
// ephemeral instance node and returns its path.
func (r *ServiceRegistry) RegisterToCluster(ctx context.Context, metadata []byte) (string, error) {
	ctx, span := tracing.Start(ctx, "registry", "register")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.own != "" {
		return "", fmt.Errorf("%w as %s", ErrAlreadyRegistered, r.own)
	}

	path, err := r.client.Create(ctx, coordination.Join(r.cfg.Namespace, r.cfg.InstancePrefix), metadata, coordination.EphemeralSequential)
	if err != nil {
		err = fmt.Errorf("registering to cluster: %w", err)
		tracing.SetError(ctx, err)
		return "", err
	}
	r.own = path

	span.SetAttributes(attribute.String("registry.instance", path))
	r.logger.Info("registered to cluster", zap.String("instance", path), zap.ByteString("metadata", metadata))
	return path, nil
}

// UnregisterFromCluster removes this process's instance node if it still
// exists. Calling it when not registered does nothing.
func (r *ServiceRegistry) UnregisterFromCluster(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.own == "" {
		return nil
	}

	stat, err := r.client.Exists(ctx, r.own)
	if err != nil {
		return fmt.Errorf("checking instance %s: %w", r.own, err)
	}
	if stat != nil {
		err = r.client.Delete(ctx, r.own, coordination.AnyVersion)
		if err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return fmt.Errorf("unregistering %s: %w", r.own, err)
		}
	}

	r.logger.Info("unregistered from cluster", zap.String("instance", r.own))
	r.own = ""
	return nil
}

// Registered returns the path of this process's instance node, empty when not
// registered.
func (r *ServiceRegistry) Registered() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.own
}

// RegisterForUpdates builds the first snapshot and arms the children watch
// that keeps the cache current while Run is active.
func (r *ServiceRegistry) RegisterForUpdates(ctx context.Context) error {
	_, err := r.Refresh(ctx)
	return err
}

// AllServiceAddresses returns the cached snapshot. The first call refreshes
// from the store; concurrent first callers share that refresh.
func (r *ServiceRegistry) AllServiceAddresses(ctx context.Context) (*Snapshot, error) {
	if s := r.snapshot.Load(); s != nil {
		return s, nil
	}
	v, err, _ := r.group.Do("refresh", func() (interface{}, error) {
		if s := r.snapshot.Load(); s != nil {
			return s, nil
		}
		return r.Refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Cached returns the current snapshot without touching the store, nil before
// the first refresh.
func (r *ServiceRegistry) Cached() *Snapshot {
	return r.snapshot.Load()
}

// Refresh lists the namespace, re-arming the children watch, reads every
// instance and publishes a new snapshot. Instances that vanish between the
// listing and the read are skipped.
func (r *ServiceRegistry) Refresh(ctx context.Context) (*Snapshot, error) {
	ctx, span := tracing.Start(ctx, "registry", "refresh")
	defer span.End()

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	s, err := r.refresh(ctx)
	metrics.RecordRefresh(s.Len(), err)
	tracing.SetError(ctx, err)
	return s, err
}

func (r *ServiceRegistry) refresh(ctx context.Context) (*Snapshot, error) {
	var (
		children []string
		err      error
	)
	if r.armed {
		children, err = r.client.Children(ctx, r.cfg.Namespace)
	} else {
		var watch <-chan coordination.Event
		children, watch, err = r.client.ChildrenW(ctx, r.cfg.Namespace)
		if err == nil {
			r.armed = true
			r.events.Forward(watch)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("listing instances under %s: %w", r.cfg.Namespace, err)
	}
	coordination.SortBySequence(children)

	members := make([]Member, 0, len(children))
	for _, name := range children {
		path := coordination.Join(r.cfg.Namespace, name)
		stat, err := r.client.Exists(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("checking instance %s: %w", path, err)
		}
		if stat == nil {
			r.skip(path)
			continue
		}
		data, _, err := r.client.Get(ctx, path)
		if errors.Is(err, coordination.ErrNoNode) {
			r.skip(path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading instance %s: %w", path, err)
		}
		members = append(members, Member{Name: name, Metadata: data})
	}

	r.generation++
	s := newSnapshot(members, r.generation, time.Now())
	r.snapshot.Store(s)

	tracing.AddEvent(ctx, "snapshot published", attribute.Int("registry.members", len(members)))
	r.logger.Debug("registry refreshed",
		zap.Int("members", len(members)),
		zap.Uint64("generation", s.generation),
	)
	return s, nil
}

func (r *ServiceRegistry) skip(path string) {
	metrics.VanishedMembers.Inc()
	r.logger.Debug("instance vanished during refresh", zap.String("instance", path))
}

// Run refreshes on every children change until ctx is done. Refresh errors
// are logged and published on Errors.
func (r *ServiceRegistry) Run(ctx context.Context) {
	r.events.Run(ctx, r.handle)
}

func (r *ServiceRegistry) handle(ctx context.Context, ev coordination.Event) {
	r.refreshMu.Lock()
	r.armed = false
	r.refreshMu.Unlock()

	if ev.Type == coordination.EventNotWatching {
		err := ev.Err
		if err == nil {
			err = coordination.ErrSessionExpired
		}
		r.report(fmt.Errorf("registry watch on %s dropped: %w", ev.Path, err))
		return
	}
	if _, err := r.Refresh(ctx); err != nil {
		r.report(fmt.Errorf("refresh after %s: %w", ev.Type, err))
	}
}

func (r *ServiceRegistry) report(err error) {
	metrics.AsyncErrors.WithLabelValues("registry").Inc()
	r.logger.Error("registry watch handling failed", zap.Error(err))
	select {
	case r.errs <- err:
	default:
		r.logger.Warn("registry error channel full, dropping error", zap.Error(err))
	}
}

// Errors carries failures raised while handling watch notifications.
func (r *ServiceRegistry) Errors() <-chan error {
	return r.errs
}
