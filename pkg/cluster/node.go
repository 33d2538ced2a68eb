// Package cluster runs one node of the cluster: it campaigns for leadership
// and keeps the service registry in step with the role it wins.
//
// The leader does not serve work, so it withdraws its own address and watches
// the registry for workers. Followers publish their advertised address.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"clusterkeeper/pkg/coordination"
	"clusterkeeper/pkg/election"
	"clusterkeeper/pkg/registry"
)

// ErrRegistrationFailed means a follower could not publish its address. Nothing
// retries it until the predecessor changes, so the process must be restarted.
var ErrRegistrationFailed = errors.New("registering to cluster failed")

// Config holds node settings.
type Config struct {
	NodeID string
	// AdvertiseAddr is published to the registry while following.
	AdvertiseAddr string
	// CallbackTimeout bounds the registry calls made on a role change.
	CallbackTimeout time.Duration
	Election        election.Config
	Registry        registry.Config
}

// Status is a point-in-time view of the node for operators.
type Status struct {
	NodeID      string    `json:"node_id"`
	Role        string    `json:"role"`
	Candidate   string    `json:"candidate,omitempty"`
	Leader      string    `json:"leader,omitempty"`
	Predecessor string    `json:"predecessor,omitempty"`
	Registered  string    `json:"registered,omitempty"`
	Workers     []string  `json:"workers"`
	Generation  uint64    `json:"registry_generation"`
	RefreshedAt time.Time `json:"registry_refreshed_at"`
	Host        HostInfo  `json:"host"`
}

// Node ties a LeaderElector and a ServiceRegistry to one store session.
type Node struct {
	cfg      Config
	logger   *zap.Logger
	elector  *election.LeaderElector
	registry *registry.ServiceRegistry
	host     HostInfo
	errs     chan error
	wg       sync.WaitGroup
}

// New builds a node over client. The registry namespace is created here; the
// election namespace on Start.
func New(ctx context.Context, client coordination.Client, cfg Config, logger *zap.Logger) (*Node, error) {
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node_id", cfg.NodeID))

	reg, err := registry.New(ctx, client, cfg.Registry, logger)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:      cfg,
		logger:   logger.Named("cluster"),
		registry: reg,
		host:     DetectHost(logger),
		errs:     make(chan error, 32),
	}
	n.elector = election.New(client, cfg.Election, n, logger)
	return n, nil
}

// OnElected withdraws this node from the worker pool and starts tracking the
// workers.
func (n *Node) OnElected() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.CallbackTimeout)
	defer cancel()

	n.logger.Info("became leader, tracking workers")
	if err := n.registry.UnregisterFromCluster(ctx); err != nil {
		n.report(fmt.Errorf("leaving worker pool: %w", err))
	}
	if err := n.registry.RegisterForUpdates(ctx); err != nil {
		n.report(fmt.Errorf("watching workers: %w", err))
	}
}

// OnFollower publishes this node's address unless it already has.
func (n *Node) OnFollower() {
	if n.registry.Registered() != "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.CallbackTimeout)
	defer cancel()

	n.logger.Info("following, joining worker pool", zap.String("address", n.cfg.AdvertiseAddr))
	if _, err := n.registry.RegisterToCluster(ctx, []byte(n.cfg.AdvertiseAddr)); err != nil && !errors.Is(err, registry.ErrAlreadyRegistered) {
		n.report(fmt.Errorf("joining worker pool: %w: %w", ErrRegistrationFailed, err))
	}
}

// Start volunteers, settles the first election and runs both watch loops in
// the background until ctx is done.
func (n *Node) Start(ctx context.Context) error {
	if err := n.elector.EnsureNamespace(ctx); err != nil {
		return fmt.Errorf("initializing election namespace: %w", err)
	}
	if _, err := n.elector.Volunteer(ctx); err != nil {
		return err
	}
	if err := n.elector.Reelect(ctx); err != nil {
		return err
	}

	n.wg.Add(4)
	go func() {
		defer n.wg.Done()
		n.elector.Run(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.registry.Run(ctx)
	}()
	go n.forward(ctx, n.elector.Errors())
	go n.forward(ctx, n.registry.Errors())
	return nil
}

func (n *Node) forward(ctx context.Context, errs <-chan error) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			n.report(err)
		}
	}
}

func (n *Node) report(err error) {
	select {
	case n.errs <- err:
	default:
		n.logger.Warn("node error channel full, dropping error", zap.Error(err))
	}
}

// Errors merges the asynchronous failures of the elector, the registry and the
// role callbacks.
func (n *Node) Errors() <-chan error {
	return n.errs
}

// Stop leaves the election and the registry. Cancel the context given to
// Start first; Stop waits for the watch loops to exit.
func (n *Node) Stop(ctx context.Context) error {
	n.wg.Wait()
	return errors.Join(
		n.elector.Resign(ctx),
		n.registry.UnregisterFromCluster(ctx),
	)
}

// Status reports the current role and the cached worker list.
func (n *Node) Status() Status {
	snap := n.registry.Cached()
	workers := snap.Strings()
	if workers == nil {
		workers = []string{}
	}
	return Status{
		NodeID:      n.cfg.NodeID,
		Role:        n.elector.State().String(),
		Candidate:   n.elector.Candidate(),
		Leader:      n.elector.Leader(),
		Predecessor: n.elector.Predecessor(),
		Registered:  n.registry.Registered(),
		Workers:     workers,
		Generation:  snap.Generation(),
		RefreshedAt: snap.RefreshedAt(),
		Host:        n.host,
	}
}

// IsLeader reports whether this node currently leads.
func (n *Node) IsLeader() bool {
	return n.elector.IsLeader()
}

// Workers returns the registry snapshot, refreshing it on first use.
func (n *Node) Workers(ctx context.Context) (*registry.Snapshot, error) {
	return n.registry.AllServiceAddresses(ctx)
}

// Fatal reports whether err means this node can no longer take part in the
// cluster and must be restarted.
func Fatal(err error) bool {
	return errors.Is(err, election.ErrCandidateLost) ||
		errors.Is(err, coordination.ErrSessionExpired) ||
		errors.Is(err, ErrRegistrationFailed)
}
