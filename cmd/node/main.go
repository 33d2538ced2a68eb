package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "clusterkeeper/configs"
	"clusterkeeper/pkg/api"
	"clusterkeeper/pkg/cluster"
	"clusterkeeper/pkg/coordination"
	"clusterkeeper/pkg/coordination/etcd"
	"clusterkeeper/pkg/coordination/memory"
	"clusterkeeper/pkg/coordination/zookeeper"
	"clusterkeeper/pkg/election"
	"clusterkeeper/pkg/logger"
	tracing "clusterkeeper/pkg/observability"
	"clusterkeeper/pkg/registry"
	"clusterkeeper/pkg/resilience"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clusterkeeper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadConfig()
	nodeID := resolveNodeID(cfg.NodeID)

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "clusterkeeper",
		NodeID:     nodeID,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	traceCfg := tracing.DefaultConfig("clusterkeeper")
	traceCfg.NodeID = nodeID
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Endpoint = cfg.OTELEndpoint
	traceCfg.SamplingRate = cfg.TraceSamplingRate
	provider, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	backend, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	breakerCfg.FailureThreshold = cfg.BreakerMaxFailures
	breakerCfg.Timeout = cfg.BreakerTimeout
	client := coordination.NewResilient(backend, coordination.RetryConfig{
		InitialInterval: cfg.RetryInitial,
		MaxInterval:     cfg.RetryMax,
		MaxElapsedTime:  cfg.RetryMaxElapsed,
	}, breakerCfg, log)
	defer client.Close()

	electionCfg := election.DefaultConfig()
	electionCfg.Namespace = cfg.ElectionNamespace
	registryCfg := registry.DefaultConfig()
	registryCfg.Namespace = cfg.RegistryNamespace

	node, err := cluster.New(ctx, client, cluster.Config{
		NodeID:        nodeID,
		AdvertiseAddr: cfg.AdvertiseAddr,
		Election:      electionCfg,
		Registry:      registryCfg,
	}, log)
	if err != nil {
		return err
	}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	if err := node.Start(runCtx); err != nil {
		return fmt.Errorf("joining cluster: %w", err)
	}
	log.Info("joined cluster",
		zap.String("backend", cfg.Backend),
		zap.String("role", node.Status().Role),
		zap.String("candidate", node.Status().Candidate),
	)

	var fatal atomic.Pointer[error]
	server := api.NewServer(api.Config{
		Port:    cfg.APIPort,
		Service: "clusterkeeper",
		Cluster: node,
		Logger:  log,
		Healthy: func() error {
			if err := fatal.Load(); err != nil {
				return *err
			}
			return nil
		},
	})
	go func() {
		if err := server.Start(); err != nil {
			log.Error("api server stopped", zap.Error(err))
		}
	}()

	var exitErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			log.Info("received signal, initiating graceful shutdown", zap.Stringer("signal", sig))
			break loop
		case err := <-node.Errors():
			if !cluster.Fatal(err) {
				log.Warn("cluster error", zap.Error(err))
				continue
			}
			// Either the session is gone or this node never made it into
			// the registry; the supervisor restarts us.
			fatal.Store(&err)
			exitErr = fmt.Errorf("lost cluster membership: %w", err)
			log.Error("lost cluster membership", zap.Error(err))
			break loop
		}
	}

	stopRun()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := node.Stop(shutdownCtx); err != nil {
		log.Warn("failed to leave cluster cleanly", zap.Error(err))
	} else {
		log.Info("left cluster")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown failed", zap.Error(err))
	}

	log.Info("shutdown complete")
	return exitErr
}

// connect opens a session on the configured backend.
func connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (coordination.Client, error) {
	switch cfg.Backend {
	case config.BackendZooKeeper:
		return zookeeper.Connect(ctx, zookeeper.Config{
			Servers:        cfg.ZKServers,
			SessionTimeout: cfg.SessionTimeout,
			ConnectTimeout: cfg.ConnectTimeout,
		}, log)
	case config.BackendEtcd:
		ttl := int(cfg.SessionTimeout.Seconds())
		if ttl < 1 {
			ttl = 1
		}
		return etcd.NewEtcdCoordinator(etcd.Config{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: cfg.ConnectTimeout,
			SessionTTL:  ttl,
			Prefix:      cfg.EtcdPrefix,
		}, log)
	case config.BackendMemory:
		log.Warn("using the in-process store; only this process takes part in the election")
		return memory.NewStore().Connect(), nil
	default:
		return nil, fmt.Errorf("unknown coordination backend %q", cfg.Backend)
	}
}

func resolveNodeID(configured string) string {
	if configured != "" {
		return configured
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "node"
	}
	return hostname + "-" + uuid.New().String()[:8]
}
