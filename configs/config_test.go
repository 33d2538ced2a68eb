package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, BackendZooKeeper, cfg.Backend)
	assert.Equal(t, []string{"localhost:2181"}, cfg.ZKServers)
	assert.Equal(t, "/election", cfg.ElectionNamespace)
	assert.Equal(t, "/service_registry", cfg.RegistryNamespace)
	assert.Equal(t, 3*time.Second, cfg.SessionTimeout)
	assert.False(t, cfg.TracingEnabled)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("COORDINATION_BACKEND", "ETCD")
	t.Setenv("ETCD_ENDPOINTS", "etcd-0:2379, etcd-1:2379,,")
	t.Setenv("SESSION_TIMEOUT", "7")
	t.Setenv("RETRY_MAX_ELAPSED", "1m")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("BREAKER_MAX_FAILURES", "not-a-number")
	t.Setenv("ELECTION_NAMESPACE", "/apps/payments/election")

	cfg := LoadConfig()

	assert.Equal(t, BackendEtcd, cfg.Backend)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, 7*time.Second, cfg.SessionTimeout)
	assert.Equal(t, time.Minute, cfg.RetryMaxElapsed)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, 5, cfg.BreakerMaxFailures)
	assert.Equal(t, "/apps/payments/election", cfg.ElectionNamespace)
}
