package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"clusterkeeper/pkg/cluster"
	"clusterkeeper/pkg/coordination/memory"
	"clusterkeeper/pkg/registry"
)

type fakeCluster struct {
	status  cluster.Status
	leader  bool
	workers *registry.Snapshot
	err     error
}

func (f *fakeCluster) Status() cluster.Status { return f.status }
func (f *fakeCluster) IsLeader() bool         { return f.leader }
func (f *fakeCluster) Workers(context.Context) (*registry.Snapshot, error) {
	return f.workers, f.err
}

func do(t *testing.T, s *Server, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestHealthCheck(t *testing.T) {
	fc := &fakeCluster{status: cluster.Status{Role: "follower"}}
	s := NewServer(Config{Port: "0", Cluster: fc, Logger: zap.NewNop()})

	code, body := do(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "follower", body["role"])

	s = NewServer(Config{Port: "0", Cluster: fc, Healthy: func() error { return errors.New("session expired") }})
	code, body = do(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "session expired", body["error"])
}

func TestGetLeader(t *testing.T) {
	fc := &fakeCluster{status: cluster.Status{NodeID: "node-1", Leader: "c_0000000000"}, leader: true}
	s := NewServer(Config{Port: "0", Cluster: fc})

	code, body := do(t, s, "/api/v1/cluster/leader")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "c_0000000000", body["leader"])
	assert.Equal(t, true, body["is_leader"])

	fc.leader = false
	code, body = do(t, s, "/api/v1/cluster/leader")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "c_0000000000", body["leader"])
	assert.Equal(t, false, body["is_leader"], "a follower only reports its last observed leader")

	fc.status.Leader = ""
	code, _ = do(t, s, "/api/v1/cluster/leader")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestListNodes(t *testing.T) {
	store := memory.NewStore()
	worker, err := registry.New(context.Background(), store.Connect(), registry.DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = worker.RegisterToCluster(context.Background(), []byte("10.0.0.5:9090"))
	require.NoError(t, err)
	snap, err := worker.Refresh(context.Background())
	require.NoError(t, err)

	fc := &fakeCluster{workers: snap, leader: true}
	s := NewServer(Config{Port: "0", Cluster: fc})

	code, body := do(t, s, "/api/v1/cluster/nodes")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{"10.0.0.5:9090"}, body["nodes"])
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, true, body["authoritative"])

	fc.err = errors.New("connection loss")
	code, body = do(t, s, "/api/v1/cluster/nodes")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["error"], "connection loss")
}

func TestGetStatus(t *testing.T) {
	fc := &fakeCluster{status: cluster.Status{NodeID: "node-2", Role: "leader", Workers: []string{}}}
	s := NewServer(Config{Port: "0", Cluster: fc})

	code, body := do(t, s, "/api/v1/cluster/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "node-2", body["node_id"])
	assert.Equal(t, "leader", body["role"])
	assert.Equal(t, []interface{}{}, body["workers"])
}
