package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getStatus handles GET /api/v1/cluster/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.cluster.Status())
}

// listNodes handles GET /api/v1/cluster/nodes
//
// The leader arms the registry watch when elected; on a follower the first call
// refreshes the registry and arms it. From then on the registry watch loop keeps
// the snapshot current, so later calls read the cache.
func (s *Server) listNodes(c *gin.Context) {
	snap, err := s.cluster.Workers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to get nodes: " + err.Error()})
		return
	}

	nodes := snap.Strings()
	if nodes == nil {
		nodes = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes":         nodes,
		"count":         len(nodes),
		"generation":    snap.Generation(),
		"refreshed_at":  snap.RefreshedAt(),
		"authoritative": s.cluster.IsLeader(),
	})
}

// getLeader handles GET /api/v1/cluster/leader
//
// A follower reports the leader seen by its last election pass. It is only
// woken when its own predecessor leaves, so after a failover further up the
// chain that name can be stale. Only a response with is_leader set is current.
func (s *Server) getLeader(c *gin.Context) {
	status := s.cluster.Status()
	if status.Leader == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no leader observed yet"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"leader":    status.Leader,
		"is_leader": s.cluster.IsLeader(),
		"node_id":   status.NodeID,
	})
}
