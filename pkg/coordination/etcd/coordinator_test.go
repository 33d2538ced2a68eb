package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"clusterkeeper/pkg/coordination"
)

func TestDirectChild(t *testing.T) {
	name, ok := directChild("/election/", "/election/c_0000000001")
	assert.True(t, ok)
	assert.Equal(t, "c_0000000001", name)

	_, ok = directChild("/election/", "/election/c_1/nested")
	assert.False(t, ok)

	_, ok = directChild("/election/", "/elections/c_1")
	assert.False(t, ok)

	name, ok = directChild("/", "/election")
	assert.True(t, ok)
	assert.Equal(t, "election", name)
}

func TestTranslate(t *testing.T) {
	assert.ErrorIs(t, translate(context.DeadlineExceeded), coordination.ErrConnectionLoss)
	assert.ErrorIs(t, translate(context.Canceled), context.Canceled)
	assert.NoError(t, translate(nil))
}

// EtcdTestSuite runs the client contract against a real etcd.
type EtcdTestSuite struct {
	suite.Suite
	cfg Config
}

func (s *EtcdTestSuite) SetupSuite() {
	endpoints := os.Getenv("TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		s.T().Skip("Skipping etcd tests (TEST_ETCD_ENDPOINTS not set)")
	}
	s.cfg = Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 2 * time.Second,
		SessionTTL:  5,
	}
}

func (s *EtcdTestSuite) SetupTest() {
	s.cfg.Prefix = "test-" + uuid.New().String()
}

func (s *EtcdTestSuite) connect() *EtcdCoordinator {
	c, err := NewEtcdCoordinator(s.cfg, zap.NewNop())
	s.Require().NoError(err)
	return c
}

func (s *EtcdTestSuite) TestSequentialChildren() {
	ctx := context.Background()
	c := s.connect()
	defer c.Close()

	_, err := c.Create(ctx, "/election", nil, coordination.Persistent)
	s.Require().NoError(err)

	first, err := c.Create(ctx, "/election/c_", nil, coordination.EphemeralSequential)
	s.Require().NoError(err)
	second, err := c.Create(ctx, "/election/c_", nil, coordination.EphemeralSequential)
	s.Require().NoError(err)
	s.Equal("/election/c_0000000000", first)
	s.Equal("/election/c_0000000001", second)

	children, err := c.Children(ctx, "/election")
	s.Require().NoError(err)
	s.ElementsMatch([]string{"c_0000000000", "c_0000000001"}, children)

	_, err = c.Create(ctx, "/election", nil, coordination.Persistent)
	s.ErrorIs(err, coordination.ErrNodeExists)
}

func (s *EtcdTestSuite) TestEphemeralReapedOnClose() {
	ctx := context.Background()
	owner := s.connect()
	observer := s.connect()
	defer observer.Close()

	_, err := observer.Create(ctx, "/service_registry", nil, coordination.Persistent)
	s.Require().NoError(err)
	path, err := owner.Create(ctx, "/service_registry/n_", []byte("10.0.0.5:9090"), coordination.EphemeralSequential)
	s.Require().NoError(err)

	_, watch, err := observer.ChildrenW(ctx, "/service_registry")
	s.Require().NoError(err)
	stat, err := observer.Exists(ctx, path)
	s.Require().NoError(err)
	s.Require().NotNil(stat)
	s.NotZero(stat.EphemeralOwner)

	s.Require().NoError(owner.Close())

	select {
	case ev := <-watch:
		s.Equal(coordination.EventNodeChildrenChanged, ev.Type)
	case <-time.After(10 * time.Second):
		s.Fail("children watch did not fire")
	}
	stat, err = observer.Exists(ctx, path)
	s.Require().NoError(err)
	s.Nil(stat)
}

func (s *EtcdTestSuite) TestDeleteVersionAndWatch() {
	ctx := context.Background()
	c := s.connect()
	defer c.Close()

	_, err := c.Create(ctx, "/node", []byte("x"), coordination.Persistent)
	s.Require().NoError(err)
	_, watch, err := c.ExistsW(ctx, "/node")
	s.Require().NoError(err)

	s.ErrorIs(c.Delete(ctx, "/node", 3), coordination.ErrBadVersion)
	s.Require().NoError(c.Delete(ctx, "/node", 0))
	s.ErrorIs(c.Delete(ctx, "/node", coordination.AnyVersion), coordination.ErrNoNode)

	select {
	case ev := <-watch:
		s.Equal(coordination.EventNodeDeleted, ev.Type)
		s.Equal("/node", ev.Path)
	case <-time.After(5 * time.Second):
		s.Fail("exists watch did not fire")
	}
}

func (s *EtcdTestSuite) TestCancelWatch() {
	ctx := context.Background()
	c := s.connect()
	defer c.Close()

	stat, watch, err := c.ExistsW(ctx, "/never")
	s.Require().NoError(err)
	s.Nil(stat)

	c.CancelWatch(watch)
	select {
	case ev, ok := <-watch:
		s.False(ok, "cancelled watch delivered %v", ev)
	case <-time.After(5 * time.Second):
		s.Fail("cancelled watch was not closed")
	}
	_, pending := c.watches.Load(watch)
	s.False(pending)
}

func TestEtcdTestSuite(t *testing.T) {
	suite.Run(t, new(EtcdTestSuite))
}
