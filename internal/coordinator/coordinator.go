package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/interchatapp/interchat-calls/internal/config"
	"github.com/interchatapp/interchat-calls/pkg/logger"
	"github.com/interchatapp/interchat-calls/pkg/metrics"
)

// LeaseStore is the shared lease backend. Implemented by redisrepo.LeaseRepository.
type LeaseStore interface {
	Acquire(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, owner string) error
	CurrentLeader(ctx context.Context) (string, error)
}

// State is the coordination state of this process.
type State int32

const (
	StateFollower State = iota
	StateCandidate
	StateLeader
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateFollower:
		return "follower"
	case StateCandidate:
		return "candidate"
	case StateLeader:
		return "leader"
	}
	return "unknown"
}

// Coordinator elects exactly one matchmaker leader cluster-wide through a
// time-limited lease in the shared store. Lease expiry is the only
// transition trigger: acquire moves Candidate to Leader, a failed renewal
// drops Leader back to Follower. The brief window where a renewing leader
// and a fresh acquirer overlap is tolerated because match creation is
// idempotent through the queue's atomic dequeue.
type Coordinator struct {
	lease   LeaseStore
	cfg     config.CoordinatorConfig
	owner   string
	metrics *metrics.Metrics

	state atomic.Int32

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a coordinator. owner must be unique per process; metrics may
// be nil in tests.
func New(lease LeaseStore, cfg config.CoordinatorConfig, owner string, m *metrics.Metrics) *Coordinator {
	c := &Coordinator{
		lease:   lease,
		cfg:     cfg,
		owner:   owner,
		metrics: m,
		stop:    make(chan struct{}),
	}
	c.state.Store(int32(StateFollower))
	return c
}

// IsLeader is a cheap local check of the current state.
func (c *Coordinator) IsLeader() bool {
	return State(c.state.Load()) == StateLeader
}

// CurrentState returns the coordination state of this process.
func (c *Coordinator) CurrentState() State {
	return State(c.state.Load())
}

// Owner returns this process's lease identity.
func (c *Coordinator) Owner() string {
	return c.owner
}

// CurrentLeader reads the lease holder from the shared store; empty when
// the lease is unheld.
func (c *Coordinator) CurrentLeader(ctx context.Context) (string, error) {
	return c.lease.CurrentLeader(ctx)
}

// Start launches the election loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return nil
}

// Stop halts the election loop and releases the lease if held, so failover
// is immediate instead of waiting out the TTL.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()

	if c.CurrentState() == StateLeader {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.lease.Release(ctx, c.owner); err != nil {
			logger.Warn("failed to release leader lease", zap.Error(err))
		}
	}
	c.setState(StateFollower)
}

func (c *Coordinator) run(ctx context.Context) {
	renewInterval := c.cfg.LeaseTTL / 3
	if renewInterval <= 0 {
		renewInterval = time.Second
	}

	for {
		switch c.CurrentState() {
		case StateFollower:
			// Jitter spreads simultaneous campaigns from workers that
			// started at the same moment.
			wait := c.cfg.RetryInterval + time.Duration(rand.Int63n(int64(c.cfg.RetryInterval)/2+1))
			if !c.sleep(ctx, wait) {
				return
			}
			c.setState(StateCandidate)

		case StateCandidate:
			acquired, err := c.lease.Acquire(ctx, c.owner, c.cfg.LeaseTTL)
			if err != nil {
				logger.Warn("lease acquire failed", zap.Error(err))
				c.setState(StateFollower)
				continue
			}
			if acquired {
				logger.Info("became matchmaker leader", zap.String("owner", c.owner))
				c.setState(StateLeader)
			} else {
				c.setState(StateFollower)
			}

		case StateLeader:
			if !c.sleep(ctx, renewInterval) {
				return
			}
			renewed, err := c.lease.Renew(ctx, c.owner, c.cfg.LeaseTTL)
			if err != nil {
				c.recordRenewal("error")
				logger.Warn("lease renew failed", zap.Error(err))
				c.setState(StateFollower)
				continue
			}
			if !renewed {
				c.recordRenewal("lost")
				logger.Warn("lost matchmaker leadership", zap.String("owner", c.owner))
				c.setState(StateFollower)
				continue
			}
			c.recordRenewal("ok")
		}
	}
}

// sleep waits for d, returning false when the coordinator is stopping.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.stop:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	if c.metrics != nil {
		c.metrics.SetLeader(s == StateLeader)
	}
}

func (c *Coordinator) recordRenewal(result string) {
	if c.metrics != nil {
		c.metrics.RecordLeaseRenewal(result)
	}
}
