package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codehub-dev/codehub/pkg/broker"
	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
	"github.com/codehub-dev/codehub/pkg/storage"
)

// Ticker is one reconciliation loop body.
type Ticker interface {
	Tick(ctx context.Context) error
}

// LeaderSession is the advisory-lock surface of a dedicated database
// session.
type LeaderSession interface {
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	HoldsAdvisoryLock(ctx context.Context, key int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key int64) error
}

const (
	// defaultStartupSpread de-synchronizes replicas racing for the lock
	// after a mass restart.
	defaultStartupSpread = 5 * time.Second

	// verifyBudget bounds the pre-tick lock check so a stalled session
	// cannot wedge a loop.
	verifyBudget = 2 * time.Second
)

// Coordinator elects one leader per deployment and runs the four loops
// under that lease: controller and observer on an adaptive cadence, TTL and
// GC on fixed intervals. Losing the lease cancels all loops and re-enters
// the election.
type Coordinator struct {
	session LeaderSession
	store   storage.Store
	broker  *broker.Broker
	cfg     *config.Config

	controller Ticker
	observer   Ticker
	ttl        Ticker
	gc         Ticker

	logger zerolog.Logger
	rnd    *rand.Rand

	// sessionMu serializes loops sharing the single-connection session.
	sessionMu     sync.Mutex
	startupSpread time.Duration
}

// New wires the coordinator.
func New(session LeaderSession, store storage.Store, b *broker.Broker, cfg *config.Config,
	controller, observer, ttl, gc Ticker) *Coordinator {
	return &Coordinator{
		session:    session,
		store:      store,
		broker:     b,
		cfg:        cfg,
		controller: controller,
		observer:   observer,
		ttl:        ttl,
		gc:         gc,
		logger:     log.WithComponent("coordinator"),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),

		startupSpread: defaultStartupSpread,
	}
}

// Run competes for leadership until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.startupSpread > 0 {
		if err := sleepCtx(ctx, time.Duration(c.rnd.Int63n(int64(c.startupSpread)))); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		got, err := c.session.TryAdvisoryLock(ctx, storage.LeaderLockCoordinator)
		if err != nil {
			c.logger.Error().Err(err).Msg("leader election attempt failed")
			if err := sleepCtx(ctx, c.jitter(c.cfg.IdleInterval)); err != nil {
				return err
			}
			continue
		}
		if !got {
			if err := sleepCtx(ctx, c.jitter(c.cfg.IdleInterval)); err != nil {
				return err
			}
			continue
		}

		c.logger.Info().Msg("acquired coordinator leadership")
		metrics.IsLeader.WithLabelValues("coordinator").Set(1)
		c.lead(ctx)
		metrics.IsLeader.WithLabelValues("coordinator").Set(0)

		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.session.ReleaseAdvisoryLock(releaseCtx, storage.LeaderLockCoordinator); err != nil {
			c.logger.Warn().Err(err).Msg("leadership release failed")
		}
		cancel()

		if err := ctx.Err(); err != nil {
			return err
		}
		c.logger.Warn().Msg("stepped down from coordinator leadership")
	}
}

// lead runs all loops until the lease is lost or ctx is canceled. Each loop
// re-verifies the lease before ticking; the first one to find it gone cancels
// the rest.
func (c *Coordinator) lead(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runAdaptive(ctx, cancel, "wc", broker.LoopController, c.controller)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runAdaptive(ctx, cancel, "ob", broker.LoopObserver, c.observer)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runFixed(ctx, cancel, "ttl", c.cfg.TTLInterval, c.ttl)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runFixed(ctx, cancel, "gc", c.cfg.GCInterval, c.gc)
	}()

	wg.Wait()
}

// verifyLease re-checks the advisory lock. A dropped session releases the
// lock server-side, so holding it is proof the lease is still ours.
func (c *Coordinator) verifyLease(ctx context.Context) bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	vctx, cancel := context.WithTimeout(ctx, verifyBudget)
	defer cancel()

	held, err := c.session.HoldsAdvisoryLock(vctx, storage.LeaderLockCoordinator)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("leadership verification failed")
		}
		return false
	}
	if !held && ctx.Err() == nil {
		c.logger.Warn().Msg("coordinator lock lost")
	}
	return held
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
