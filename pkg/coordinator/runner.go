package coordinator

import (
	"context"
	"time"

	"github.com/codehub-dev/codehub/pkg/metrics"
)

// wakeWindow is how long after a wake hint a loop stays on the active
// cadence.
const wakeWindow = 30 * time.Second

// jitter spreads an interval by ±30% so replicas and loops never align.
func (c *Coordinator) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 0.7 + 0.6*c.rnd.Float64()
	return time.Duration(float64(d) * f)
}

// runAdaptive ticks a loop on the idle cadence, dropping to the active one
// while operations are in flight or a wake hint arrived recently. Hints are
// a latency optimization only; a missed one costs at most one idle interval.
func (c *Coordinator) runAdaptive(ctx context.Context, stepDown context.CancelFunc, name, wakeLoop string, t Ticker) {
	sub := c.broker.SubscribeWake(ctx, wakeLoop)
	defer sub.Close()
	hints := sub.Channel()

	var lastWake time.Time
	timer := time.NewTimer(c.jitter(c.cfg.ActiveInterval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case _, open := <-hints:
			if !open {
				hints = nil
				continue
			}
			lastWake = time.Now()
			metrics.WakeHintsTotal.WithLabelValues(name).Inc()
			// Coalesce hint bursts into one near-immediate tick.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.jitter(c.cfg.ActiveInterval))

		case <-timer.C:
			c.tickOnce(ctx, stepDown, name, t)

			interval := c.cfg.IdleInterval
			if c.active(ctx, lastWake) {
				interval = c.cfg.ActiveInterval
			}
			timer.Reset(c.jitter(interval))
		}
	}
}

// runFixed ticks a loop on a constant jittered interval.
func (c *Coordinator) runFixed(ctx context.Context, stepDown context.CancelFunc, name string, interval time.Duration, t Ticker) {
	timer := time.NewTimer(c.jitter(interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.tickOnce(ctx, stepDown, name, t)
			timer.Reset(c.jitter(interval))
		}
	}
}

// tickOnce verifies the lease, then runs one tick. A failed verification
// skips the tick and surrenders the lease; Run re-enters the election.
func (c *Coordinator) tickOnce(ctx context.Context, stepDown context.CancelFunc, name string, t Ticker) {
	if !c.verifyLease(ctx) {
		if ctx.Err() == nil {
			metrics.TicksTotal.WithLabelValues(name, "skipped").Inc()
		}
		stepDown()
		return
	}

	timer := metrics.NewTimer()
	err := t.Tick(ctx)
	timer.ObserveDurationVec(metrics.TickDuration, name)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.TicksTotal.WithLabelValues(name, "error").Inc()
		c.logger.Error().Err(err).Str("loop", name).Msg("tick failed")
		return
	}
	metrics.TicksTotal.WithLabelValues(name, "ok").Inc()
}

// active decides the cadence: any in-flight operation or a recent wake hint
// keeps the loop hot.
func (c *Coordinator) active(ctx context.Context, lastWake time.Time) bool {
	if time.Since(lastWake) < wakeWindow {
		return true
	}
	n, err := c.store.CountInFlightOperations(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("in-flight count failed, assuming active")
		return true
	}
	return n > 0
}
