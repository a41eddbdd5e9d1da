package collector

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/procbeat/internal/sockpath"
)

func (c *Collector) storeLastTick(now time.Time) {
	atomic.StoreInt64(&c.lastTick, now.UnixNano())
}

func (c *Collector) lastTickTime() (time.Time, bool) {
	n := atomic.LoadInt64(&c.lastTick)
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// HealthHandler returns an HTTP health endpoint: liveness fails when the
// event loop stops ticking, readiness when the socket path disappears.
func (c *Collector) HealthHandler() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("event-loop", func() error {
		last, ok := c.lastTickTime()
		if !ok {
			return errors.New("event loop has not started")
		}
		if stall := time.Since(last); stall > 3*c.conf.ReadTimeout {
			return errors.New("event loop stalled for " + stall.String())
		}
		return nil
	})
	h.AddReadinessCheck("socket-bound", func() error {
		if !sockpath.Exists(c.Path()) {
			return errors.New("socket path missing: " + c.Path())
		}
		return nil
	})
	return h
}
