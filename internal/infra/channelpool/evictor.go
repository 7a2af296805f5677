package channelpool

import (
	"context"
	"time"
)

func (p *Pool) runEvictor(ctx context.Context) {
	defer close(p.evictorDone)

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evictIdle(ctx)
		}
	}
}

// evictIdle closes channels idle longer than IdleTimeout, oldest first, while
// leaving at least MinIdle idle channels per key.
func (p *Pool) evictIdle(ctx context.Context) {
	p.mu.Lock()
	pools := make([]*keyedPool, 0, len(p.pools))
	for _, kp := range p.pools {
		pools = append(pools, kp)
	}
	p.mu.Unlock()

	cutoff := p.now().Add(-p.cfg.IdleTimeout)
	for _, kp := range pools {
		kp.mu.Lock()
		var expired []*entry
		// idle is LIFO, so the oldest entries sit at the front.
		for len(kp.idle) > p.cfg.MinIdle && kp.idle[0].idleSince.Before(cutoff) {
			expired = append(expired, kp.idle[0])
			kp.idle = kp.idle[1:]
			kp.live--
		}
		if len(expired) > 0 {
			kp.signal()
		}
		kp.mu.Unlock()

		for _, e := range expired {
			_ = e.channel.Close()
		}
		if len(expired) > 0 {
			p.log.Debug(ctx, "evicted idle channels", "pool_key", kp.key.String(), "count", len(expired))
		}
	}
}
