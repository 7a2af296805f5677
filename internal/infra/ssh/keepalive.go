package ssh

import (
	"context"
	"time"
)

const keepaliveCommand = "echo keepalive"

// keepalive issues a no-op command every KeepaliveInterval until ctx is
// cancelled by Close. Failures are logged and never close the channel;
// liveness is decided when the pool validates the channel before lending it.
func (c *Channel) keepalive(ctx context.Context) {
	defer close(c.keepaliveDone)

	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.run(ctx, keepaliveCommand, c.cfg.KeepaliveTimeout); err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				c.log.Warn(ctx, "keepalive failed", "consecutive_failures", failures, "error", err)
				continue
			}
			if failures > 0 {
				c.log.Info(ctx, "keepalive recovered", "after_failures", failures)
			}
			failures = 0
		}
	}
}
