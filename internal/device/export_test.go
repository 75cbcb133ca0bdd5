package device

import (
	"context"
	"time"
)

// SetSleep replaces the grace period wait in tests.
func (c *Controller) SetSleep(fn func(ctx context.Context, d time.Duration)) {
	c.sleep = fn
}
