// Package device powers the station off after work when it runs on a
// duty cycle.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// PowerManager switches the device off.
type PowerManager interface {
	PowerOff(ctx context.Context) error
}

// CommandPowerManager powers off by running a shell-free command.
type CommandPowerManager struct {
	command []string
}

func NewCommandPowerManager(command string) (*CommandPowerManager, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, errors.New("power-off command is empty")
	}
	return &CommandPowerManager{command: args}, nil
}

func (p *CommandPowerManager) PowerOff(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, p.command[0], p.command[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("power off: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Controller powers the device off after a task when shutdown is enabled.
// A grace period passes first so that logs are flushed and state persisted.
type Controller struct {
	power   PowerManager
	enabled bool
	grace   time.Duration
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration)

	once sync.Once
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

func WithGracePeriod(d time.Duration) ControllerOption {
	return func(c *Controller) { c.grace = d }
}

func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// NewController returns a Controller. A disabled one never powers off.
func NewController(power PowerManager, enabled bool, opts ...ControllerOption) *Controller {
	c := &Controller{
		power:   power,
		enabled: enabled,
		grace:   30 * time.Second,
		logger:  slog.Default(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a power-off follows each task.
func (c *Controller) Enabled() bool {
	return c != nil && c.enabled && c.power != nil
}

// ShutdownAfterTask waits for the grace period and powers off. It only
// logs failures so that it can be called at the end of any job, failed or
// not. Only the first call has an effect. It reports whether a power-off was
// requested.
func (c *Controller) ShutdownAfterTask(ctx context.Context, reason string) bool {
	if !c.Enabled() {
		return false
	}
	requested := false
	c.once.Do(func() {
		requested = true
		c.logger.Warn("device shutdown scheduled", "reason", reason, "grace", c.grace.String())
		c.sleep(ctx, c.grace)

		// The power-off must proceed even if the job's context was cancelled.
		if err := c.power.PowerOff(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error("device power-off failed", "error", err)
			return
		}
		c.logger.Warn("device power-off issued")
	})
	return requested
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
