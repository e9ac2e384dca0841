package network

import (
	"context"
	"fmt"
	"time"

	"github.com/auto-dns/swarm-discovery/internal/metrics"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
)

// attachment is one poll of both runtime views of this host's membership in a network.
type attachment struct {
	networkSide   bool
	containerSide bool
}

func (a attachment) detached() bool {
	return !a.networkSide && !a.containerSide
}

// Leave detaches this host from networkID and waits until the runtime agrees it is gone.
// Timeouts and unexpected disconnect failures are returned as *FatalError.
func (c *Controller) Leave(ctx context.Context, networkID, networkName string) error {
	err := c.leave(ctx, networkID, networkName)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.NetworkOperations.WithLabelValues("leave", result).Inc()
	return err
}

func (c *Controller) leave(ctx context.Context, networkID, networkName string) error {
	log := c.logger.With().Str("network", networkName).Str("network_id", networkID).Logger()

	// check: nothing to do when the network does not list us.
	attached, err := c.networkSideAttached(ctx, networkID)
	if err != nil {
		return fmt.Errorf("inspecting network %s: %w", networkName, err)
	}
	if !attached {
		log.Info().Msg("Not connected to network, nothing to leave")
		return nil
	}

	// disconnect
	start := c.clock.Now()
	if err := c.disconnect(ctx, networkID); err != nil {
		return err
	}
	lastAttempt := c.clock.Now()

	// settle
	if err := c.sleep(ctx, c.opts.Leave.InitialDelay); err != nil {
		return err
	}

	// verify
	for {
		state := c.poll(ctx, networkID)
		if state.detached() {
			log.Info().Msg("Left network")
			return nil
		}

		now := c.clock.Now()
		elapsed := now.Sub(start)
		if elapsed >= c.opts.Leave.Deadline {
			return NewFatalError("leave", networkID, ErrLeaveTimeout)
		}
		if elapsed >= c.opts.Leave.TolerateAfter {
			if !state.networkSide {
				log.Warn().Dur("elapsed", elapsed).Msg("Container view still lists the network; accepting as detached")
				return nil
			}
			return NewFatalError("leave", networkID, fmt.Errorf("%w: still attached after %s", ErrLeaveTimeout, elapsed))
		}
		if now.Sub(lastAttempt) >= c.opts.Leave.RetryAfter {
			log.Warn().Dur("elapsed", elapsed).Msg("Still connected to network, retrying disconnect")
			if err := c.disconnect(ctx, networkID); err != nil {
				return err
			}
			lastAttempt = c.clock.Now()
		}

		if err := c.sleep(ctx, c.opts.Leave.PollInterval); err != nil {
			return err
		}
	}
}

func (c *Controller) disconnect(ctx context.Context, networkID string) error {
	err := c.cli.NetworkDisconnect(ctx, networkID, c.SelfID(), true)
	if err == nil || isNotConnected(err) {
		return nil
	}
	return NewFatalError("disconnect", networkID, err)
}

// poll reads both views. A view that cannot be read counts as still attached, except for not-found.
func (c *Controller) poll(ctx context.Context, networkID string) attachment {
	var state attachment
	var err error
	if state.networkSide, err = c.networkSideAttached(ctx, networkID); err != nil {
		c.logger.Debug().Err(err).Str("network_id", networkID).Msg("Inspecting network while leaving")
		state.networkSide = true
	}
	if state.containerSide, err = c.containerSideAttached(ctx, networkID); err != nil {
		c.logger.Debug().Err(err).Str("network_id", networkID).Msg("Inspecting own container while leaving")
		state.containerSide = true
	}
	return state
}

func (c *Controller) networkSideAttached(ctx context.Context, networkID string) (bool, error) {
	ins, err := c.cli.NetworkInspect(ctx, networkID, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	_, ok := ins.Containers[c.SelfID()]
	return ok, nil
}

func (c *Controller) containerSideAttached(ctx context.Context, networkID string) (bool, error) {
	self, err := c.cli.ContainerInspect(ctx, c.SelfID())
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if self.NetworkSettings == nil {
		return false, nil
	}
	for _, ep := range self.NetworkSettings.Networks {
		if ep != nil && ep.NetworkID == networkID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
