package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/auto-dns/swarm-discovery/internal/metrics"
	"github.com/auto-dns/swarm-discovery/internal/util"
	"github.com/benbjohnson/clock"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"
)

const overlayDriver = "overlay"

// LeaveTimings are the waits and deadlines of the leave protocol.
type LeaveTimings struct {
	InitialDelay  time.Duration
	PollInterval  time.Duration
	RetryAfter    time.Duration
	TolerateAfter time.Duration
	Deadline      time.Duration
}

func DefaultLeaveTimings() LeaveTimings {
	return LeaveTimings{
		InitialDelay:  5 * time.Second,
		PollInterval:  3 * time.Second,
		RetryAfter:    10 * time.Second,
		TolerateAfter: 30 * time.Second,
		Deadline:      60 * time.Second,
	}
}

type Options struct {
	Enabled    bool
	SkipIP     uint32
	SelfIDFile string
	CgroupFile string
	Leave      LeaveTimings
}

// Controller keeps this host's overlay network memberships in sync with the runtime.
type Controller struct {
	logger  zerolog.Logger
	cli     dockerClient
	store   networkStore
	clock   clock.Clock
	opts    Options
	enabled atomic.Bool
	selfID  atomic.Value
}

func NewController(cli dockerClient, store networkStore, clk clock.Clock, opts Options, logger zerolog.Logger) *Controller {
	if opts.Leave == (LeaveTimings{}) {
		opts.Leave = DefaultLeaveTimings()
	}
	c := &Controller{
		logger: logger.With().Str("component", "network").Logger(),
		cli:    cli,
		store:  store,
		clock:  clk,
		opts:   opts,
	}
	c.enabled.Store(opts.Enabled)
	c.selfID.Store("")
	return c
}

// Enabled reports whether auto network management is still active.
func (c *Controller) Enabled() bool {
	return c.enabled.Load()
}

func (c *Controller) SelfID() string {
	return c.selfID.Load().(string)
}

func (c *Controller) disable(err error, reason string) {
	c.enabled.Store(false)
	c.logger.Warn().Err(err).Msgf("Auto network management disabled: %s", reason)
}

// Reconcile runs the startup sequence: leave every stale overlay attachment, join every overlay network,
// then refresh own addresses. Only a *FatalError is returned; anything else disables auto management.
func (c *Controller) Reconcile(ctx context.Context) error {
	if !c.Enabled() {
		c.logger.Info().Msg("Auto network management disabled by configuration")
		return nil
	}

	selfID, err := ReadSelfID(c.opts.SelfIDFile, c.opts.CgroupFile)
	if err != nil {
		c.disable(err, "not started as a docker container")
		return nil
	}
	c.selfID.Store(selfID)
	c.logger.Info().Str("container_id", selfID).Msg("Resolved own container id")

	overlays, err := c.listOverlays(ctx)
	if err != nil {
		c.disable(err, "listing overlay networks")
		return nil
	}

	self, err := c.cli.ContainerInspect(ctx, selfID)
	if err != nil {
		c.disable(err, "inspecting own container")
		return nil
	}

	if self.NetworkSettings != nil {
		for _, name := range util.SortedKeys(self.NetworkSettings.Networks) {
			ep := self.NetworkSettings.Networks[name]
			if ep == nil {
				continue
			}
			if _, ok := overlays[ep.NetworkID]; !ok {
				continue
			}
			if err := c.Leave(ctx, ep.NetworkID, name); err != nil {
				var fatal *FatalError
				if errors.As(err, &fatal) {
					return err
				}
				c.disable(err, "leaving stale network "+name)
				return nil
			}
		}
	}

	for _, id := range util.SortedKeys(overlays) {
		_ = c.Join(ctx, id, true)
	}

	if err := c.RefreshSelfIPs(ctx); err != nil {
		c.disable(err, "refreshing own network addresses")
	}
	return nil
}

// Join attaches this host to networkID at its reserved address and records the network.
// A failure affects only this network.
func (c *Controller) Join(ctx context.Context, networkID string, skipSelfIPRefresh bool) error {
	err := c.join(ctx, networkID, skipSelfIPRefresh)
	if err != nil {
		metrics.NetworkOperations.WithLabelValues("join", "error").Inc()
		c.logger.Error().Err(err).Str("network_id", networkID).Msg("Auto network recognition and in-network DNS disabled for network")
		return err
	}
	metrics.NetworkOperations.WithLabelValues("join", "ok").Inc()
	return nil
}

func (c *Controller) join(ctx context.Context, networkID string, skipSelfIPRefresh bool) error {
	ins, err := c.cli.NetworkInspect(ctx, networkID, network.InspectOptions{})
	if err != nil {
		return fmt.Errorf("inspecting network: %w", err)
	}
	record, err := networkRecord(ins)
	if err != nil {
		return err
	}
	addr, err := joinAddress(record, c.opts.SkipIP)
	if err != nil {
		return err
	}

	endpoint := &network.EndpointSettings{
		IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: addr},
	}
	if err := c.cli.NetworkConnect(ctx, networkID, c.SelfID(), endpoint); err != nil {
		return fmt.Errorf("connecting to network %s at %s: %w", record.Name, addr, err)
	}

	c.store.AddNetworks(record)
	c.logger.Info().Str("network", record.Name).Str("address", addr).Msg("Connected to network")

	if skipSelfIPRefresh {
		return nil
	}
	return c.RefreshSelfIPs(ctx)
}

// RefreshSelfIPs copies this host's per-network addresses into the network records.
func (c *Controller) RefreshSelfIPs(ctx context.Context) error {
	self, err := c.cli.ContainerInspect(ctx, c.SelfID())
	if err != nil {
		return fmt.Errorf("inspecting own container: %w", err)
	}
	if self.NetworkSettings == nil {
		return nil
	}
	for _, ep := range self.NetworkSettings.Networks {
		if ep == nil {
			continue
		}
		c.store.SetNetworkIP(ep.NetworkID, ep.IPAddress)
	}
	return nil
}

// HandleEvent reacts to runtime network notifications while serving.
func (c *Controller) HandleEvent(ctx context.Context, ev domain.Event) {
	if !c.Enabled() {
		return
	}
	switch ev.Type {
	case domain.EventTypeNetworkCreated:
		if ev.Attributes["type"] == overlayDriver {
			_ = c.Join(ctx, ev.ActorID, false)
		}
	case domain.EventTypeNetworkDestroyed:
		if c.store.RemoveNetwork(ev.ActorID) {
			c.logger.Info().Str("network_id", ev.ActorID).Msg("Network destroyed")
		}
	case domain.EventTypeNetworkDisconnect:
		if ev.Attributes["container"] == c.SelfID() && c.store.RemoveNetwork(ev.ActorID) {
			c.logger.Info().Str("network_id", ev.ActorID).Msg("Disconnected from network")
		}
	}
}

func (c *Controller) listOverlays(ctx context.Context) (map[string]network.Summary, error) {
	args := filters.NewArgs(filters.Arg("driver", overlayDriver))
	list, err := c.cli.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		return nil, err
	}
	// The daemon-side filter is not relied on.
	list = util.Filter(list, func(n network.Summary) bool { return n.Driver == overlayDriver })
	out := make(map[string]network.Summary, len(list))
	for _, n := range list {
		out[n.ID] = n
	}
	return out, nil
}

// isNotConnected reports disconnect errors that mean the attachment is already gone.
func isNotConnected(err error) bool {
	return errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is not connected")
}
