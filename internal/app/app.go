package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/auto-dns/swarm-discovery/internal/config"
	"github.com/auto-dns/swarm-discovery/internal/core"
	dnsserver "github.com/auto-dns/swarm-discovery/internal/dns"
	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/auto-dns/swarm-discovery/internal/event"
	"github.com/auto-dns/swarm-discovery/internal/metrics"
	"github.com/auto-dns/swarm-discovery/internal/network"
	"github.com/auto-dns/swarm-discovery/internal/proxy"
	"github.com/auto-dns/swarm-discovery/internal/registry"
	"github.com/auto-dns/swarm-discovery/internal/resolver"
	"github.com/auto-dns/swarm-discovery/internal/util"
	"github.com/benbjohnson/clock"
	dockerCli "github.com/docker/docker/client"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type App struct {
	dockerClient *dockerCli.Client
	registry     *registry.Registry
	engine       *core.Engine
	cache        *proxy.Cache
	dnsServer    *dnsserver.Server
	metrics      *metrics.Server
	logger       zerolog.Logger
}

// New creates a new App by wiring up all dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	// Docker CLI
	opts := []dockerCli.Opt{dockerCli.FromEnv, dockerCli.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, dockerCli.WithHost(config.DockerHostFromEndpoint(cfg.Docker.Host)))
	}
	dockerClient, err := dockerCli.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	clk := clock.New()

	// Registry and network membership
	reg := registry.New(clk, registry.Options{
		RemovalMarkTTL:    cfg.Registry.RemovalMarkTTL,
		StartupRankOffset: cfg.Registry.StartupRankOffset,
	}, logger)
	controller := network.NewController(dockerClient, reg, clk, network.Options{
		Enabled:    !cfg.Network.NoAutoNetworks,
		SkipIP:     cfg.Network.SkipIP,
		SelfIDFile: cfg.Network.SelfIDFile,
		CgroupFile: cfg.Network.CgroupFile,
		Leave: network.LeaveTimings{
			InitialDelay:  cfg.Network.Leave.InitialDelay,
			PollInterval:  cfg.Network.Leave.PollInterval,
			RetryAfter:    cfg.Network.Leave.RetryAfter,
			TolerateAfter: cfg.Network.Leave.TolerateAfter,
			Deadline:      cfg.Network.Leave.Deadline,
		},
	}, logger)

	// Engine
	gen := event.NewDockerGenerator(dockerClient, logger)
	engine := core.NewEngine(logger, dockerClient, gen, reg, controller)

	// DNS
	cache := proxy.New(proxy.NewClient(cfg.DNS.Timeout()), clk, proxy.Options{
		Upstream:   cfg.DNS.ResolverAddr(),
		Timeout:    cfg.DNS.Timeout(),
		GCInterval: cfg.Proxy.GCInterval,
		LogQueries: cfg.Logging.DNSQueries,
		LogCached:  cfg.Logging.DNSCached,
	}, logger)
	res := resolver.New(reg, cache, controller, clk, resolver.Options{
		TLD:            cfg.DNS.TLD,
		DefaultNetwork: cfg.DNS.DefaultNetwork,
		SlowQuery:      cfg.DNS.SlowQuery(),
	}, logger)

	a := &App{
		dockerClient: dockerClient,
		registry:     reg,
		engine:       engine,
		cache:        cache,
		dnsServer:    dnsserver.NewServer(cfg.DNS.ListenAddr(), res, logger),
		logger:       logger,
	}
	if cfg.Metrics.ListenAddr != "" {
		a.metrics = metrics.NewServer(cfg.Metrics.ListenAddr, logger)
	}
	return a, nil
}

// Run starts the engine and, once startup reconciliation has finished, the DNS listener.
// It returns when ctx is done or any component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info().Msg("Application starting")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.engine.Run(gctx); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.engine.Ready():
		}
		a.logger.Info().Msg("Server is starting...")
		return a.dnsServer.Run(gctx)
	})
	g.Go(func() error {
		a.cache.Run(gctx)
		return nil
	})
	if a.metrics != nil {
		g.Go(func() error { return a.metrics.Run(gctx) })
	}
	g.Go(func() error {
		a.dumpOnSignal(gctx)
		return nil
	})

	return g.Wait()
}

// dumpOnSignal logs the registry contents on every SIGUSR1.
func (a *App) dumpOnSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			a.dump()
		}
	}
}

func (a *App) dump() {
	snap := a.registry.Snapshot()
	for _, c := range snap.Containers {
		a.logger.Info().
			Str("container_id", c.Id).
			Str("name", c.Name).
			Interface("ips", c.IPs).
			Interface("aliases", c.NetworkAliases).
			Strs("binds", c.PortBindings).
			Int64("added", c.LastEventTime).
			Msg("Dump: container")
	}
	a.logger.Info().Strs("networks", util.Map(snap.Networks, domain.Network.String)).Msg("Dump: networks")
	for name, aliases := range snap.Index {
		a.logger.Info().Str("network", name).Interface("aliases", aliases).Msg("Dump: name index")
	}
}

func (a *App) Close() error {
	if a.dockerClient != nil {
		if err := a.dockerClient.Close(); err != nil {
			return fmt.Errorf("close docker client: %w", err)
		}
	}
	return nil
}
