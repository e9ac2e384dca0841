package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/auto-dns/swarm-discovery/internal/metrics"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const startupInspectConcurrency = 16

// Engine consumes lifecycle events one at a time and applies them to the registry and the network controller.
type Engine struct {
	logger    zerolog.Logger
	cli       dockerClient
	generator generator
	registry  containerRegistry
	network   networkController
	ready     chan struct{}
	readyOnce sync.Once
}

func NewEngine(logger zerolog.Logger, cli dockerClient, gen generator, reg containerRegistry, network networkController) *Engine {
	return &Engine{
		logger:    logger.With().Str("component", "engine").Logger(),
		cli:       cli,
		generator: gen,
		registry:  reg,
		network:   network,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once startup reconciliation has finished.
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

// Run blocks until ctx is done or a fatal error occurs.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("Starting engine")

	eventCh, err := e.generator.Subscribe(ctx)
	if err != nil {
		return NewStartupError("subscribing to docker events", err)
	}

	started := false
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Engine shutting down")
			return nil
		case ev, ok := <-eventCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrEventStreamLost
			}
			metrics.LifecycleEvents.WithLabelValues(string(ev.Type)).Inc()

			switch {
			case ev.Type == domain.EventTypeConnected:
				if started {
					continue
				}
				if err := e.startup(ctx); err != nil {
					return err
				}
				started = true
				e.readyOnce.Do(func() { close(e.ready) })
			case ev.Type == domain.EventTypeError:
				return fmt.Errorf("%w: %w", ErrEventStreamLost, ev.Err)
			case ev.Type.IsContainerAdd():
				e.addContainer(ctx, ev.ActorID, ev.TimeNano)
			case ev.Type.IsContainerRemove():
				e.removeContainer(ev.ActorID, ev.TimeNano)
			case ev.Type.IsNetwork():
				if !started {
					e.logger.Debug().Str("event", ev.String()).Msg("Ignoring network event before startup finished")
					continue
				}
				e.network.HandleEvent(ctx, ev)
			}
		}
	}
}

func (e *Engine) startup(ctx context.Context) error {
	e.logger.Info().Msg("Connected to docker, registering running containers")

	containers, err := e.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return NewStartupError("listing containers", err)
	}

	// Failures are isolated per container, so the group never returns an error.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(startupInspectConcurrency)
	for _, c := range containers {
		id := c.ID
		g.Go(func() error {
			e.addContainer(gctx, id, 0)
			return nil
		})
	}
	_ = g.Wait()

	if err := e.network.Reconcile(ctx); err != nil {
		return NewStartupError("reconciling networks", err)
	}

	e.logger.Info().Int("containers", len(containers)).Msg("Startup finished")
	return nil
}

// addContainer inspects and registers a container. eventTime 0 means a startup registration.
func (e *Engine) addContainer(ctx context.Context, id string, eventTime int64) {
	if eventTime != 0 && e.registry.HasNewerRemovalMark(id, eventTime) {
		e.logger.Debug().Str("container_id", id).Msg("Ignoring start older than an applied removal")
		return
	}

	data, err := e.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			if eventTime != 0 {
				e.registry.UpsertRemovalMark(id, eventTime)
			}
			e.logger.Debug().Err(err).Str("container_id", id).Msg("Container not found. Exited right after start?")
			return
		}
		e.logger.Error().Err(err).Str("container_id", id).Msg("Inspecting container")
		return
	}

	c, err := e.registry.AddContainer(data, eventTime)
	if err != nil {
		e.logger.Debug().Err(err).Str("container_id", id).Msg("Container not added")
		return
	}
	e.logger.Debug().Str("container", c.Name).Msg("Container added")
}

func (e *Engine) removeContainer(id string, eventTime int64) {
	if e.registry.RemoveContainer(id, eventTime) {
		e.logger.Debug().Str("container_id", id).Msg("Container removed")
	}
}
