package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/rs/zerolog"
)

const bufferSize = 100

// DockerGenerator turns the docker event stream into domain events.
// The first event on a healthy stream is EventTypeConnected; the last one on a broken stream is EventTypeError.
type DockerGenerator struct {
	logger zerolog.Logger
	cli    dockerClient
}

func NewDockerGenerator(cli dockerClient, logger zerolog.Logger) *DockerGenerator {
	return &DockerGenerator{
		logger: logger.With().Str("component", "events").Logger(),
		cli:    cli,
	}
}

func (dg *DockerGenerator) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	if _, err := dg.cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}

	filterArgs := filters.NewArgs()
	filterArgs.Add("type", string(events.ContainerEventType))
	filterArgs.Add("type", string(events.NetworkEventType))
	for _, action := range []events.Action{
		events.ActionStart, events.ActionDie, events.ActionPause, events.ActionUnPause,
		events.ActionCreate, events.ActionDestroy, events.ActionDisconnect,
	} {
		filterArgs.Add("event", string(action))
	}
	eventCh, errCh := dg.cli.Events(ctx, events.ListOptions{Filters: filterArgs})

	out := make(chan domain.Event, bufferSize)
	go func() {
		defer close(out)

		if !dg.emit(ctx, out, domain.Event{Type: domain.EventTypeConnected}) {
			return
		}
		dg.logger.Info().Msg("Connected to docker event stream")

		for {
			select {
			case <-ctx.Done():
				dg.logger.Info().Msg("Docker event generator cancelled by context")
				return
			case err, ok := <-errCh:
				if ctx.Err() != nil {
					return
				}
				if !ok || err == nil {
					err = ErrStreamClosed
				}
				dg.logger.Error().Err(err).Msg("Error from Docker events stream")
				dg.emit(ctx, out, domain.Event{Type: domain.EventTypeError, Err: err})
				return
			case msg, ok := <-eventCh:
				if !ok {
					dg.emit(ctx, out, domain.Event{Type: domain.EventTypeError, Err: ErrStreamClosed})
					return
				}

				ev, convErr := fromEventsMessage(msg)
				if convErr != nil {
					var unsupported *UnsupportedEventTypeError
					if errors.As(convErr, &unsupported) {
						dg.logger.Debug().Err(convErr).Msg("Skipping docker event message")
					} else {
						dg.logger.Error().Err(convErr).Msg("converting docker event message")
					}
					continue
				}

				dg.logger.Debug().Str("event", ev.String()).Msg("Received Docker event")
				if !dg.emit(ctx, out, ev) {
					return
				}
			}
		}
	}()

	return out, nil
}

func (dg *DockerGenerator) emit(ctx context.Context, out chan<- domain.Event, ev domain.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
