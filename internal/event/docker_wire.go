package event

import (
	"github.com/auto-dns/swarm-discovery/internal/domain"
	"github.com/docker/docker/api/types/events"
)

var containerActions = map[events.Action]domain.EventType{
	events.ActionStart:   domain.EventTypeContainerStarted,
	events.ActionDie:     domain.EventTypeContainerDied,
	events.ActionPause:   domain.EventTypeContainerPaused,
	events.ActionUnPause: domain.EventTypeContainerUnpaused,
}

var networkActions = map[events.Action]domain.EventType{
	events.ActionCreate:     domain.EventTypeNetworkCreated,
	events.ActionDestroy:    domain.EventTypeNetworkDestroyed,
	events.ActionDisconnect: domain.EventTypeNetworkDisconnect,
}

func fromEventsMessage(msg events.Message) (domain.Event, error) {
	var (
		eventType domain.EventType
		ok        bool
	)
	switch msg.Type {
	case events.ContainerEventType:
		eventType, ok = containerActions[msg.Action]
	case events.NetworkEventType:
		eventType, ok = networkActions[msg.Action]
	}
	if !ok {
		return domain.Event{}, NewUnsupportedEventTypeError(msg.Type, msg.Action)
	}
	return domain.Event{
		Type:       eventType,
		ActorID:    msg.Actor.ID,
		TimeNano:   msg.TimeNano,
		Attributes: msg.Actor.Attributes,
	}, nil
}
