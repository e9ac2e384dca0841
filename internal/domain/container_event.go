package domain

import "fmt"

type EventType string

const (
	EventTypeConnected         EventType = "connected"
	EventTypeError             EventType = "error"
	EventTypeContainerStarted  EventType = "start"
	EventTypeContainerDied     EventType = "die"
	EventTypeContainerPaused   EventType = "pause"
	EventTypeContainerUnpaused EventType = "unpause"
	EventTypeNetworkCreated    EventType = "network_create"
	EventTypeNetworkDestroyed  EventType = "network_destroy"
	EventTypeNetworkDisconnect EventType = "network_disconnect"
)

// IsContainerAdd reports whether the event (re)inserts a container into the registry.
func (et EventType) IsContainerAdd() bool {
	return et == EventTypeContainerStarted || et == EventTypeContainerUnpaused
}

// IsContainerRemove reports whether the event removes a container from the registry.
func (et EventType) IsContainerRemove() bool {
	return et == EventTypeContainerDied || et == EventTypeContainerPaused
}

func (et EventType) IsNetwork() bool {
	return et == EventTypeNetworkCreated || et == EventTypeNetworkDestroyed || et == EventTypeNetworkDisconnect
}

// Event is a lifecycle notification from the container runtime.
type Event struct {
	Type EventType
	// ActorID is the container id for container events and the network id for network events.
	ActorID    string
	TimeNano   int64
	Attributes map[string]string
	// Err is set for EventTypeError.
	Err error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("%s %s @%d", e.Type, e.ActorID, e.TimeNano)
}
