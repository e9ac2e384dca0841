package event

import (
	"errors"
	"fmt"

	"github.com/docker/docker/api/types/events"
)

// ErrStreamClosed is reported when the runtime closes the event stream.
var ErrStreamClosed = errors.New("docker event stream closed")

type UnsupportedEventTypeError struct {
	eventType events.Type
	action    events.Action
}

func NewUnsupportedEventTypeError(eventType events.Type, action events.Action) *UnsupportedEventTypeError {
	return &UnsupportedEventTypeError{eventType: eventType, action: action}
}

func (e *UnsupportedEventTypeError) Error() string {
	return fmt.Sprintf("Unsupported event type: %s %s", e.eventType, e.action)
}
