package core

import (
	"errors"
	"fmt"
)

// ErrEventStreamLost is returned when the runtime event stream ends while serving.
var ErrEventStreamLost = errors.New("docker event stream lost")

// StartupError represents a failure of the startup sequence the daemon cannot serve without.
type StartupError struct {
	Step string
	Err  error
}

// NewStartupError creates a new StartupError
func NewStartupError(step string, err error) *StartupError {
	return &StartupError{Step: step, Err: err}
}

// Error implements the error interface
func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed while %s: %v", e.Step, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
