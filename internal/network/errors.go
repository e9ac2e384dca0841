package network

import (
	"errors"
	"fmt"
)

// ErrLeaveTimeout means the runtime never confirmed a disconnect in time.
var ErrLeaveTimeout = errors.New("timed out waiting for network disconnect")

// FatalError is a network reconciliation failure the process cannot recover from without a restart.
type FatalError struct {
	Op        string
	NetworkID string
	Err       error
}

func NewFatalError(op, networkID string, err error) *FatalError {
	return &FatalError{Op: op, NetworkID: networkID, Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s on network %s: %v", e.Op, e.NetworkID, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
