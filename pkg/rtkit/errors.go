package rtkit

import (
	"errors"
	"fmt"
)

var (
	// ErrEndpointNotPresent is returned when starting an endpoint the
	// coprocessor did not advertise in its endpoint map.
	ErrEndpointNotPresent = errors.New("rtkit: endpoint not present")
	// ErrNotBooted is returned for application traffic before boot completes.
	ErrNotBooted = errors.New("rtkit: coprocessor not booted")
	// ErrAlreadyBooted is returned by Boot once the handshake has completed.
	ErrAlreadyBooted = errors.New("rtkit: coprocessor already booted")
	// ErrBootInProgress is returned by Boot while an earlier attempt is pending.
	ErrBootInProgress = errors.New("rtkit: boot already in progress")
	// ErrBootTimeout is returned by BootWait when the handshake did not
	// finish in time. The attempt keeps running and may still complete.
	ErrBootTimeout = errors.New("rtkit: timed out waiting for boot")
	// ErrVersionMismatch aborts a boot whose protocol ranges do not overlap.
	ErrVersionMismatch = errors.New("rtkit: incompatible protocol version")
	// ErrQueueOverflow aborts a boot when the receive queue dropped a message.
	ErrQueueOverflow = errors.New("rtkit: receive queue overflow")
	// ErrNoBuffer is returned when a shared buffer has not been negotiated.
	ErrNoBuffer = errors.New("rtkit: no shared buffer")
	// ErrHibernated is returned when a hibernate request is pending or done.
	ErrHibernated = errors.New("rtkit: coprocessor hibernated")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rtkit: core closed")
	// ErrMissingHook is returned by New when the ownership policy needs a
	// hook that was not supplied.
	ErrMissingHook = errors.New("rtkit: missing shared memory hook")
)

// BootError reports the handshake stage at which a boot attempt failed.
type BootError struct {
	Stage string
	Err   error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("rtkit: boot failed during %s: %v", e.Stage, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }
