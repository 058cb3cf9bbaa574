package robust

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionLost is injected into every pending operation and into a
	// stale closing signal when a reconnect begins. The broker-side outcome
	// of the failed operation is unknown; callers must assume it did not
	// happen.
	ErrConnectionLost = errors.New("fennec: connection lost")

	// ErrChannelClosed is returned by operations issued after Close.
	ErrChannelClosed = errors.New("fennec: channel is closed")

	// ErrGlobalQoS is returned when SetQoS is asked to apply settings to all
	// channels on the connection. QoS recovery state is tracked per channel,
	// so a connection-wide request cannot be faithfully replayed and is
	// rejected instead of being silently scoped down.
	ErrGlobalQoS = errors.New("fennec: global qos cannot be recovered per channel")
)

// RecoveryError reports which entity's recovery hook aborted a reconnect
// attempt.
type RecoveryError struct {
	Entity    string // "exchange" or "queue"
	Name      string
	Err       error
	Timestamp time.Time
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("fennec: recovery of %s %q failed: %v", e.Entity, e.Name, e.Err)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}
