// Package meter implements the level meter engine: the capture session handshake
// against an audio server and the per-channel leveling of captured samples.
//
// The engine is single-threaded. Every binding callback runs inside Update,
// so no state in this package is guarded by locks.
package meter

import "errors"

// State is the connection state of a metering session.
type State string

const (
	// StateWaiting indicates the client is still connecting to the server.
	StateWaiting State = "waiting"
	// StateProcessing indicates device resolution and stream negotiation are in progress.
	StateProcessing State = "processing"
	// StateReady indicates the capture stream is delivering samples.
	StateReady State = "ready"
	// StateFailed indicates the session ended with an error.
	StateFailed State = "failed"
	// StateTerminated indicates the server or stream shut down cleanly.
	StateTerminated State = "terminated"
)

// Done reports whether the session has ended.
func (s State) Done() bool {
	return s == StateFailed || s == StateTerminated
}

// Sentinel errors for failed sessions. Diagnostics returned by Engine.Err wrap one of these.
var (
	// ErrConnection is a server connection or authorization failure.
	ErrConnection = errors.New("audio server connection failed")
	// ErrResolution is a device or monitor source that could not be resolved.
	ErrResolution = errors.New("device resolution failed")
	// ErrStream is a capture stream that failed to open or failed after opening.
	ErrStream = errors.New("capture stream failed")
)

// Target selects the device to meter.
type Target struct {
	// Name is the sink or source name. Empty selects the server default.
	Name string
	// IsSink selects metering a sink through its monitor source.
	IsSink bool
}

// Transition describes a state change, reported to Options.OnTransition.
type Transition struct {
	From   State
	To     State
	Device string
	Err    error
}
