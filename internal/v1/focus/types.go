// Package focus implements the per-conference orchestration core of the
// conference focus: participant and bridge-session lifecycle, channel
// allocation, owner election, Octo relay wiring, and the process-wide
// conference registry.
//
// The focus is a signalling agent, not a media relay. It joins one MUC per
// conference, invites arriving members into Jingle sessions, and drives
// media-channel allocation on one or more videobridges over COLIBRI.
package focus

import "errors"

// EndpointID is the room-local participant identifier (the MUC nickname),
// which doubles as the endpoint id on the bridge.
type EndpointID string

// State is the lifecycle state of a conference.
type State int32

const (
	StateInit State = iota
	StateJoining
	StateIdle
	StateActive
	StateTerminating
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateJoining:
		return "joining"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Error kinds surfaced by the core. The IQ boundary maps them to wire error
// conditions; internal code branches with errors.Is and never unwinds the
// stack for expected failures.
var (
	// ErrNotAllowed covers permission failures: non-moderator mute,
	// un-muting someone else, dial without moderator rights.
	ErrNotAllowed = errors.New("focus: not allowed")

	// ErrRoomNotFound means no conference exists for the addressed room.
	ErrRoomNotFound = errors.New("focus: room not found")

	// ErrParticipantNotFound means the target occupant is not in the
	// conference.
	ErrParticipantNotFound = errors.New("focus: participant not found")

	// ErrNoBridgeAvailable means the selector has no operational bridge.
	ErrNoBridgeAvailable = errors.New("focus: no bridge available")

	// ErrBridgeFailure is an allocation failure on a specific bridge.
	ErrBridgeFailure = errors.New("focus: bridge failure")

	// ErrShutdownInProgress blocks new conferences during graceful
	// shutdown.
	ErrShutdownInProgress = errors.New("focus: graceful shutdown in progress")

	// ErrConferenceEnded means the operation raced with conference
	// teardown.
	ErrConferenceEnded = errors.New("focus: conference ended")
)
