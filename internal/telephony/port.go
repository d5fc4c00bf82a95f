// Package telephony defines the capability port the screening engine consumes
// from the underlying telephony platform: call control on a handle, outbound
// dialling, conferencing, and a lifecycle event stream.
package telephony

import "context"

// State mirrors the platform-reported lifecycle state of a call.
type State string

const (
	StateNew          State = "new"
	StateRinging      State = "ringing"
	StateDialing      State = "dialing"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateHolding      State = "holding"
	StateDisconnected State = "disconnected"
)

// Direction is the call direction relative to this endpoint.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// AudioRoute selects where local call audio is played.
type AudioRoute string

const (
	RouteEarpiece AudioRoute = "earpiece"
	RouteSpeaker  AudioRoute = "speaker"
)

// EventKind distinguishes lifecycle events on the subscription stream.
type EventKind int

const (
	// EventCallAdded is delivered once when the platform creates a call.
	EventCallAdded EventKind = iota

	// EventStateChanged is delivered whenever a call's state changes.
	EventStateChanged

	// EventCallRemoved is delivered when the platform drops a call object.
	// Consumers treat it like a transition to StateDisconnected.
	EventCallRemoved
)

// Event is one entry on the lifecycle stream. Direction and RemoteAddress are
// only populated on EventCallAdded.
type Event struct {
	Kind          EventKind
	Handle        string
	Direction     Direction
	RemoteAddress string
	State         State
}

// CallSnapshot is one entry of the platform's active-call set, captured at a
// single point in time. Snapshots are immutable copies; holding one never
// aliases live platform state.
type CallSnapshot struct {
	Handle string
	State  State
}

// CallHints carries context from an originating call that the platform may
// need to route a related outbound call correctly (account selection, network
// affinity).
type CallHints struct {
	// OriginHandle is the call this outbound dial is related to, if any.
	OriginHandle string

	// Account identifies the line/account the originating call arrived on.
	Account string
}

// Port is the full capability set the engine consumes from the telephony
// platform. All commands are best-effort from the engine's perspective: a
// failed command never blocks session state tracking, which always follows
// the platform's reported state via Events.
//
// PlaceCall is asynchronous by design: the platform does not return a handle
// for the new call. The call is discovered through the Events stream like any
// other, and there is no ordering guarantee between its EventCallAdded and it
// reaching StateActive.
type Port interface {
	Answer(ctx context.Context, handle string) error
	Reject(ctx context.Context, handle string) error
	Hangup(ctx context.Context, handle string) error
	Hold(ctx context.Context, handle string) error
	Unhold(ctx context.Context, handle string) error
	SetMuted(muted bool) error
	SetAudioRoute(route AudioRoute) error
	SendDTMF(ctx context.Context, handle string, digit rune) error
	PlaceCall(ctx context.Context, address string, hints CallHints) error
	Conference(ctx context.Context, handleA, handleB string) error

	// Snapshot returns an immutable copy of the platform's active-call set.
	Snapshot() []CallSnapshot

	// Events returns the lifecycle subscription stream. Events for a single
	// handle are delivered in the order the platform emits them.
	Events() <-chan Event
}
