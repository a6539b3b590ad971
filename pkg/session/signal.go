// Copyright 2024-2026 Aiku AI

package session

// SignalKind identifies a session event reported by a backend connector.
type SignalKind string

const (
	// SignalPairingRequested means the backend needs an out-of-band pairing
	// step (for example scanning a QR code).
	SignalPairingRequested SignalKind = "pairing_requested"
	SignalAuthenticated    SignalKind = "authenticated"
	SignalReady            SignalKind = "ready"
	SignalAuthFailed       SignalKind = "auth_failed"
	SignalDisconnected     SignalKind = "disconnected"
	// SignalConflict means another session with the same identity became
	// active elsewhere and the backend dropped this one.
	SignalConflict SignalKind = "conflict"
)

// Signal is a session event emitted by a backend. Code carries the pairing
// payload for SignalPairingRequested; Reason describes failures.
type Signal struct {
	Kind   SignalKind
	Reason string
	Code   string
}

// Target returns the state the machine should move to for this signal.
// The second return value is false for unknown signal kinds.
func (s Signal) Target() (State, bool) {
	switch s.Kind {
	case SignalPairingRequested:
		return AwaitingPairing(), true
	case SignalAuthenticated:
		return Authenticated(), true
	case SignalReady:
		return Ready(), true
	case SignalAuthFailed:
		return Failed(s.Reason), true
	case SignalDisconnected, SignalConflict:
		return Disconnected(s.Reason), true
	default:
		return State{}, false
	}
}
