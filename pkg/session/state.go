// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package session implements the connection lifecycle state machine.
//
// A session moves from Disconnected through Connecting, optionally
// AwaitingPairing, then Authenticated and finally Ready. Any state can fall
// into Failed or Disconnected; from there only a new connection attempt
// (Connecting) is allowed. The machine has a single writer (the supervisor)
// and any number of readers and observers.
package session

import "fmt"

// Kind is the discriminator of a State.
type Kind string

const (
	KindDisconnected    Kind = "disconnected"
	KindConnecting      Kind = "connecting"
	KindAwaitingPairing Kind = "awaiting_pairing"
	KindAuthenticated   Kind = "authenticated"
	KindReady           Kind = "ready"
	KindFailed          Kind = "failed"
)

// IsTerminal reports whether the kind ends an attempt. Terminal states only
// move forward through a new connection attempt.
func (k Kind) IsTerminal() bool {
	return k == KindFailed || k == KindDisconnected
}

// State is the current lifecycle state. Reason is only meaningful for Failed
// and Disconnected.
type State struct {
	Kind   Kind
	Reason string
}

func Disconnected(reason string) State { return State{Kind: KindDisconnected, Reason: reason} }
func Connecting() State                { return State{Kind: KindConnecting} }
func AwaitingPairing() State           { return State{Kind: KindAwaitingPairing} }
func Authenticated() State             { return State{Kind: KindAuthenticated} }
func Ready() State                     { return State{Kind: KindReady} }
func Failed(reason string) State       { return State{Kind: KindFailed, Reason: reason} }

func (s State) String() string {
	if s.Reason == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s (%s)", s.Kind, s.Reason)
}

// IsReady reports whether the session can be used to send messages.
func (s State) IsReady() bool {
	return s.Kind == KindReady
}

// canTransition reports whether the machine may move from one kind to another.
func canTransition(from, to Kind) bool {
	switch to {
	case KindFailed, KindDisconnected:
		return true
	case KindConnecting:
		return from.IsTerminal()
	case KindAwaitingPairing:
		return from == KindConnecting || from == KindAwaitingPairing
	case KindAuthenticated:
		return from == KindConnecting || from == KindAwaitingPairing
	case KindReady:
		return from == KindAuthenticated
	default:
		return false
	}
}
