// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package chat holds the types shared between the bot core and the backend
// connectors: identities, inbound messages, group snapshots, and the narrow
// interfaces a backend must implement.
package chat

import (
	"context"
	"time"

	"github.com/aiku/tagallbot/pkg/session"
)

// ParticipantID is an opaque participant identity. Connectors normalize IDs
// so that equality with the bot's own identity is meaningful.
type ParticipantID string

// ConversationID identifies a direct or group conversation on the backend.
type ConversationID string

// Origin is the kind of conversation a message came from.
type Origin int

const (
	OriginDirect Origin = iota
	OriginGroup
)

func (o Origin) String() string {
	switch o {
	case OriginDirect:
		return "direct"
	case OriginGroup:
		return "group"
	default:
		return "unknown"
	}
}

// IncomingMessage is a message received from the backend. It is passed by
// pointer but must not be modified after the connector emits it.
type IncomingMessage struct {
	ID           string
	Sender       ParticipantID
	SenderName   string
	Body         string
	Origin       Origin
	Conversation ConversationID
	Timestamp    time.Time
}

// GroupConversation is a point-in-time snapshot of a group's membership.
type GroupConversation struct {
	ID           ConversationID
	Name         string
	Participants []ParticipantID
}

// Event is a single item on a backend's event stream. Exactly one of Signal
// or Message is set.
type Event struct {
	Signal  *session.Signal
	Message *IncomingMessage
}

// SignalEvent wraps a session signal in an Event.
func SignalEvent(sig session.Signal) Event {
	return Event{Signal: &sig}
}

// MessageEvent wraps an inbound message in an Event.
func MessageEvent(msg *IncomingMessage) Event {
	return Event{Message: msg}
}

// SessionBackend starts and stops the underlying session.
type SessionBackend interface {
	// Connect initializes the session. Progress past the initial connection
	// (pairing, authentication, readiness) is reported as signals on the
	// event stream.
	Connect(ctx context.Context) error
	// Disconnect requests a graceful termination of the session.
	Disconnect(ctx context.Context) error
}

// EventSource exposes the backend's event stream.
type EventSource interface {
	Events() <-chan Event
}

// GroupBackend is the set of group primitives the broadcast resolver needs.
type GroupBackend interface {
	FetchGroup(ctx context.Context, conv ConversationID) (*GroupConversation, error)
	SendGroupMessage(ctx context.Context, conv ConversationID, text string, mentions []ParticipantID) error
	SelfID() ParticipantID
}

// Replier sends a reply to the sender of a message.
type Replier interface {
	Reply(ctx context.Context, msg *IncomingMessage, text string) error
}

// Backend is a complete messaging backend connector.
type Backend interface {
	SessionBackend
	EventSource
	GroupBackend
	Replier

	// Name returns the short backend name used in logs and the status API.
	Name() string
}
