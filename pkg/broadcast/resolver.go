// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package broadcast sends an attention message to a group, mentioning every
// current member except the bot itself.
package broadcast

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aiku/tagallbot/pkg/chat"
)

// DefaultAttentionMessage is the text sent with every broadcast.
const DefaultAttentionMessage = "📢 Attention Everyone!"

const (
	OpFetch = "fetch_membership"
	OpSend  = "send"
)

// Error is returned when a broadcast could not be completed.
type Error struct {
	Conversation chat.ConversationID
	Op           string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broadcast to %s failed during %s: %v", e.Conversation, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result describes a completed broadcast.
type Result struct {
	Conversation chat.ConversationID
	GroupName    string
	Mentions     []chat.ParticipantID
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithMessage overrides the attention text.
func WithMessage(text string) Option {
	return func(r *Resolver) {
		if text != "" {
			r.text = text
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) {
		r.log = log.With().Str("component", "broadcast").Logger()
	}
}

// Resolver resolves group membership and sends the attention broadcast.
// It holds no roster state; every call fetches membership fresh.
type Resolver struct {
	backend chat.GroupBackend
	text    string
	log     zerolog.Logger
}

// New creates a resolver on top of the backend's group primitives.
func New(backend chat.GroupBackend, opts ...Option) *Resolver {
	r := &Resolver{
		backend: backend,
		text:    DefaultAttentionMessage,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MentionSet returns the roster without self, de-duplicated, in roster order.
func MentionSet(roster []chat.ParticipantID, self chat.ParticipantID) []chat.ParticipantID {
	mentions := lo.Uniq(lo.Reject(roster, func(p chat.ParticipantID, _ int) bool {
		return p == self || p == ""
	}))
	if mentions == nil {
		mentions = []chat.ParticipantID{}
	}
	return mentions
}

// BroadcastAttention refreshes the group's membership and sends one message
// mentioning every member but the bot. A group where the bot is alone still
// gets the message, with no mentions. Failures are not retried.
func (r *Resolver) BroadcastAttention(ctx context.Context, conv chat.ConversationID) (*Result, error) {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled {
		log = &r.log
	}

	group, err := r.backend.FetchGroup(ctx, conv)
	if err != nil {
		return nil, &Error{Conversation: conv, Op: OpFetch, Err: err}
	}

	self := r.backend.SelfID()
	mentions := MentionSet(group.Participants, self)

	log.Info().
		Str("group", group.Name).
		Int("participants", len(group.Participants)).
		Int("mentions", len(mentions)).
		Msg("Sending attention broadcast")

	if err := r.backend.SendGroupMessage(ctx, conv, r.text, mentions); err != nil {
		return nil, &Error{Conversation: conv, Op: OpSend, Err: err}
	}

	log.Info().Int("mentions", len(mentions)).Msg("Mentions sent successfully")
	return &Result{
		Conversation: conv,
		GroupName:    group.Name,
		Mentions:     mentions,
	}, nil
}
