// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package dispatch matches inbound chat messages against a table of
// commands and runs the matching handler, containing any failure at the
// dispatcher boundary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/aiku/tagallbot/pkg/chat"
)

const (
	DefaultPrefix   = "."
	defaultGuardTTL = 10 * time.Minute
	guardCacheSize  = 4096
)

// Handler runs a command for a message.
type Handler func(ctx context.Context, msg *chat.IncomingMessage) error

// Command is an entry of the dispatch table.
type Command struct {
	// Name is the command literal without prefix. It is matched
	// case-insensitively.
	Name string
	// Origin is the only conversation kind the command runs in.
	Origin  chat.Origin
	Handler Handler
	// FailureReply formats the reply sent to the invoker when the handler
	// fails. Defaults to "Command <name> failed: <err>".
	FailureReply func(err error) string
}

// Error wraps a handler failure caught by the dispatcher.
type Error struct {
	Command   string
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("command %s failed for message %s: %v", e.Command, e.MessageID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrHandlerPanic is wrapped in the Error returned for a panicking handler.
var ErrHandlerPanic = errors.New("command handler panicked")

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithPrefix sets the command prefix. An empty prefix matches bare literals.
func WithPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		d.prefix = strings.ToLower(strings.TrimSpace(prefix))
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = log.With().Str("component", "dispatcher").Logger()
	}
}

// WithGuardTTL sets how long a dispatched message ID is remembered for
// redelivery suppression.
func WithGuardTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.guard.ttl = ttl
	}
}

// Dispatcher routes messages to command handlers. Handle may be called
// concurrently; distinct messages are never serialized against each other.
type Dispatcher struct {
	replier chat.Replier
	prefix  string
	log     zerolog.Logger

	mu       sync.RWMutex
	commands map[string]Command

	guard *onceGuard
}

// New creates a dispatcher that reports failures through replier.
func New(replier chat.Replier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		replier:  replier,
		prefix:   DefaultPrefix,
		log:      zerolog.Nop(),
		commands: make(map[string]Command),
		guard:    newOnceGuard(defaultGuardTTL),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a command to the table.
func (d *Dispatcher) Register(cmd Command) error {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		return errors.New("command name is empty")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %s has no handler", name)
	}
	cmd.Name = name

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.commands[name]; ok {
		return fmt.Errorf("command %s is already registered", name)
	}
	d.commands[name] = cmd
	return nil
}

// Normalize trims and case-folds a message body and strips the command
// prefix. It returns false when the body does not carry the prefix.
func Normalize(body, prefix string) (string, bool) {
	text := strings.ToLower(strings.TrimSpace(body))
	if !strings.HasPrefix(text, prefix) {
		return "", false
	}
	return strings.TrimPrefix(text, prefix), true
}

// Lookup returns the command a message would trigger, if any.
func (d *Dispatcher) Lookup(msg *chat.IncomingMessage) (Command, bool) {
	name, ok := Normalize(msg.Body, d.prefix)
	if !ok {
		return Command{}, false
	}
	d.mu.RLock()
	cmd, ok := d.commands[name]
	d.mu.RUnlock()
	if !ok || cmd.Origin != msg.Origin {
		return Command{}, false
	}
	return cmd, true
}

// Handle dispatches one message. It reports whether a handler ran.
// Non-matching messages and origin mismatches are ignored without a reply.
// Handler failures are logged and replied to the sender; they never
// propagate.
func (d *Dispatcher) Handle(ctx context.Context, msg *chat.IncomingMessage) bool {
	if msg == nil {
		return false
	}
	cmd, ok := d.Lookup(msg)
	if !ok {
		return false
	}
	if msg.ID != "" && !d.guard.claim(msg.ID) {
		d.log.Debug().
			Str("message_id", msg.ID).
			Str("command", cmd.Name).
			Msg("Skipping already dispatched message")
		return false
	}

	log := d.log.With().
		Str("invocation_id", uuid.NewString()).
		Str("command", cmd.Name).
		Str("message_id", msg.ID).
		Str("conversation", string(msg.Conversation)).
		Str("sender", string(msg.Sender)).
		Logger()
	log.Info().Msg("Command received")

	err := d.run(log.WithContext(ctx), cmd, msg)
	if err == nil {
		log.Info().Msg("Command completed")
		return true
	}

	dispatchErr := &Error{Command: cmd.Name, MessageID: msg.ID, Err: err}
	log.Error().Err(dispatchErr).Msg("Command failed")

	reply := fmt.Sprintf("Command %s failed: %v", cmd.Name, err)
	if cmd.FailureReply != nil {
		reply = cmd.FailureReply(err)
	}
	if rerr := d.replier.Reply(ctx, msg, reply); rerr != nil {
		log.Warn().Err(rerr).Msg("Failed to send failure reply")
	}
	return true
}

// run invokes the handler and converts a panic into an error.
func (d *Dispatcher) run(ctx context.Context, cmd Command, msg *chat.IncomingMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return cmd.Handler(ctx, msg)
}

// onceGuard remembers claimed keys for a TTL so a redelivered message is
// not dispatched twice. The LRU bounds memory when traffic is heavy.
type onceGuard struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache *lru.Cache[string, time.Time]
	now   func() time.Time
}

func newOnceGuard(ttl time.Duration) *onceGuard {
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, time.Time](guardCacheSize)
	return &onceGuard{
		ttl:   ttl,
		cache: cache,
		now:   time.Now,
	}
}

// claim returns true the first time a key is seen within the TTL.
func (g *onceGuard) claim(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if at, ok := g.cache.Get(key); ok {
		if now.Sub(at) <= g.ttl {
			return false
		}
		g.cache.Remove(key)
	}
	g.cache.Add(key, now)
	return true
}
