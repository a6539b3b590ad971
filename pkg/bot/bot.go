// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bot assembles the session aggregate: one backend, one state
// machine, the supervisor that owns it, and the command dispatcher with the
// tagall broadcast command.
//
// Backend events are consumed by a single loop in [Bot.Run]. Session signals
// are applied in arrival order; each message is dispatched on its own
// goroutine, so a slow roster fetch never delays other messages.
package bot

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/tagallbot/pkg/broadcast"
	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/dispatch"
	"github.com/aiku/tagallbot/pkg/session"
	"github.com/aiku/tagallbot/pkg/supervisor"
)

// CommandTagAll is the literal of the group broadcast command.
const CommandTagAll = "tagall"

// ErrEventsClosed is returned by Run when the backend closes its event stream.
var ErrEventsClosed = errors.New("backend event stream closed")

// Options configures a Bot.
type Options struct {
	CommandPrefix    string
	AttentionMessage string
	Retry            supervisor.Policy
}

// Status is the diagnostic view served by the admin API.
type Status struct {
	Backend string
	supervisor.Status
}

// Bot is the single owner of the session and its collaborators.
type Bot struct {
	backend    chat.Backend
	machine    *session.Machine
	supervisor *supervisor.Supervisor
	dispatcher *dispatch.Dispatcher
	resolver   *broadcast.Resolver
	log        zerolog.Logger

	// handlerCtx bounds message handlers and is cancelled by Shutdown.
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	mu       sync.Mutex
	stopping bool
	handlers sync.WaitGroup

	stopOnce sync.Once
	stopChan chan struct{}
}

// New wires a bot around the given backend.
func New(backend chat.Backend, opts Options, log zerolog.Logger) (*Bot, error) {
	log = log.With().Str("backend", backend.Name()).Logger()
	machine := session.NewMachine()
	handlerCtx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		backend:       backend,
		machine:       machine,
		supervisor:    supervisor.New(machine, backend, opts.Retry, log),
		resolver:      broadcast.New(backend, broadcast.WithMessage(opts.AttentionMessage), broadcast.WithLogger(log)),
		log:           log,
		handlerCtx:    handlerCtx,
		cancelHandler: cancel,
		stopChan:      make(chan struct{}),
	}

	prefix := opts.CommandPrefix
	if prefix == "" {
		prefix = dispatch.DefaultPrefix
	}
	b.dispatcher = dispatch.New(backend, dispatch.WithPrefix(prefix), dispatch.WithLogger(log))
	err := b.dispatcher.Register(dispatch.Command{
		Name:         CommandTagAll,
		Origin:       chat.OriginGroup,
		Handler:      b.handleTagAll,
		FailureReply: tagAllFailureReply,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return b, nil
}

func (b *Bot) handleTagAll(ctx context.Context, msg *chat.IncomingMessage) error {
	zerolog.Ctx(ctx).Info().Msg("Tagall command received in group")
	_, err := b.resolver.BroadcastAttention(ctx, msg.Conversation)
	return err
}

// tagAllFailureReply reports the underlying cause without the broadcast
// wrapper's conversation details.
func tagAllFailureReply(err error) string {
	var bErr *broadcast.Error
	if errors.As(err, &bErr) {
		err = bErr.Err
	}
	return "Failed to tag members: " + err.Error()
}

// Run starts the supervisor and consumes backend events until ctx is done,
// Shutdown is called or the backend closes its stream. It does not shut the
// session down; call Shutdown for that.
func (b *Bot) Run(ctx context.Context) error {
	transitions, unsubscribe := b.machine.Subscribe(32)
	defer unsubscribe()
	go b.logTransitions(transitions)

	if err := b.supervisor.Start(ctx); err != nil {
		// Initialization failures are retried by the supervisor.
		b.log.Warn().Err(err).Msg("Initial session start failed")
	}

	events := b.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopChan:
			return nil
		case evt, ok := <-events:
			if !ok {
				return ErrEventsClosed
			}
			b.handleEvent(evt)
		}
	}
}

func (b *Bot) handleEvent(evt chat.Event) {
	switch {
	case evt.Signal != nil:
		b.supervisor.HandleSignal(*evt.Signal)
	case evt.Message != nil:
		b.handleMessage(evt.Message)
	}
}

func (b *Bot) handleMessage(msg *chat.IncomingMessage) {
	b.log.Debug().
		Str("message_id", msg.ID).
		Str("sender", string(msg.Sender)).
		Str("conversation", string(msg.Conversation)).
		Str("origin", msg.Origin.String()).
		Str("body", msg.Body).
		Msg("Received message")

	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.handlers.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.handlers.Done()
		b.dispatcher.Handle(b.handlerCtx, msg)
	}()
}

func (b *Bot) logTransitions(transitions <-chan session.Transition) {
	for tr := range transitions {
		b.log.Info().
			Str("from", tr.From.String()).
			Str("to", tr.To.String()).
			Msg("Session state changed")
	}
}

// Shutdown stops the event loop, waits for in-flight commands (bounded by
// ctx), and shuts the session down. It is safe to call more than once.
func (b *Bot) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.stopChan)
	})

	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn().Msg("Timed out waiting for in-flight commands")
		b.cancelHandler()
	}

	err := b.supervisor.Shutdown(ctx)
	b.cancelHandler()
	return err
}

// State returns the current session state.
func (b *Bot) State() session.State {
	return b.machine.Current()
}

// Status returns a diagnostic snapshot.
func (b *Bot) Status() Status {
	return Status{
		Backend: b.backend.Name(),
		Status:  b.supervisor.Status(),
	}
}
