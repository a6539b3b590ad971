// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package supervisor owns the session lifecycle: it starts the backend
// session, applies backend signals to the state machine, and reconnects
// after failures according to a retry Policy.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/session"
)

// ReasonShutdown is the Disconnected reason recorded by Shutdown.
const ReasonShutdown = "shutdown"

// Supervisor drives a backend session towards Ready and keeps it there.
// It is the only writer of the session machine.
type Supervisor struct {
	machine *session.Machine
	backend chat.SessionBackend
	policy  Policy
	log     zerolog.Logger

	// ctx is cancelled by Shutdown and bounds every connection attempt.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	backoff  backoff.BackOff
	attempts int
	pending  *time.Timer
	closed   bool
	lastErr  error
	// inflight counts running attempts, signal applications and armed
	// retry timers. Shutdown waits for it before closing the machine.
	inflight sync.WaitGroup
}

// Status is a diagnostic snapshot of the supervisor.
type Status struct {
	State        session.State
	Since        time.Time
	Attempts     int
	RetryPending bool
	LastError    string
}

// New creates a supervisor. The machine should be fresh (Disconnected).
func New(machine *session.Machine, backend chat.SessionBackend, policy Policy, log zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		machine: machine,
		backend: backend,
		policy:  policy,
		log:     log.With().Str("component", "supervisor").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		backoff: policy.newBackOff(),
	}
}

// Start begins a connection attempt. It returns once the backend accepted
// the connection request; pairing, authentication and readiness arrive later
// as signals. On failure the session is marked Failed and a retry is
// scheduled before the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	if !s.machine.Current().Kind.IsTerminal() {
		s.mu.Unlock()
		return ErrSessionActive
	}
	// The Connecting transition is the claim on this attempt; it must happen
	// under s.mu so concurrent callers see a non-terminal state.
	if err := s.machine.Transition(session.Connecting()); err != nil {
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("Failed to enter connecting state")
		return err
	}
	s.attempts++
	attempt := s.attempts
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	log := s.log.With().Int("attempt", attempt).Logger()

	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	log.Info().Msg("Initializing session")
	if err := s.backend.Connect(actx); err != nil {
		initErr := &InitializationError{Attempt: attempt, Err: err}
		log.Error().Err(err).Msg("Initialization failed")
		s.fail(session.Failed(initErr.Error()), initErr, false)
		return initErr
	}
	return nil
}

// HandleSignal applies a backend session signal. Signals received after
// Shutdown started are dropped.
func (s *Supervisor) HandleSignal(sig session.Signal) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	log := s.log.With().Str("signal", string(sig.Kind)).Logger()

	switch sig.Kind {
	case session.SignalConflict:
		cause := &DisconnectedError{Reason: sig.Reason, Conflict: true}
		if s.policy.TakeoverOnConflict {
			log.Warn().Str("reason", sig.Reason).Msg("Session replaced elsewhere, taking over")
			s.fail(session.Disconnected(sig.Reason), cause, true)
			return
		}
		log.Warn().Str("reason", sig.Reason).Msg("Session replaced elsewhere, staying disconnected")
		s.record(session.Disconnected(sig.Reason), cause)
		return
	case session.SignalPairingRequested:
		log.Info().Msg("Pairing requested")
	}

	to, err := s.machine.Apply(sig)
	if err != nil {
		log.Warn().Err(err).Str("state", s.machine.Current().String()).Msg("Ignoring signal")
		return
	}

	switch to.Kind {
	case session.KindReady:
		s.mu.Lock()
		s.attempts = 0
		s.lastErr = nil
		s.backoff.Reset()
		s.mu.Unlock()
		log.Info().Msg("Session ready")
	case session.KindAuthenticated:
		log.Info().Msg("Session authenticated")
	case session.KindFailed:
		cause := &AuthenticationError{Reason: sig.Reason}
		s.setLastErr(cause)
		if !s.policy.RetryOnAuthFailure {
			log.Error().Err(cause).Msg("Authentication failed, not retrying")
			return
		}
		log.Error().Err(cause).Msg("Authentication failed")
		s.scheduleRetry(false)
	case session.KindDisconnected:
		cause := &DisconnectedError{Reason: sig.Reason}
		log.Warn().Err(cause).Msg("Session disconnected")
		s.setLastErr(cause)
		s.scheduleRetry(false)
	}
}

// Shutdown stops the supervisor. It cancels any pending retry, waits for
// in-flight attempts, asks the backend to disconnect and closes the state
// machine. Once it returns no retry fires and no transition happens.
// Calling it again is a no-op.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.pending != nil {
		if s.pending.Stop() {
			s.inflight.Done()
		}
		s.pending = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()

	s.log.Info().Msg("Shutting down session")
	err := s.backend.Disconnect(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Backend disconnect failed")
	}
	if terr := s.machine.Transition(session.Disconnected(ReasonShutdown)); terr != nil {
		s.log.Debug().Err(terr).Msg("Failed to record shutdown state")
	}
	s.machine.Close()
	return err
}

// Attempts returns the number of consecutive connection attempts since the
// session was last Ready.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// RetryPending reports whether a retry timer is armed.
func (s *Supervisor) RetryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Status returns a diagnostic snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		Attempts:     s.attempts,
		RetryPending: s.pending != nil,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()
	st.State = s.machine.Current()
	st.Since = s.machine.Since()
	return st
}

func (s *Supervisor) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// record moves the machine to a terminal state without scheduling a retry.
func (s *Supervisor) record(to session.State, cause error) {
	if err := s.machine.Transition(to); err != nil {
		s.log.Warn().Err(err).Str("to", to.String()).Msg("Failed to record session state")
	}
	s.setLastErr(cause)
}

func (s *Supervisor) fail(to session.State, cause error, immediate bool) {
	s.record(to, cause)
	s.scheduleRetry(immediate)
}

// scheduleRetry arms the retry timer unless one is already pending, the
// supervisor is closed, or the policy is exhausted.
func (s *Supervisor) scheduleRetry(immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.pending != nil {
		s.log.Debug().Msg("Retry already pending")
		return
	}
	if s.policy.exhausted(s.attempts) {
		s.log.Error().Int("attempts", s.attempts).Msg("Giving up after maximum connection attempts")
		return
	}

	var delay time.Duration
	if !immediate {
		delay = s.backoff.NextBackOff()
	}
	s.inflight.Add(1)
	s.pending = time.AfterFunc(delay, s.fireRetry)
	s.log.Info().
		Dur("delay", delay).
		Int("next_attempt", s.attempts+1).
		Msg("Retry scheduled")
}

func (s *Supervisor) fireRetry() {
	defer s.inflight.Done()

	s.mu.Lock()
	s.pending = nil
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if err := s.Start(s.ctx); err != nil {
		s.log.Debug().Err(err).Msg("Retry attempt did not start the session")
	}
}
