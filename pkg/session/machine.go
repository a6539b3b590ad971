// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrClosed            = errors.New("session machine is closed")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Transition is emitted to observers after every state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Machine tracks the session lifecycle. Only one component may call
// Transition; Current and Subscribe are safe for any number of callers.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	closed  bool

	subs    map[int]chan Transition
	nextSub int

	now func() time.Time
}

// NewMachine creates a machine in the Disconnected state.
func NewMachine() *Machine {
	return &Machine{
		current: Disconnected(""),
		since:   time.Now(),
		subs:    make(map[int]chan Transition),
		now:     time.Now,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves the machine to the given state. Moving to the current
// state is a no-op and emits nothing.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	from := m.current
	if from == to {
		return nil
	}
	if !canTransition(from.Kind, to.Kind) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	m.current = to
	m.since = m.now()

	tr := Transition{From: from, To: to, At: m.since}
	for _, ch := range m.subs {
		// Observers must never block the writer; a slow observer misses events.
		select {
		case ch <- tr:
		default:
		}
	}
	return nil
}

// Apply moves the machine to the target state of a backend signal.
func (m *Machine) Apply(sig Signal) (State, error) {
	to, ok := sig.Target()
	if !ok {
		return m.Current(), fmt.Errorf("%w: unknown signal %q", ErrInvalidTransition, sig.Kind)
	}
	if err := m.Transition(to); err != nil {
		return m.Current(), err
	}
	return to, nil
}

// Subscribe registers an observer. The returned function unsubscribes and
// closes the channel. After Close all channels are closed.
func (m *Machine) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Transition, buffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if sub, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(sub)
			}
		})
	}
}

// Close freezes the machine. Subsequent transitions return ErrClosed.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

// Closed reports whether Close has been called.
func (m *Machine) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
