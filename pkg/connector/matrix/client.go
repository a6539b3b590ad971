// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrix implements the chat backend as a Matrix bot account using
// an access token.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/session"
)

const (
	backendName = "matrix"
	eventBuffer = 64
	// Rooms with more joined members than this are treated as groups.
	directRoomMembers = 2
)

// Client is a chat.Backend connected to one Matrix account.
type Client struct {
	client *mautrix.Client
	events chan chat.Event
	log    zerolog.Logger

	mu       sync.Mutex
	members  map[id.RoomID]int
	names    map[id.UserID]string
	cancel   context.CancelFunc
	syncDone chan struct{}
	ready    bool
}

var _ chat.Backend = (*Client)(nil)

// New creates a client for the given homeserver and account.
func New(homeserverURL string, userID id.UserID, accessToken string, log zerolog.Logger) (*Client, error) {
	client, err := mautrix.NewClient(homeserverURL, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	log = log.With().Str("component", "matrix_client").Logger()
	client.Log = log

	c := &Client{
		client:  client,
		events:  make(chan chat.Event, eventBuffer),
		log:     log,
		members: make(map[id.RoomID]int),
		names:   make(map[id.UserID]string),
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, errors.New("unexpected matrix syncer type")
	}
	syncer.OnSync(c.onSync)
	syncer.OnSync(client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	return c, nil
}

func (c *Client) Name() string { return backendName }

func (c *Client) Events() <-chan chat.Event { return c.events }

func (c *Client) SelfID() chat.ParticipantID {
	return chat.ParticipantID(c.client.UserID)
}

// Connect checks the access token and starts the sync loop. The first
// completed sync reports the session as ready.
func (c *Client) Connect(ctx context.Context) error {
	c.stopSync()

	resp, err := c.client.Whoami(ctx)
	if err != nil {
		if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) || errors.Is(err, mautrix.MForbidden) {
			c.log.Error().Err(err).Msg("Homeserver rejected the access token")
			c.emit(ctx.Done(), chat.SignalEvent(session.Signal{
				Kind:   session.SignalAuthFailed,
				Reason: err.Error(),
			}))
			return nil
		}
		return fmt.Errorf("failed to verify matrix session: %w", err)
	}
	if resp.UserID != c.client.UserID {
		c.emit(ctx.Done(), chat.SignalEvent(session.Signal{
			Kind:   session.SignalAuthFailed,
			Reason: fmt.Sprintf("access token belongs to %s, not %s", resp.UserID, c.client.UserID),
		}))
		return nil
	}
	c.client.DeviceID = resp.DeviceID
	c.log.Info().Str("user_id", resp.UserID.String()).Str("device_id", string(resp.DeviceID)).Msg("Authenticated")

	syncCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.syncDone = done
	c.ready = false
	c.mu.Unlock()

	c.emit(syncCtx.Done(), chat.SignalEvent(session.Signal{Kind: session.SignalAuthenticated}))
	go c.runSync(syncCtx, done)
	return nil
}

func (c *Client) runSync(ctx context.Context, done chan struct{}) {
	defer close(done)
	err := c.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return
	}
	sig := session.Signal{Kind: session.SignalDisconnected, Reason: "sync stopped"}
	if err != nil {
		sig.Reason = err.Error()
		if errors.Is(err, mautrix.MUnknownToken) {
			sig.Kind = session.SignalAuthFailed
		}
	}
	c.log.Warn().Err(err).Msg("Sync loop exited")
	c.emit(ctx.Done(), chat.SignalEvent(sig))
}

// onSync records room sizes from sync summaries and reports readiness after
// the first sync of a connection.
func (c *Client) onSync(ctx context.Context, resp *mautrix.RespSync, _ string) bool {
	c.mu.Lock()
	for roomID, room := range resp.Rooms.Join {
		if room != nil && room.Summary.JoinedMemberCount != nil {
			c.members[roomID] = *room.Summary.JoinedMemberCount
		}
	}
	for roomID := range resp.Rooms.Leave {
		delete(c.members, roomID)
	}
	first := !c.ready
	c.ready = true
	c.mu.Unlock()

	if first {
		c.log.Info().Msg("Initial sync completed")
		c.emit(ctx.Done(), chat.SignalEvent(session.Signal{Kind: session.SignalReady}))
	}
	return true
}

func (c *Client) emit(stop <-chan struct{}, evt chat.Event) {
	select {
	case c.events <- evt:
	case <-stop:
	}
}

func (c *Client) stopSync() {
	c.mu.Lock()
	cancel, done := c.cancel, c.syncDone
	c.cancel, c.syncDone = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.client.StopSync()
	<-done
}

// Disconnect stops the sync loop and waits for it to exit.
func (c *Client) Disconnect(_ context.Context) error {
	c.stopSync()
	return nil
}
