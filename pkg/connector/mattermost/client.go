// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost implements the chat backend on top of a Mattermost bot
// or personal access token.
//
// The REST client authenticates the session and serves group lookups and
// posting; the WebSocket stream carries inbound posts. Reconnection is left
// to the session supervisor: when the stream closes the client reports a
// disconnected signal and waits for the next Connect.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/session"
)

const (
	backendName  = "mattermost"
	eventBuffer  = 64
	membersPage  = 200
	reasonClosed = "websocket closed"
)

// eventStream is the part of model.WebSocketClient the client consumes. It
// allows tests to feed events without a live server.
type eventStream interface {
	Listen()
	Close()
	Events() <-chan *model.WebSocketEvent
}

type dialFunc func(url, token string) (eventStream, error)

type wsStream struct {
	*model.WebSocketClient
}

func (w wsStream) Events() <-chan *model.WebSocketEvent {
	return w.EventChannel
}

func dialWebSocket(url, token string) (eventStream, error) {
	ws, err := model.NewWebSocketClient4(url, token)
	if err != nil {
		return nil, err
	}
	return wsStream{ws}, nil
}

// Client is a chat.Backend connected to one Mattermost account.
type Client struct {
	serverURL string
	client    *model.Client4
	dial      dialFunc
	events    chan chat.Event
	log       zerolog.Logger

	mu       sync.Mutex
	userID   string
	username string
	ws       eventStream
	stopOnce *sync.Once
	stopChan chan struct{}
}

var _ chat.Backend = (*Client)(nil)

// New creates a client for the given server and access token.
func New(serverURL, token string, log zerolog.Logger) *Client {
	serverURL = strings.TrimRight(serverURL, "/")
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	return &Client{
		serverURL: serverURL,
		client:    client,
		dial:      dialWebSocket,
		events:    make(chan chat.Event, eventBuffer),
		log:       log.With().Str("component", "mm_client").Logger(),
	}
}

func (c *Client) Name() string { return backendName }

func (c *Client) Events() <-chan chat.Event { return c.events }

// SelfID returns the Mattermost user ID of the bot account. It is empty until
// the first successful Connect.
func (c *Client) SelfID() chat.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chat.ParticipantID(c.userID)
}

// Connect verifies the token and opens the WebSocket stream. A rejected token
// is reported as an auth_failed signal rather than an error, so the
// supervisor applies its authentication retry setting.
func (c *Client) Connect(ctx context.Context) error {
	c.closeStream()

	c.log.Info().Str("server_url", c.serverURL).Msg("Connecting to Mattermost")
	me, resp, err := c.client.GetMe(ctx, "")
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.log.Error().Err(err).Msg("Mattermost rejected the access token")
			c.emit(ctx.Done(), chat.SignalEvent(session.Signal{
				Kind:   session.SignalAuthFailed,
				Reason: fmt.Sprintf("mattermost authentication token is invalid (HTTP %d)", resp.StatusCode),
			}))
			return nil
		}
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}

	wsURL := httpToWS(c.serverURL)
	ws, err := c.dial(wsURL, c.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()

	stop := make(chan struct{})
	c.mu.Lock()
	c.userID = me.Id
	c.username = me.Username
	c.ws = ws
	c.stopOnce = &sync.Once{}
	c.stopChan = stop
	c.mu.Unlock()

	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	c.emit(stop, chat.SignalEvent(session.Signal{Kind: session.SignalAuthenticated}))

	go c.listenWebSocket(ws, stop)

	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	c.emit(stop, chat.SignalEvent(session.Signal{Kind: session.SignalReady}))
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *Client) listenWebSocket(ws eventStream, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case evt, ok := <-ws.Events():
			if !ok {
				select {
				case <-stop:
					return
				default:
				}
				c.log.Warn().Msg("WebSocket event channel closed")
				c.emit(stop, chat.SignalEvent(session.Signal{
					Kind:   session.SignalDisconnected,
					Reason: reasonClosed,
				}))
				return
			}
			if evt == nil {
				continue
			}
			c.handleEvent(evt, stop)
		}
	}
}

// emit queues an event unless stop closes first.
func (c *Client) emit(stop <-chan struct{}, evt chat.Event) {
	select {
	case c.events <- evt:
	case <-stop:
	}
}

func (c *Client) closeStream() {
	c.mu.Lock()
	ws, once, stop := c.ws, c.stopOnce, c.stopChan
	c.ws = nil
	c.mu.Unlock()

	if once != nil {
		once.Do(func() { close(stop) })
	}
	if ws != nil {
		ws.Close()
	}
}

// Disconnect closes the WebSocket connection and stops the event loop. The
// client can be connected again afterwards.
func (c *Client) Disconnect(_ context.Context) error {
	c.closeStream()
	return nil
}

var errNoSession = errors.New("mattermost session is not connected")

func (c *Client) requireSession() error {
	if c.SelfID() == "" {
		return errNoSession
	}
	return nil
}
