// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package whatsapp implements the chat backend as a linked WhatsApp device.
//
// The device identity is kept in a SQLite store under the session
// directory, one database per client ID, so a restart resumes the session
// without pairing again. A device that is not yet linked is paired by QR
// code printed to the terminal.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/aiku/tagallbot/pkg/chat"
)

const (
	backendName = "whatsapp"
	eventBuffer = 64
	emitTimeout = 10 * time.Second

	DefaultPairingTimeout = 45 * time.Second
)

// Options configures the WhatsApp client.
type Options struct {
	// SessionDir holds the device databases.
	SessionDir string
	// ClientID names the device database, so several bots can share a
	// session directory.
	ClientID string
	// PairingTimeout bounds how long a QR pairing may take.
	PairingTimeout time.Duration
	// QROutput receives the rendered pairing QR code. Defaults to stdout.
	QROutput io.Writer
}

// waClient is the subset of *whatsmeow.Client the backend uses.
type waClient interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// Client is a chat.Backend backed by a whatsmeow device session.
type Client struct {
	opts        Options
	events      chan chat.Event
	log         zerolog.Logger
	emitTimeout time.Duration

	mu sync.Mutex
	wa waClient
	// qrChannel starts QR pairing when the device is not linked yet. It
	// returns nil when no pairing is needed.
	qrChannel func(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	// identity returns the linked phone-number and LID identities.
	identity     func() (pn, lid types.JID)
	cancelPair   context.CancelFunc
	disconnected bool
	stopOnce     *sync.Once
	stopChan     chan struct{}
}

var _ chat.Backend = (*Client)(nil)

// New creates an unconnected client. The device store is opened on the first
// Connect.
func New(opts Options, log zerolog.Logger) *Client {
	if opts.PairingTimeout <= 0 {
		opts.PairingTimeout = DefaultPairingTimeout
	}
	if opts.QROutput == nil {
		opts.QROutput = os.Stdout
	}
	return &Client{
		opts:        opts,
		events:      make(chan chat.Event, eventBuffer),
		log:         log.With().Str("component", "wa_client").Logger(),
		emitTimeout: emitTimeout,
		stopOnce:    &sync.Once{},
		stopChan:    make(chan struct{}),
	}
}

func (c *Client) Name() string { return backendName }

func (c *Client) Events() <-chan chat.Event { return c.events }

// SelfID returns the bot's own phone-number identity, or an empty ID before
// the device is linked.
func (c *Client) SelfID() chat.ParticipantID {
	pn, _ := c.self()
	if pn.IsEmpty() {
		return ""
	}
	return chat.ParticipantID(pn.String())
}

func (c *Client) self() (pn, lid types.JID) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	if identity == nil {
		return types.EmptyJID, types.EmptyJID
	}
	pn, lid = identity()
	return pn.ToNonAD(), lid.ToNonAD()
}

// dbPath returns the SQLite database path for the configured client ID.
func (o Options) dbPath() string {
	return filepath.Join(o.SessionDir, o.ClientID+".db")
}

// openSession opens the device store and creates the whatsmeow client.
func (c *Client) openSession(ctx context.Context) error {
	if err := os.MkdirAll(c.opts.SessionDir, 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	dsn := "file:" + c.opts.dbPath() + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open session database: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Zerolog(c.log.With().Str("component", "wa_store").Logger()))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to upgrade session database: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(c.log.With().Str("component", "whatsmeow").Logger()))
	// Reconnects are driven by the session supervisor.
	client.EnableAutoReconnect = false
	client.AddEventHandler(c.handleEvent)

	c.mu.Lock()
	c.wa = client
	c.identity = func() (types.JID, types.JID) {
		if client.Store.ID == nil {
			return types.EmptyJID, types.EmptyJID
		}
		return *client.Store.ID, client.Store.LID
	}
	c.qrChannel = func(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error) {
		if client.Store.ID != nil {
			return nil, nil
		}
		return client.GetQRChannel(ctx)
	}
	c.mu.Unlock()
	c.log.Info().Str("db_path", c.opts.dbPath()).Msg("Opened device store")
	return nil
}

// Connect opens the device session. An unlinked device starts QR pairing;
// progress is reported as signals.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	opened := c.wa != nil
	c.mu.Unlock()
	if !opened {
		if err := c.openSession(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	wa, qrChannel := c.wa, c.qrChannel
	if c.disconnected {
		c.stopOnce = &sync.Once{}
		c.stopChan = make(chan struct{})
	}
	c.disconnected = false
	c.mu.Unlock()

	if wa.IsConnected() {
		wa.Disconnect()
	}

	if err := c.startPairing(qrChannel); err != nil {
		return err
	}
	c.log.Info().Msg("Connecting to WhatsApp")
	if err := wa.Connect(); err != nil {
		c.stopPairing()
		return fmt.Errorf("failed to connect to WhatsApp: %w", err)
	}
	return nil
}

// Disconnect closes the connection to WhatsApp. The device stays linked.
func (c *Client) Disconnect(_ context.Context) error {
	c.stopPairing()
	c.mu.Lock()
	wa := c.wa
	c.disconnected = true
	stopOnce, stopChan := c.stopOnce, c.stopChan
	c.mu.Unlock()
	stopOnce.Do(func() { close(stopChan) })
	if wa != nil {
		wa.Disconnect()
	}
	return nil
}

// emit queues an event. whatsmeow calls event handlers synchronously, so a
// message is given up on after emitTimeout when the consumer stalls. Session
// signals are never dropped while connected: they wait until delivered or
// until Disconnect.
func (c *Client) emit(evt chat.Event) {
	c.mu.Lock()
	stop := c.stopChan
	c.mu.Unlock()

	if evt.Signal != nil {
		select {
		case c.events <- evt:
		case <-stop:
			c.log.Debug().
				Str("signal", string(evt.Signal.Kind)).
				Msg("Dropping session signal after disconnect")
		}
		return
	}

	timer := time.NewTimer(c.emitTimeout)
	defer timer.Stop()
	select {
	case c.events <- evt:
	case <-timer.C:
		c.log.Warn().Msg("Event consumer stalled, dropping message")
	case <-stop:
	}
}
