// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/session"
)

// handleEvent maps whatsmeow events to session signals and inbound messages.
func (c *Client) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		c.stopPairing()
		c.log.Info().Str("jid", evt.ID.String()).Str("platform", evt.Platform).Msg("Device paired")
		c.signal(session.SignalAuthenticated, "")
	case *events.Connected:
		c.stopPairing()
		c.log.Info().Msg("Client is ready")
		c.signal(session.SignalAuthenticated, "")
		c.signal(session.SignalReady, "")
	case *events.Disconnected:
		c.mu.Lock()
		expected := c.disconnected
		c.mu.Unlock()
		if expected {
			return
		}
		c.log.Warn().Msg("Client was logged out or disconnected")
		c.signal(session.SignalDisconnected, "connection lost")
	case *events.StreamReplaced:
		c.log.Warn().Msg("Session replaced by another client")
		c.signal(session.SignalConflict, "stream replaced")
	case *events.LoggedOut:
		c.log.Warn().Str("reason", evt.Reason.String()).Msg("Device logged out")
		c.signal(session.SignalAuthFailed, "logged out: "+evt.Reason.String())
	case *events.ConnectFailure:
		c.log.Error().Str("reason", evt.Reason.String()).Str("message", evt.Message).Msg("Connection refused by server")
		c.signal(session.SignalAuthFailed, fmt.Sprintf("connect failure: %s %s", evt.Reason, evt.Message))
	case *events.TemporaryBan:
		c.log.Error().Str("ban", evt.String()).Msg("Account temporarily banned")
		c.signal(session.SignalAuthFailed, evt.String())
	case *events.ClientOutdated:
		c.signal(session.SignalAuthFailed, "client outdated")
	case *events.Message:
		if msg := toIncoming(evt); msg != nil {
			c.emit(chat.MessageEvent(msg))
		}
	}
}

func (c *Client) signal(kind session.SignalKind, reason string) {
	c.emit(chat.SignalEvent(session.Signal{Kind: kind, Reason: reason}))
}

// toIncoming converts a text message from another user. Own messages and
// messages without text are skipped.
func toIncoming(evt *events.Message) *chat.IncomingMessage {
	if evt.Info.IsFromMe {
		return nil
	}
	body := messageText(evt.Message)
	if body == "" {
		return nil
	}
	origin := chat.OriginDirect
	if evt.Info.Chat.Server == types.GroupServer {
		origin = chat.OriginGroup
	}
	return &chat.IncomingMessage{
		ID:           evt.Info.ID,
		Sender:       participantID(evt.Info.Sender),
		SenderName:   evt.Info.PushName,
		Body:         body,
		Origin:       origin,
		Conversation: chat.ConversationID(evt.Info.Chat.String()),
		Timestamp:    evt.Info.Timestamp,
	}
}

// messageText returns the text of plain and extended text messages.
func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	return msg.GetExtendedTextMessage().GetText()
}

func participantID(jid types.JID) chat.ParticipantID {
	return chat.ParticipantID(jid.ToNonAD().String())
}

func parseJID(id string) (types.JID, error) {
	jid, err := types.ParseJID(strings.TrimSpace(id))
	if err != nil {
		return types.EmptyJID, fmt.Errorf("invalid WhatsApp id %q: %w", id, err)
	}
	return jid, nil
}
