// Copyright 2024-2026 Aiku AI

package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/util/ptr"
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/mentionfmt"
)

var errNotConnected = errors.New("whatsapp session is not open")

func (c *Client) client() (waClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wa == nil {
		return nil, errNotConnected
	}
	return c.wa, nil
}

// FetchGroup returns the group's current participants. A participant listed
// under the bot's LID is reported with the bot's phone-number identity so it
// compares equal to SelfID.
func (c *Client) FetchGroup(ctx context.Context, conv chat.ConversationID) (*chat.GroupConversation, error) {
	wa, err := c.client()
	if err != nil {
		return nil, err
	}
	jid, err := parseJID(string(conv))
	if err != nil {
		return nil, err
	}
	info, err := wa.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to get group info: %w", err)
	}

	selfPN, selfLID := c.self()
	participants := make([]chat.ParticipantID, 0, len(info.Participants))
	for _, p := range info.Participants {
		pJID := p.JID.ToNonAD()
		if !selfLID.IsEmpty() && (pJID == selfLID || p.LID.ToNonAD() == selfLID) {
			pJID = selfPN
		}
		participants = append(participants, chat.ParticipantID(pJID.String()))
	}
	return &chat.GroupConversation{
		ID:           conv,
		Name:         info.Name,
		Participants: participants,
	}, nil
}

// SendGroupMessage sends text with an @mention of every participant.
func (c *Client) SendGroupMessage(ctx context.Context, conv chat.ConversationID, text string, mentions []chat.ParticipantID) error {
	wa, err := c.client()
	if err != nil {
		return err
	}
	jid, err := parseJID(string(conv))
	if err != nil {
		return err
	}
	msg, err := mentionMessage(text, mentions)
	if err != nil {
		return err
	}
	if _, err := wa.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// mentionMessage builds an extended text message whose text carries an
// @<user> token for every mention, as WhatsApp clients require to highlight
// them.
func mentionMessage(text string, mentions []chat.ParticipantID) (*waE2E.Message, error) {
	jids := make([]string, 0, len(mentions))
	handles := make([]mentionfmt.Mention, 0, len(mentions))
	for _, m := range mentions {
		jid, err := parseJID(string(m))
		if err != nil {
			return nil, err
		}
		jids = append(jids, jid.String())
		handles = append(handles, mentionfmt.Mention{Handle: jid.User})
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: ptr.Ptr(mentionfmt.Plain(text, handles)),
			ContextInfo: &waE2E.ContextInfo{
				MentionedJID: jids,
			},
		},
	}, nil
}

// Reply answers msg in its conversation, quoting it.
func (c *Client) Reply(ctx context.Context, msg *chat.IncomingMessage, text string) error {
	wa, err := c.client()
	if err != nil {
		return err
	}
	jid, err := parseJID(string(msg.Conversation))
	if err != nil {
		return err
	}
	if _, err := wa.SendMessage(ctx, jid, replyMessage(msg, text)); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

func replyMessage(msg *chat.IncomingMessage, text string) *waE2E.Message {
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: ptr.Ptr(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      ptr.Ptr(msg.ID),
				Participant:   ptr.Ptr(string(msg.Sender)),
				QuotedMessage: &waE2E.Message{Conversation: ptr.Ptr(msg.Body)},
			},
		},
	}
}

