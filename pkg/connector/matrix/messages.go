// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/mentionfmt"
)

// onMessage converts text messages from other users into inbound messages.
func (c *Client) onMessage(ctx context.Context, evt *event.Event) {
	msg := c.toIncoming(ctx, evt)
	if msg == nil {
		return
	}
	c.emit(ctx.Done(), chat.MessageEvent(msg))
}

func (c *Client) toIncoming(ctx context.Context, evt *event.Event) *chat.IncomingMessage {
	if evt.Sender == c.client.UserID {
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return nil
	}
	// Edits arrive as new events carrying the replacement in m.new_content.
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return nil
	}
	return &chat.IncomingMessage{
		ID:           string(evt.ID),
		Sender:       chat.ParticipantID(evt.Sender),
		Body:         content.Body,
		Origin:       c.origin(ctx, evt.RoomID),
		Conversation: chat.ConversationID(evt.RoomID),
		Timestamp:    time.UnixMilli(evt.Timestamp),
	}
}

// origin classifies a room by its joined member count, looking it up when
// no sync summary has reported it yet.
func (c *Client) origin(ctx context.Context, roomID id.RoomID) chat.Origin {
	c.mu.Lock()
	count, ok := c.members[roomID]
	c.mu.Unlock()
	if !ok {
		resp, err := c.client.JoinedMembers(ctx, roomID)
		if err != nil {
			c.log.Warn().Err(err).Str("room_id", string(roomID)).Msg("Failed to get joined members")
			return chat.OriginDirect
		}
		count = len(resp.Joined)
		c.mu.Lock()
		c.members[roomID] = count
		c.mu.Unlock()
	}
	if count > directRoomMembers {
		return chat.OriginGroup
	}
	return chat.OriginDirect
}

// FetchGroup returns the joined members of a room.
func (c *Client) FetchGroup(ctx context.Context, conv chat.ConversationID) (*chat.GroupConversation, error) {
	roomID := id.RoomID(conv)
	resp, err := c.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get joined members: %w", err)
	}

	participants := make([]chat.ParticipantID, 0, len(resp.Joined))
	c.mu.Lock()
	c.members[roomID] = len(resp.Joined)
	for userID, member := range resp.Joined {
		participants = append(participants, chat.ParticipantID(userID))
		if member.DisplayName != "" {
			c.names[userID] = member.DisplayName
		}
	}
	c.mu.Unlock()

	var name event.RoomNameEventContent
	if err := c.client.StateEvent(ctx, roomID, event.StateRoomName, "", &name); err != nil {
		c.log.Debug().Err(err).Str("room_id", string(roomID)).Msg("Room has no name")
	}
	return &chat.GroupConversation{
		ID:           conv,
		Name:         name.Name,
		Participants: participants,
	}, nil
}

// SendGroupMessage sends text with a pill and an m.mentions entry for every
// participant.
func (c *Client) SendGroupMessage(ctx context.Context, conv chat.ConversationID, text string, mentions []chat.ParticipantID) error {
	users := lo.Map(mentions, func(p chat.ParticipantID, _ int) id.UserID { return id.UserID(p) })
	c.mu.Lock()
	names := lo.PickByKeys(c.names, users)
	c.mu.Unlock()

	content := mentionfmt.Matrix(text, users, names)
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(conv), event.EventMessage, content); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Reply answers msg with a rich reply mentioning its sender.
func (c *Client) Reply(ctx context.Context, msg *chat.IncomingMessage, text string) error {
	content := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      text,
		Mentions:  &event.Mentions{UserIDs: []id.UserID{id.UserID(msg.Sender)}},
		RelatesTo: (&event.RelatesTo{}).SetReplyTo(id.EventID(msg.ID)),
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(msg.Conversation), event.EventMessage, content); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}
