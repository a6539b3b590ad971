// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/tagallbot/pkg/chat"
)

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (c *Client) handleEvent(evt *model.WebSocketEvent, stop <-chan struct{}) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		msg, err := c.parsePostedEvent(evt)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse posted event")
			return
		}
		if msg == nil {
			return
		}
		c.emit(stop, chat.MessageEvent(msg))
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostedEvent extracts an inbound message from a posted event, applying
// echo prevention. Returns (nil, nil) to skip silently, (nil, err) to log an
// error, or (msg, nil) to proceed.
func (c *Client) parsePostedEvent(evt *model.WebSocketEvent) (*chat.IncomingMessage, error) {
	data := evt.GetData()
	postJSON, ok := data["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip own posts.
	if string(c.SelfID()) == post.UserId {
		return nil, nil
	}

	// Skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	senderName, _ := data["sender_name"].(string)
	channelType, _ := data["channel_type"].(string)

	return &chat.IncomingMessage{
		ID:           post.Id,
		Sender:       chat.ParticipantID(post.UserId),
		SenderName:   strings.TrimPrefix(senderName, "@"),
		Body:         post.Message,
		Origin:       originForChannelType(model.ChannelType(channelType)),
		Conversation: chat.ConversationID(post.ChannelId),
		Timestamp:    time.UnixMilli(post.CreateAt),
	}, nil
}

// originForChannelType maps direct channels to OriginDirect. Public, private
// and group-DM channels are all groups.
func originForChannelType(t model.ChannelType) chat.Origin {
	if t == model.ChannelTypeDirect {
		return chat.OriginDirect
	}
	return chat.OriginGroup
}
