// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/samber/lo"

	"github.com/aiku/tagallbot/pkg/chat"
	"github.com/aiku/tagallbot/pkg/mentionfmt"
)

// FetchGroup returns the current members of a channel, reading every page.
func (c *Client) FetchGroup(ctx context.Context, conv chat.ConversationID) (*chat.GroupConversation, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}
	channelID := string(conv)
	channel, _, err := c.client.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel info: %w", err)
	}

	var participants []chat.ParticipantID
	for page := 0; ; page++ {
		members, _, err := c.client.GetChannelMembers(ctx, channelID, page, membersPage, "")
		if err != nil {
			return nil, fmt.Errorf("failed to get channel members: %w", err)
		}
		for _, m := range members {
			participants = append(participants, chat.ParticipantID(m.UserId))
		}
		if len(members) < membersPage {
			break
		}
	}

	name := channel.DisplayName
	if name == "" {
		name = channel.Name
	}
	return &chat.GroupConversation{
		ID:           conv,
		Name:         name,
		Participants: participants,
	}, nil
}

// SendGroupMessage posts text to the channel followed by an @username mention
// for every participant. Participants whose account cannot be resolved are
// left out of the mention line.
func (c *Client) SendGroupMessage(ctx context.Context, conv chat.ConversationID, text string, mentions []chat.ParticipantID) error {
	if err := c.requireSession(); err != nil {
		return err
	}

	var handles []mentionfmt.Mention
	if len(mentions) > 0 {
		ids := lo.Map(mentions, func(p chat.ParticipantID, _ int) string { return string(p) })
		users, _, err := c.client.GetUsersByIds(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to resolve usernames: %w", err)
		}
		byID := lo.SliceToMap(users, func(u *model.User) (string, string) { return u.Id, u.Username })
		for _, id := range ids {
			username, ok := byID[id]
			if !ok {
				c.log.Warn().Str("user_id", id).Msg("Skipping mention of unknown user")
				continue
			}
			handles = append(handles, mentionfmt.Mention{Handle: username})
		}
	}

	post := &model.Post{
		ChannelId: string(conv),
		Message:   mentionfmt.Plain(text, handles),
	}
	if _, _, err := c.client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

// Reply answers msg in its thread.
func (c *Client) Reply(ctx context.Context, msg *chat.IncomingMessage, text string) error {
	if err := c.requireSession(); err != nil {
		return err
	}
	post := &model.Post{
		ChannelId: string(msg.Conversation),
		Message:   text,
		RootId:    c.threadRoot(ctx, msg.ID),
	}
	if _, _, err := c.client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to create reply: %w", err)
	}
	return nil
}

// threadRoot returns the root post of the thread containing postID. Replies
// must point at the root, not at another reply.
func (c *Client) threadRoot(ctx context.Context, postID string) string {
	if postID == "" {
		return ""
	}
	post, _, err := c.client.GetPost(ctx, postID, "")
	if err != nil {
		c.log.Debug().Err(err).Str("post_id", postID).Msg("Failed to look up thread root")
		return postID
	}
	if post.RootId != "" {
		return post.RootId
	}
	return post.Id
}
