// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/tagallbot/pkg/chat"
)

func connectedClient() *Client {
	c := New("http://mm.local", "tok", zerolog.Nop())
	c.userID = "my-user-id"
	return c
}

func TestParsePostedEvent_GroupMessage(t *testing.T) {
	t.Parallel()
	c := connectedClient()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := postedEvent(t, &model.Post{
		Id:        "post1",
		ChannelId: "ch1",
		UserId:    "alice",
		Message:   " .TagAll ",
		CreateAt:  created.UnixMilli(),
	}, model.ChannelTypePrivate, "@alice")

	msg, err := c.parsePostedEvent(evt)
	if err != nil {
		t.Fatalf("parsePostedEvent: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Origin != chat.OriginGroup {
		t.Errorf("Origin: got %s, want group", msg.Origin)
	}
	if msg.Body != " .TagAll " {
		t.Errorf("Body should be passed through unmodified, got %q", msg.Body)
	}
	if msg.Sender != "alice" || msg.SenderName != "alice" {
		t.Errorf("sender: got %q / %q", msg.Sender, msg.SenderName)
	}
	if msg.Conversation != "ch1" {
		t.Errorf("Conversation: got %q", msg.Conversation)
	}
	if !msg.Timestamp.Equal(created) {
		t.Errorf("Timestamp: got %s, want %s", msg.Timestamp, created)
	}
}

func TestParsePostedEvent_DirectChannel(t *testing.T) {
	t.Parallel()
	c := connectedClient()
	evt := postedEvent(t, &model.Post{Id: "p", ChannelId: "dm", UserId: "alice", Message: ".tagall"}, model.ChannelTypeDirect, "alice")

	msg, err := c.parsePostedEvent(evt)
	if err != nil || msg == nil {
		t.Fatalf("parsePostedEvent: msg=%v err=%v", msg, err)
	}
	if msg.Origin != chat.OriginDirect {
		t.Errorf("Origin: got %s, want direct", msg.Origin)
	}
}

func TestParsePostedEvent_Skips(t *testing.T) {
	t.Parallel()
	c := connectedClient()
	tests := []struct {
		name string
		post *model.Post
	}{
		{name: "own post", post: &model.Post{Id: "p1", ChannelId: "ch1", UserId: "my-user-id", Message: ".tagall"}},
		{name: "system post", post: &model.Post{Id: "p2", ChannelId: "ch1", UserId: "alice", Type: model.PostTypeJoinChannel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := c.parsePostedEvent(postedEvent(t, tt.post, model.ChannelTypeOpen, "alice"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg != nil {
				t.Errorf("expected skip, got %+v", msg)
			}
		})
	}
}

func TestParsePostedEvent_Errors(t *testing.T) {
	t.Parallel()
	c := connectedClient()

	missing := newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{})
	if _, err := c.parsePostedEvent(missing); err == nil {
		t.Error("expected error for missing post data")
	}

	bad := newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{"post": "{not json"})
	if _, err := c.parsePostedEvent(bad); err == nil {
		t.Error("expected error for malformed post JSON")
	}
}

func TestHandleEvent_IgnoresOtherTypes(t *testing.T) {
	t.Parallel()
	c := connectedClient()
	stop := make(chan struct{})
	c.handleEvent(newWebSocketEvent(model.WebsocketEventTyping, "ch1", map[string]any{}), stop)
	select {
	case evt := <-c.Events():
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestOriginForChannelType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ  model.ChannelType
		want chat.Origin
	}{
		{model.ChannelTypeDirect, chat.OriginDirect},
		{model.ChannelTypeOpen, chat.OriginGroup},
		{model.ChannelTypePrivate, chat.OriginGroup},
		{model.ChannelTypeGroup, chat.OriginGroup},
	}
	for _, tt := range tests {
		if got := originForChannelType(tt.typ); got != tt.want {
			t.Errorf("originForChannelType(%q): got %s, want %s", tt.typ, got, tt.want)
		}
	}
}
