// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetMe and GetUsersByIds.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// ChannelMembers maps channel ID to member list.
	ChannelMembers map[string]model.ChannelMembers
	// Posts maps post ID to model.Post for GetPost.
	Posts map[string]*model.Post
	// Created collects posts created through the API.
	Created []*model.Post
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		Users:          make(map[string]*model.User),
		TokenToUser:    make(map[string]string),
		Channels:       make(map[string]*model.Channel),
		ChannelMembers: make(map[string]model.ChannelMembers),
		Posts:          make(map[string]*model.Post),
		FailEndpoints:  make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CreatedPosts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.Created))
	copy(cp, f.Created)
	return cp
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/users/ids
	case r.Method == "POST" && path == "/api/v4/users/ids":
		var ids []string
		_ = json.Unmarshal(body, &ids)
		users := []*model.User{}
		for _, id := range ids {
			if u, ok := f.Users[id]; ok {
				users = append(users, u)
			}
		}
		_ = json.NewEncoder(w).Encode(users)

	// GET /api/v4/channels/{channel_id}/members?page=&per_page=
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/members"):
		parts := strings.Split(path, "/")
		members := f.ChannelMembers[parts[4]]
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		if perPage <= 0 {
			perPage = 60
		}
		start := min(page*perPage, len(members))
		end := min(start+perPage, len(members))
		_ = json.NewEncoder(w).Encode(members[start:end])

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		f.mu.Lock()
		f.Created = append(f.Created, &post)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&post)

	// GET /api/v4/posts/{post_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/posts/"):
		postID := path[len("/api/v4/posts/"):]
		if p, ok := f.Posts[postID]; ok {
			_ = json.NewEncoder(w).Encode(p)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// fakeStream is an in-memory eventStream.
type fakeStream struct {
	ch        chan *model.WebSocketEvent
	closeOnce sync.Once
	mu        sync.Mutex
	listened  bool
	closed    bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan *model.WebSocketEvent, 8)}
}

func (s *fakeStream) Listen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listened = true
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// drop simulates the server closing the connection.
func (s *fakeStream) drop() {
	s.closeOnce.Do(func() { close(s.ch) })
}

func (s *fakeStream) Events() <-chan *model.WebSocketEvent { return s.ch }

func (s *fakeStream) Listened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listened
}

func (s *fakeStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// newTestClient creates a Client against the fake server whose token maps to
// the bot user "bot-id". The returned stream is handed out on every dial.
func newTestClient(t *testing.T, f *fakeMM) (*Client, *fakeStream) {
	t.Helper()
	f.Users["bot-id"] = &model.User{Id: "bot-id", Username: "tagbot"}
	f.TokenToUser["test-token"] = "bot-id"

	stream := newFakeStream()
	c := New(f.Server.URL+"/", "test-token", zerolog.Nop())
	c.dial = func(_, _ string) (eventStream, error) { return stream, nil }
	return c, stream
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postedEvent(t *testing.T, post *model.Post, channelType model.ChannelType, senderName string) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{
		"post":         string(raw),
		"channel_type": string(channelType),
		"sender_name":  senderName,
	})
}
