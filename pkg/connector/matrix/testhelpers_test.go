// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

const (
	botUser  = id.UserID("@tagbot:example.com")
	botToken = "syt_test"
)

type sentEvent struct {
	RoomID string
	Body   map[string]any
}

// fakeHomeserver simulates the client-server API endpoints the bot uses.
type fakeHomeserver struct {
	Server *httptest.Server

	mu sync.Mutex
	// Joined maps room ID to member user ID to display name.
	Joined map[string]map[string]string
	// RoomNames maps room ID to its m.room.name.
	RoomNames map[string]string
	// MemberCounts feeds the sync summary of the first sync.
	MemberCounts map[string]int
	Sent         []sentEvent
	syncs        int
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	f := &fakeHomeserver{
		Joined:       make(map[string]map[string]string),
		RoomNames:    make(map[string]string),
		MemberCounts: make(map[string]int),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeHomeserver) SentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentEvent, len(f.Sent))
	copy(cp, f.Sent)
	return cp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+botToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"errcode": "M_UNKNOWN_TOKEN", "error": "Unknown access token"})
		return
	}
	body, _ := io.ReadAll(r.Body)
	path := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3")

	switch {
	case path == "/account/whoami":
		writeJSON(w, http.StatusOK, map[string]string{"user_id": string(botUser), "device_id": "DEVICE"})

	case strings.HasSuffix(path, "/filter"):
		writeJSON(w, http.StatusOK, map[string]string{"filter_id": "1"})

	case path == "/sync":
		f.mu.Lock()
		f.syncs++
		first := f.syncs == 1
		join := map[string]any{}
		for room, n := range f.MemberCounts {
			join[room] = map[string]any{"summary": map[string]any{"m.joined_member_count": n}}
		}
		f.mu.Unlock()
		if !first {
			<-r.Context().Done()
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"next_batch": "s1",
			"rooms":      map[string]any{"join": join},
		})

	case strings.HasPrefix(path, "/rooms/") && strings.HasSuffix(path, "/joined_members"):
		room := strings.TrimSuffix(strings.TrimPrefix(path, "/rooms/"), "/joined_members")
		f.mu.Lock()
		members, ok := f.Joined[room]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN", "error": "not in room"})
			return
		}
		joined := map[string]any{}
		for user, name := range members {
			joined[user] = map[string]string{"display_name": name}
		}
		writeJSON(w, http.StatusOK, map[string]any{"joined": joined})

	case strings.HasPrefix(path, "/rooms/") && strings.Contains(path, "/state/m.room.name"):
		room := strings.SplitN(strings.TrimPrefix(path, "/rooms/"), "/", 2)[0]
		f.mu.Lock()
		name, ok := f.RoomNames[room]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "no name"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name})

	case r.Method == http.MethodPut && strings.HasPrefix(path, "/rooms/") && strings.Contains(path, "/send/m.room.message/"):
		room := strings.SplitN(strings.TrimPrefix(path, "/rooms/"), "/", 2)[0]
		var content map[string]any
		_ = json.Unmarshal(body, &content)
		f.mu.Lock()
		f.Sent = append(f.Sent, sentEvent{RoomID: room, Body: content})
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"event_id": "$sent"})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_UNRECOGNIZED", "error": "unknown endpoint " + path})
	}
}

func newTestClient(t *testing.T, f *fakeHomeserver, token string) *Client {
	t.Helper()
	c, err := New(f.Server.URL, botUser, token, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect(context.Background()) })
	return c
}
