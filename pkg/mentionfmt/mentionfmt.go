// Copyright 2024-2026 Aiku AI

// Package mentionfmt renders a broadcast text followed by a mention of every
// target, in the markup each backend expects.
package mentionfmt

import (
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Mention is a single mention target.
type Mention struct {
	// Handle is written after the @ in plain text. For WhatsApp this is the
	// user part of the JID, for Mattermost the username.
	Handle string
	// DisplayName is the pill text for rich renderers. Defaults to Handle.
	DisplayName string
}

func (m Mention) label() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Handle
}

// Plain renders text with a trailing line of space-separated @handles.
// Mentions with an empty handle are skipped. With no mentions the text is
// returned unchanged.
func Plain(text string, mentions []Mention) string {
	handles := make([]string, 0, len(mentions))
	for _, m := range mentions {
		h := strings.TrimPrefix(strings.TrimSpace(m.Handle), "@")
		if h == "" {
			continue
		}
		handles = append(handles, "@"+h)
	}
	if len(handles) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(handles, " ")
	}
	return text + "\n" + strings.Join(handles, " ")
}

// Matrix renders a text message that mentions every user with an HTML pill
// and lists them in m.mentions so clients notify them.
func Matrix(text string, users []id.UserID, displayNames map[id.UserID]string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType:  event.MsgText,
		Body:     text,
		Mentions: &event.Mentions{UserIDs: []id.UserID{}},
	}
	if len(users) == 0 {
		return content
	}

	plain := make([]Mention, 0, len(users))
	pills := make([]string, 0, len(users))
	for _, user := range users {
		if user == "" {
			continue
		}
		m := Mention{Handle: string(user), DisplayName: displayNames[user]}
		plain = append(plain, Mention{Handle: m.label()})
		pills = append(pills, Pill(user, m.label()))
		content.Mentions.UserIDs = append(content.Mentions.UserIDs, user)
	}
	if len(pills) == 0 {
		return content
	}

	content.Body = Plain(text, plain)
	content.Format = event.FormatHTML
	formatted := strings.Join(pills, " ")
	if text != "" {
		formatted = html.EscapeString(text) + "<br/>" + formatted
	}
	content.FormattedBody = formatted
	return content
}

// Pill renders a matrix.to user link.
func Pill(user id.UserID, label string) string {
	if label == "" {
		label = string(user)
	}
	return `<a href="` + html.EscapeString(user.URI().MatrixToURL()) + `">` + html.EscapeString(label) + `</a>`
}
