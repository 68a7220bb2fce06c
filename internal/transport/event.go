package transport

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// ChatEvent is one decoded inbound buyer message.
type ChatEvent struct {
	SessionID    string // chat id, the part of the chat ref before "@"
	PeerUserID   string
	PeerName     string
	Text         string
	ItemID       string
	ItemTitle    string
	CreateTimeMs int64
}

// Fingerprint identifies an event for deduplication.
func (e ChatEvent) Fingerprint() string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%s", e.SessionID, e.CreateTimeMs, e.Text)))
	return hex.EncodeToString(sum[:])[:20]
}

// ExtractChatEvent walks a decoded sync payload and pulls out the chat
// message, accepting both string and integer map keys at every level.
// Returns false when the payload is not a chat message.
func ExtractChatEvent(root Value) (ChatEvent, bool) {
	msg, ok := root.Field("1")
	if !ok {
		msg = root
	}
	if msg.Kind != KindMap {
		return ChatEvent{}, false
	}

	var ev ChatEvent

	if ref, ok := msg.Field("2"); ok {
		chatRef := ref.AsString()
		if i := strings.Index(chatRef, "@"); i >= 0 {
			chatRef = chatRef[:i]
		}
		ev.SessionID = chatRef
	}
	if ts, ok := msg.Field("5"); ok {
		if n, ok := ts.AsInt64(); ok {
			ev.CreateTimeMs = n
		}
	}

	details, ok := msg.Field("10")
	if !ok || details.Kind != KindMap {
		return ChatEvent{}, false
	}

	for _, field := range []string{"reminderContent", "content", "text"} {
		if v, ok := details.Field(field); ok {
			if s := v.AsString(); s != "" {
				ev.Text = s
				break
			}
		}
	}
	if v, ok := details.Field("senderUserId"); ok {
		ev.PeerUserID = v.AsString()
	}
	if v, ok := details.Field("reminderTitle"); ok {
		ev.PeerName = v.AsString()
	}
	if v, ok := details.Field("reminderUrl"); ok {
		ev.ItemID = itemIDFromURL(v.AsString())
	}
	if v, ok := details.Field("itemTitle"); ok {
		ev.ItemTitle = v.AsString()
	}

	if ev.SessionID == "" || ev.Text == "" {
		return ChatEvent{}, false
	}
	return ev, true
}

func itemIDFromURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("itemId")
}
