package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/browser"
)

const messageCenterURL = "https://www.goofish.com/im"

// DOMTransport drives the chat UI through the browser control API. It is the
// fallback channel when the WebSocket path is unavailable and the retry
// channel when a realtime send fails.
type DOMTransport struct {
	browser *browser.Client
	logger  *slog.Logger

	mu    sync.Mutex
	ready bool
	tabID string
}

func NewDOMTransport(client *browser.Client, logger *slog.Logger) *DOMTransport {
	return &DOMTransport{
		browser: client,
		logger:  logger.With("component", "transport.dom"),
	}
}

// Start boots the browser profile and opens the message center.
func (t *DOMTransport) Start(ctx context.Context) error {
	if err := t.browser.Start(ctx); err != nil {
		return err
	}
	tabID, err := t.browser.OpenTab(ctx, messageCenterURL)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.tabID = tabID
	t.ready = true
	t.mu.Unlock()
	t.logger.Info("message center opened", "tab_id", tabID)
	return nil
}

func (t *DOMTransport) Stop() {
	t.mu.Lock()
	tabID := t.tabID
	t.ready = false
	t.tabID = ""
	t.mu.Unlock()
	if tabID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.browser.CloseTab(ctx, tabID); err != nil {
			t.logger.Debug("tab close failed", "tab_id", tabID, "error", err)
		}
	}
}

func (t *DOMTransport) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// GetUnreadSessions scrapes the conversation list for unread badges. Each
// entry carries the session id and the latest message preview.
func (t *DOMTransport) GetUnreadSessions(ctx context.Context, limit int) []Session {
	if !t.IsReady() {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}
	raw, err := t.browser.Act(ctx, browser.Action{
		Action: "eval",
		Script: unreadSessionsScript,
	})
	if err != nil {
		t.logger.Warn("unread scan failed", "error", err)
		return nil
	}

	var out struct {
		Result []struct {
			SessionID string `json:"session_id"`
			PeerName  string `json:"peer_name"`
			ItemTitle string `json:"item_title"`
			Text      string `json:"text"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.logger.Warn("unread scan result not decodable", "error", err)
		return nil
	}

	var sessions []Session
	for _, row := range out.Result {
		if row.SessionID == "" || strings.TrimSpace(row.Text) == "" {
			continue
		}
		sessions = append(sessions, Session{
			SessionID:    row.SessionID,
			PeerName:     row.PeerName,
			ItemTitle:    row.ItemTitle,
			Text:         row.Text,
			CreateTimeMs: time.Now().UnixMilli(),
		})
		if len(sessions) >= limit {
			break
		}
	}
	return sessions
}

// SendText opens the conversation, fills the composer and clicks send.
func (t *DOMTransport) SendText(ctx context.Context, sessionID, text string) bool {
	if !t.IsReady() {
		return false
	}
	if err := t.browser.Navigate(ctx, messageCenterURL+"?conversationId="+sessionID); err != nil {
		t.logger.Warn("navigate to conversation failed", "session_id", sessionID, "error", err)
		return false
	}
	steps := []browser.Action{
		{Action: "fill", Selector: "textarea.ant-input", Text: text},
		{Action: "click", Selector: "button[class*='send']"},
	}
	for _, step := range steps {
		if _, err := t.browser.Act(ctx, step); err != nil {
			t.logger.Warn("dom send step failed",
				"session_id", sessionID, "action", step.Action, "error", err)
			return false
		}
	}
	t.logger.Debug("message sent via dom", "session_id", sessionID, "bytes", len(text))
	return true
}

// unreadSessionsScript pulls unread conversations out of the sidebar list.
const unreadSessionsScript = `(() => {
  const rows = document.querySelectorAll('[class*="conversation-item"]');
  const out = [];
  for (const row of rows) {
    if (!row.querySelector('[class*="red-point"], [class*="unread"]')) continue;
    const id = row.getAttribute('data-conversation-id') || row.id || '';
    out.push({
      session_id: id,
      peer_name: (row.querySelector('[class*="nick"]') || {}).textContent || '',
      item_title: (row.querySelector('[class*="title"]') || {}).textContent || '',
      text: (row.querySelector('[class*="content"]') || {}).textContent || '',
    });
  }
  return out;
})()`
