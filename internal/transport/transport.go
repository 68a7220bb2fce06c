package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotReady reports a transport that cannot currently deliver.
var ErrNotReady = errors.New("transport is not ready")

// Session is one unread chat surfaced to the worker.
type Session struct {
	SessionID    string `json:"session_id"`
	PeerUserID   string `json:"peer_user_id,omitempty"`
	PeerName     string `json:"peer_name,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ItemTitle    string `json:"item_title,omitempty"`
	Text         string `json:"text"`
	CreateTimeMs int64  `json:"create_time_ms"`
}

// Transport is the chat channel contract shared by the WebSocket and DOM
// implementations.
type Transport interface {
	Start(ctx context.Context) error
	Stop()
	IsReady() bool
	GetUnreadSessions(ctx context.Context, limit int) []Session
	SendText(ctx context.Context, sessionID, text string) bool
}

// eventQueue is a bounded FIFO of decoded inbound events. On overflow the
// oldest event is dropped.
type eventQueue struct {
	mu     sync.Mutex
	events []ChatEvent
	max    int
	notify chan struct{}
}

func newEventQueue(max int) *eventQueue {
	if max <= 0 {
		max = 500
	}
	return &eventQueue{max: max, notify: make(chan struct{}, 1)}
}

// push appends an event, dropping the oldest when full. Returns the number
// of dropped events (0 or 1).
func (q *eventQueue) push(ev ChatEvent) int {
	q.mu.Lock()
	dropped := 0
	if len(q.events) >= q.max {
		q.events = q.events[1:]
		dropped = 1
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// drain removes up to limit events for distinct sessions, newest event per
// session. Waits up to wait when the queue is empty.
func (q *eventQueue) drain(ctx context.Context, limit int, wait time.Duration) []ChatEvent {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			bySession := make(map[string]ChatEvent)
			var order []string
			for _, ev := range q.events {
				if _, seen := bySession[ev.SessionID]; !seen {
					order = append(order, ev.SessionID)
				}
				bySession[ev.SessionID] = ev // newest wins
			}

			var out []ChatEvent
			taken := make(map[string]bool)
			for _, sid := range order {
				if len(out) >= limit {
					break
				}
				out = append(out, bySession[sid])
				taken[sid] = true
			}

			var rest []ChatEvent
			for _, ev := range q.events {
				if !taken[ev.SessionID] {
					rest = append(rest, ev)
				}
			}
			q.events = rest
			q.mu.Unlock()
			return out
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// dedupCache remembers event fingerprints for a sliding window. Expired
// entries are pruned lazily on insert. All arithmetic uses time.Since so the
// window rides Go's monotonic clock.
type dedupCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	lastGC time.Time
}

func newDedupCache(window time.Duration) *dedupCache {
	return &dedupCache{
		seen:   make(map[string]time.Time),
		window: window,
		lastGC: time.Now(),
	}
}

// observe records a fingerprint; returns true when it was already present
// within the window.
func (d *dedupCache) observe(fp string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastGC) > d.window {
		for k, ts := range d.seen {
			if now.Sub(ts) > d.window {
				delete(d.seen, k)
			}
		}
		d.lastGC = now
	}

	if ts, ok := d.seen[fp]; ok && now.Sub(ts) <= d.window {
		return true
	}
	d.seen[fp] = now
	return false
}
