package transport

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/G3niusYukki/xianyu-openclaw-sub000/internal/config"
)

// WSTransport speaks the realtime chat protocol over a single WebSocket
// connection. It registers the session with a signed token, acknowledges
// every mid-bearing frame before dispatch, deduplicates inbound events and
// reconnects with capped exponential backoff.
type WSTransport struct {
	cfg    config.TransportConfig
	tokens *TokenClient
	logger *slog.Logger

	// writeMu serializes every frame written to the connection: acks,
	// heartbeats, registration and outbound messages.
	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	queue *eventQueue
	dedup *dedupCache

	peerMu sync.Mutex
	peers  map[string]string // sessionID -> peer user id

	ready      atomic.Bool
	midCounter atomic.Int64
	lastFrame  atomic.Int64 // unix ms of last inbound server frame

	token        string
	tokenFetched time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewWSTransport(cfg config.TransportConfig, tokens *TokenClient, logger *slog.Logger) *WSTransport {
	expire := time.Duration(cfg.MessageExpireMs) * time.Millisecond
	if expire <= 0 {
		expire = 5 * time.Minute
	}
	t := &WSTransport{
		cfg:    cfg,
		tokens: tokens,
		logger: logger.With("component", "transport.ws"),
		queue:  newEventQueue(cfg.MaxQueueSize),
		// dedup window must outlive the expiry check so a replayed frame
		// that is still "fresh" cannot slip through.
		dedup: newDedupCache(2 * expire),
		peers: make(map[string]string),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	t.midCounter.Store(time.Now().UnixMilli())
	return t
}

// Start launches the connection loop and returns once the first registration
// succeeds or the context expires.
func (t *WSTransport) Start(ctx context.Context) error {
	go t.run()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		if t.ready.Load() {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("websocket transport did not become ready: %w", waitCtx.Err())
		case <-t.stop:
			return ErrNotReady
		case <-tick.C:
		}
	}
}

func (t *WSTransport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.closeConn()
	})
	<-t.done
}

func (t *WSTransport) IsReady() bool { return t.ready.Load() }

// GetUnreadSessions drains up to limit distinct sessions, waiting up to the
// configured queue wait when nothing is pending.
func (t *WSTransport) GetUnreadSessions(ctx context.Context, limit int) []Session {
	if limit <= 0 {
		limit = 10
	}
	wait := time.Duration(t.cfg.QueueWaitSecs) * time.Second
	if wait <= 0 {
		wait = 3 * time.Second
	}
	events := t.queue.drain(ctx, limit, wait)
	sessions := make([]Session, 0, len(events))
	for _, ev := range events {
		sessions = append(sessions, Session{
			SessionID:    ev.SessionID,
			PeerUserID:   ev.PeerUserID,
			PeerName:     ev.PeerName,
			ItemID:       ev.ItemID,
			ItemTitle:    ev.ItemTitle,
			Text:         ev.Text,
			CreateTimeMs: ev.CreateTimeMs,
		})
	}
	return sessions
}

// SendText delivers one text message into a chat. It fails when the
// connection is down or the peer for the session has never been observed.
func (t *WSTransport) SendText(ctx context.Context, sessionID, text string) bool {
	if !t.ready.Load() {
		t.logger.Warn("send rejected, transport not ready", "session_id", sessionID)
		return false
	}
	t.peerMu.Lock()
	peer, ok := t.peers[sessionID]
	t.peerMu.Unlock()
	if !ok || peer == "" {
		t.logger.Warn("send rejected, unknown peer for session", "session_id", sessionID)
		return false
	}

	inner, err := json.Marshal(map[string]any{
		"contentType": 1,
		"text":        map[string]any{"text": text},
	})
	if err != nil {
		return false
	}
	frame := map[string]any{
		"lwp": "/r/MessageSend/sendByReceiverScope",
		"headers": map[string]any{
			"mid": t.nextMID(),
		},
		"body": []any{
			map[string]any{
				"uuid":             uuid.NewString(),
				"cid":              sessionID + "@goofish",
				"conversationType": 1,
				"content": map[string]any{
					"contentType": 101,
					"custom": map[string]any{
						"type": 1,
						"data": base64.StdEncoding.EncodeToString(inner),
					},
				},
				"redPointPolicy":       0,
				"extension":            map[string]any{"extJson": "{}"},
				"ctx":                  map[string]any{"appVersion": "1.0", "platform": "web"},
				"mtags":                map[string]any{},
				"msgReadStatusSetting": 1,
			},
			map[string]any{
				"actualReceivers": []string{
					peer + "@goofish",
					t.tokens.UserID() + "@goofish",
				},
			},
		},
	}
	if err := t.writeJSON(frame); err != nil {
		t.logger.Error("send failed", "session_id", sessionID, "error", err)
		return false
	}
	t.logger.Debug("message sent", "session_id", sessionID, "bytes", len(text))
	return true
}

// run owns connect/read/reconnect for the lifetime of the transport.
func (t *WSTransport) run() {
	defer close(t.done)

	delay := time.Duration(t.cfg.ReconnectDelaySecs) * time.Second
	if delay <= 0 {
		delay = 3 * time.Second
	}
	maxDelay := time.Duration(t.cfg.MaxBackoffSecs) * time.Second
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	backoff := delay

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		if err := t.connectAndServe(); err != nil {
			t.logger.Warn("connection lost", "error", err, "retry_in", backoff.String())
		}
		t.ready.Store(false)

		select {
		case <-t.stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxDelay {
			backoff = maxDelay
		}
		// a session that survived long enough to register resets the ladder
		if t.lastFrame.Load() > time.Now().Add(-2*delay).UnixMilli() {
			backoff = delay
		}
	}
}

func (t *WSTransport) connectAndServe() error {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	token, err := t.currentToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}

	header := http.Header{}
	header.Set("Cookie", t.tokens.Cookie())
	header.Set("Origin", "https://www.goofish.com")
	header.Set("User-Agent", t.cfg.UserAgent)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.cfg.Endpoint, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.cfg.Endpoint, err)
	}
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	defer t.closeConn()

	if err := t.register(token); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	t.lastFrame.Store(time.Now().UnixMilli())
	t.ready.Store(true)
	t.logger.Info("websocket registered", "endpoint", t.cfg.Endpoint, "user_id", t.tokens.UserID())

	hbStop := make(chan struct{})
	defer close(hbStop)
	go t.heartbeatLoop(conn, hbStop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t.lastFrame.Store(time.Now().UnixMilli())
		t.handleFrame(data)
	}
}

// register announces the device. The device id is derived from the user id
// so the server sees the same device across restarts.
func (t *WSTransport) register(token string) error {
	did := "xianyu_" + deviceHash(t.tokens.UserID())
	frame := map[string]any{
		"lwp": "/reg",
		"headers": map[string]any{
			"cache-header": "app-key token ua wv",
			"app-key":      t.cfg.AppKey,
			"token":        token,
			"ua":           t.cfg.UserAgent,
			"dt":           "j",
			"wv":           "im:3,au:3,sy:6",
			"sync":         "0,0;0;0;",
			"did":          did,
			"mid":          t.nextMID(),
		},
	}
	return t.writeJSON(frame)
}

// heartbeatLoop pings on the configured interval and tears the connection
// down when the server has been silent past interval+timeout. Any inbound
// frame counts as liveness, not just ping replies.
func (t *WSTransport) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	interval := time.Duration(t.cfg.HeartbeatIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timeout := time.Duration(t.cfg.HeartbeatTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.stop:
			return
		case <-tick.C:
			frame := map[string]any{
				"lwp":     "/!",
				"headers": map[string]any{"mid": t.nextMID()},
			}
			if err := t.writeJSON(frame); err != nil {
				t.logger.Warn("heartbeat write failed", "error", err)
				conn.Close()
				return
			}
			silent := time.Since(time.UnixMilli(t.lastFrame.Load()))
			if silent > interval+timeout {
				t.logger.Warn("heartbeat deadline missed, forcing reconnect",
					"silent", silent.String())
				conn.Close()
				return
			}
		}
	}
}

// handleFrame acks mid-bearing frames before any dispatch, then extracts and
// filters chat events from sync push payloads.
func (t *WSTransport) handleFrame(data []byte) {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.logger.Debug("undecodable frame dropped", "bytes", len(data))
		return
	}

	if headers, ok := frame["headers"].(map[string]any); ok {
		if mid, ok := headers["mid"].(string); ok && mid != "" {
			t.ackFrame(mid, headers)
		}
	}

	body, ok := frame["body"].(map[string]any)
	if !ok {
		return
	}
	pkg, ok := body["syncPushPackage"].(map[string]any)
	if !ok {
		return
	}
	items, ok := pkg["data"].([]any)
	if !ok {
		return
	}
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		payload, ok := item["data"].(string)
		if !ok || payload == "" {
			continue
		}
		decoded, err := DecodeBase64(payload)
		if err != nil {
			continue
		}
		value, err := DecodePayload(decoded)
		if err != nil {
			t.logger.Debug("sync payload not decodable", "error", err)
			continue
		}
		ev, ok := ExtractChatEvent(value)
		if !ok {
			continue
		}
		t.dispatch(ev)
	}
}

func (t *WSTransport) dispatch(ev ChatEvent) {
	expire := t.cfg.MessageExpireMs
	if expire <= 0 {
		expire = 300000
	}
	if ev.CreateTimeMs > 0 && time.Now().UnixMilli()-ev.CreateTimeMs > expire {
		t.logger.Debug("expired event dropped", "session_id", ev.SessionID)
		return
	}
	if ev.PeerUserID != "" && ev.PeerUserID == t.tokens.UserID() {
		return // own outbound echoed back
	}
	if t.dedup.observe(ev.Fingerprint()) {
		t.logger.Debug("duplicate event dropped", "session_id", ev.SessionID)
		return
	}

	if ev.PeerUserID != "" {
		t.peerMu.Lock()
		t.peers[ev.SessionID] = ev.PeerUserID
		t.peerMu.Unlock()
	}

	if dropped := t.queue.push(ev); dropped > 0 {
		t.logger.Warn("inbound queue full, oldest event dropped",
			"queue_size", t.queue.len())
	}
}

func (t *WSTransport) ackFrame(mid string, headers map[string]any) {
	ack := map[string]any{
		"code": 200,
		"headers": map[string]any{
			"mid":     mid,
			"app-key": t.cfg.AppKey,
			"ua":      t.cfg.UserAgent,
			"dt":      "j",
		},
	}
	if sid, ok := headers["sid"].(string); ok && sid != "" {
		ack["headers"].(map[string]any)["sid"] = sid
	}
	if err := t.writeJSON(ack); err != nil {
		t.logger.Warn("ack write failed", "mid", mid, "error", err)
	}
}

func (t *WSTransport) writeJSON(v any) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return ErrNotReady
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

func (t *WSTransport) closeConn() {
	t.connMu.Lock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connMu.Unlock()
}

func (t *WSTransport) currentToken(ctx context.Context) (string, error) {
	refresh := time.Duration(t.cfg.TokenRefreshIntervalSecs) * time.Second
	if refresh <= 0 {
		refresh = time.Hour
	}
	if t.token != "" && time.Since(t.tokenFetched) < refresh {
		return t.token, nil
	}
	token, err := t.tokens.Fetch(ctx)
	if err != nil {
		return "", err
	}
	t.token = token
	t.tokenFetched = time.Now()
	return token, nil
}

func (t *WSTransport) nextMID() string {
	return fmt.Sprintf("%d 0", t.midCounter.Add(1))
}

func deviceHash(userID string) string {
	sum := md5.Sum([]byte(userID))
	return hex.EncodeToString(sum[:])[:16]
}
