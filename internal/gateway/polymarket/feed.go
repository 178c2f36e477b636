package polymarket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantegy/exitd/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// Feed subscribes to the CLOB WebSocket "book" channel for the supervised
// tokens and pre-warms the snapshot cache on every update, so between REST
// polls the supervisors see prices that are at most one book event old.
type Feed struct {
	wsURL  string
	cache  domain.SnapshotCache
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]bool
	subC   chan struct{} // signalled when the token set changes

	closeOnce sync.Once
	done      chan struct{}
}

// NewFeed creates a feed that pushes book snapshots into cache.
func NewFeed(wsURL string, cache domain.SnapshotCache, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL:  wsURL,
		cache:  cache,
		logger: logger.With(slog.String("component", "polymarket_feed")),
		tokens: make(map[string]bool),
		subC:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Watch adds token IDs to the subscription set. Safe to call while running;
// the feed resubscribes on the live connection.
func (f *Feed) Watch(tokenIDs ...string) {
	f.mu.Lock()
	changed := false
	for _, id := range tokenIDs {
		if id != "" && !f.tokens[id] {
			f.tokens[id] = true
			changed = true
		}
	}
	f.mu.Unlock()

	if changed {
		select {
		case f.subC <- struct{}{}:
		default:
		}
	}
}

// Run connects and streams book updates until ctx is cancelled or Close is
// called. Reconnects with exponential backoff on disconnect.
func (f *Feed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("ws disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *Feed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *Feed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := f.subscribe(conn); err != nil {
		return err
	}

	// Pings, context cancellation, and resubscription run beside the blocking
	// read loop; closing the connection unblocks it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-f.done:
				conn.Close()
				return
			case <-f.subC:
				if err := f.subscribe(conn); err != nil {
					conn.Close()
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(message)
	}
}

// subscribe sends the book subscription for the current token set.
func (f *Feed) subscribe(conn *websocket.Conn) error {
	f.mu.Lock()
	ids := make([]string, 0, len(f.tokens))
	for id := range f.tokens {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	cmd := wsCommand{Type: "subscribe", Channel: "book", Assets: ids}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	f.logger.Info("subscribed", slog.Int("tokens", len(ids)))
	return nil
}

// handleMessage routes a raw frame. Only full book snapshots feed the cache;
// other event types are dropped.
func (f *Feed) handleMessage(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	msgType := env.MsgType
	if msgType == "" {
		msgType = env.EventType
	}
	if msgType != "book" {
		return
	}

	var book bookResponse
	if err := json.Unmarshal(raw, &book); err != nil {
		return
	}
	f.cache.Put(book.toSnapshot())
}
