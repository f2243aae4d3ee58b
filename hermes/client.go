package hermes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/streamwatch/telemetry"
)

const (
	defaultInitialBackoff = 5 * time.Second
	defaultMaxBackoff     = 5 * time.Minute
	defaultMaxAttempts    = 10
	writeWait             = 10 * time.Second
	maxFrameSize          = 256 * 1024
)

// ErrClientDead reports a client that exhausted its reconnection attempts.
var ErrClientDead = errors.New("hermes: client permanently dead")

// Client owns one hermes socket and the channel subscriptions multiplexed
// over it. It reconnects on unexpected closes, preferring a server-provided
// recovery URL, until the attempt budget is exhausted; after that it is
// permanently dead and must be replaced by the pool.
type Client struct {
	id          string
	baseURL     string
	emit        EmitFunc
	onDead      func(*Client, []string)
	maxAttempts uint
	initialWait time.Duration
	maxWait     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	conn        *websocket.Conn
	recoveryURL string
	pending     map[string]string // request id -> channel id
	subs        map[string]string // subscription id -> channel id
	channels    map[string]string // channel id -> subscription id ("" until acked)
	keepalive   time.Duration
	dead        bool
}

func newClient(parent context.Context, url string, emit EmitFunc, onDead func(*Client, []string), maxAttempts int) *Client {
	ctx, cancel := context.WithCancel(parent)
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Client{
		id:          uuid.NewString(),
		baseURL:     url,
		emit:        emit,
		onDead:      onDead,
		maxAttempts: uint(maxAttempts),
		initialWait: defaultInitialBackoff,
		maxWait:     defaultMaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		pending:     make(map[string]string),
		subs:        make(map[string]string),
		channels:    make(map[string]string),
	}
}

// ID identifies the client in logs.
func (c *Client) ID() string { return c.id }

// Topics reports how many channels are subscribed through this client.
func (c *Client) Topics() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// Dead reports whether the client has exhausted its reconnection budget.
func (c *Client) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// Subscribe registers channelID on this client and sends the subscribe frame
// if the socket is up. No-op if the channel is already held here.
func (c *Client) Subscribe(channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return ErrClientDead
	}
	if _, ok := c.channels[channelID]; ok {
		return nil
	}
	c.channels[channelID] = ""
	if c.conn != nil {
		return c.sendSubscribeLocked(channelID)
	}
	return nil
}

// Unsubscribe removes channelID from this client, dropping its correlations.
func (c *Client) Unsubscribe(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	subID, ok := c.channels[channelID]
	if !ok {
		return
	}
	delete(c.channels, channelID)
	if subID != "" {
		delete(c.subs, subID)
	}
	for reqID, ch := range c.pending {
		if ch == channelID {
			delete(c.pending, reqID)
		}
	}
	if c.conn != nil {
		c.writeLocked(subscribeRequest{Type: "unsubscribe", RequestID: uuid.NewString(), ChannelID: channelID})
	}
}

// Start launches the connection loop.
func (c *Client) Start() {
	go c.run()
	go func() {
		// ReadMessage does not watch the context; closing the socket is what
		// actually unblocks the read loop on shutdown.
		<-c.ctx.Done()
		c.dropConn()
	}()
}

// Close tears the client down without marking it dead.
func (c *Client) Close() {
	c.cancel()
	<-c.done
}

func (c *Client) run() {
	defer close(c.done)
	for {
		if err := c.connectWithBackoff(); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.markDead(err)
			return
		}
		err := c.readLoop()
		c.dropConn()
		if c.ctx.Err() != nil {
			return
		}
		c.noteClose(err)
	}
}

// connectWithBackoff dials until success or the attempt budget runs out.
// 5s initial, doubling, capped at 5 minutes.
func (c *Client) connectWithBackoff() error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialWait
	bo.Multiplier = 2
	bo.MaxInterval = c.maxWait
	bo.RandomizationFactor = 0
	_, err := backoff.Retry(c.ctx, func() (struct{}, error) {
		return struct{}{}, c.dial()
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxAttempts))
	return err
}

// dial connects to the recovery URL when one was offered, else the base URL,
// then replays subscribe frames for every held channel.
func (c *Client) dial() error {
	c.mu.Lock()
	target := c.baseURL
	if c.recoveryURL != "" {
		target = c.recoveryURL
	}
	c.mu.Unlock()

	telemetry.IncHermesReconnect()
	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, target, nil)
	if err != nil {
		slog.Debug("hermes dial failed", slog.String("client", c.id), slog.String("url", target), slog.Any("err", err))
		return err
	}
	conn.SetReadLimit(maxFrameSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.recoveryURL = "" // recovery URLs are single-use
	c.pending = make(map[string]string)
	c.subs = make(map[string]string)
	for channelID := range c.channels {
		c.channels[channelID] = ""
		if err := c.sendSubscribeLocked(channelID); err != nil {
			slog.Warn("hermes resubscribe failed", slog.String("client", c.id), slog.String("channel_id", channelID), slog.Any("err", err))
		}
	}
	return nil
}

// sendSubscribeLocked issues a subscribe frame and records the correlation.
// Caller holds c.mu and has checked c.conn != nil.
func (c *Client) sendSubscribeLocked(channelID string) error {
	reqID := uuid.NewString()
	c.pending[reqID] = channelID
	return c.writeLocked(subscribeRequest{Type: "subscribe", RequestID: reqID, ChannelID: channelID, Topic: "video-playback"})
}

func (c *Client) writeLocked(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// readLoop consumes frames until the socket errors out. Malformed frames are
// dropped, never fatal.
func (c *Client) readLoop() error {
	for {
		c.mu.Lock()
		conn, keepalive := c.conn, c.keepalive
		c.mu.Unlock()
		if conn == nil {
			return errors.New("connection gone")
		}
		if keepalive > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * keepalive))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			telemetry.IncHermesFrameDrop()
			slog.Warn("dropping malformed hermes frame", slog.String("client", c.id), slog.Any("err", err))
			continue
		}
		c.handleFrame(&f)
	}
}

func (c *Client) handleFrame(f *frame) {
	switch f.Type {
	case frameWelcome:
		if f.Welcome == nil {
			c.dropFrame("welcome without payload")
			return
		}
		c.mu.Lock()
		if f.Welcome.KeepaliveSec > 0 {
			c.keepalive = time.Duration(f.Welcome.KeepaliveSec) * time.Second
		}
		c.mu.Unlock()
		slog.Debug("hermes welcome", slog.String("client", c.id), slog.String("session", f.Welcome.SessionID))
	case frameResponse:
		if f.Response == nil {
			c.dropFrame("response without payload")
			return
		}
		c.mu.Lock()
		channelID, ok := c.pending[f.Response.RequestID]
		delete(c.pending, f.Response.RequestID)
		if ok && f.Response.Error == "" && f.Response.SubscriptionID != "" {
			// Only correlate channels still held; an unsubscribe may have raced the ack.
			if _, held := c.channels[channelID]; held {
				c.subs[f.Response.SubscriptionID] = channelID
				c.channels[channelID] = f.Response.SubscriptionID
			}
		}
		c.mu.Unlock()
		if ok && f.Response.Error != "" {
			slog.Warn("hermes subscribe rejected", slog.String("client", c.id), slog.String("channel_id", channelID), slog.String("error", f.Response.Error))
		}
	case frameNotification:
		c.handleNotification(f.Notification)
	default:
		c.dropFrame("unknown frame type " + f.Type)
	}
}

func (c *Client) handleNotification(n *notificationFrame) {
	if n == nil {
		c.dropFrame("notification without payload")
		return
	}
	c.mu.Lock()
	channelID, ok := c.subs[n.SubscriptionID]
	c.mu.Unlock()
	if !ok {
		c.dropFrame("notification for unknown subscription " + n.SubscriptionID)
		return
	}
	switch n.Type {
	case NotifyViewers:
		var p viewersPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			c.dropFrame("bad viewcount payload")
			return
		}
		c.emit(Notification{ChannelID: channelID, Type: NotifyViewers, Viewers: p.Viewers, At: time.Now().UTC()})
	case NotifyCommercial:
		var p commercialPayload
		if err := json.Unmarshal(n.Payload, &p); err != nil {
			c.dropFrame("bad commercial payload")
			return
		}
		c.emit(Notification{ChannelID: channelID, Type: NotifyCommercial, CommercialLength: time.Duration(p.LengthSec) * time.Second, At: time.Now().UTC()})
	default:
		c.dropFrame("unknown notification type " + n.Type)
	}
}

func (c *Client) dropFrame(reason string) {
	telemetry.IncHermesFrameDrop()
	slog.Debug("dropping hermes frame", slog.String("client", c.id), slog.String("reason", reason))
}

// noteClose inspects a close error for a server-offered recovery URL.
func (c *Client) noteClose(err error) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Text == "" {
		return
	}
	var reason closeReason
	if json.Unmarshal([]byte(ce.Text), &reason) != nil || reason.RecoveryURL == "" {
		return
	}
	c.mu.Lock()
	c.recoveryURL = reason.RecoveryURL
	c.mu.Unlock()
	slog.Info("hermes close offered recovery url", slog.String("client", c.id), slog.String("url", reason.RecoveryURL))
}

func (c *Client) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// markDead flags the client as beyond recovery and fires the dead signal with
// the channels it was carrying. The client is never retried again.
func (c *Client) markDead(err error) {
	c.mu.Lock()
	c.dead = true
	lost := make([]string, 0, len(c.channels))
	for channelID := range c.channels {
		lost = append(lost, channelID)
	}
	c.mu.Unlock()
	telemetry.IncHermesDead()
	slog.Error("hermes client dead after exhausting reconnect attempts", slog.String("client", c.id), slog.Int("channels", len(lost)), slog.Any("err", err))
	if c.onDead != nil {
		c.onDead(c, lost)
	}
}
