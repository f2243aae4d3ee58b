package hermes

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/streamwatch/telemetry"
)

// Config bounds the pool. Zero values fall back to the defaults below.
type Config struct {
	URL             string
	MaxClients      int // pool client cap (default 5)
	TopicsPerClient int // per-client topic cap before overcommit (default 50)
	MaxAttempts     int // reconnect attempts before a client is dead
}

const (
	defaultMaxClients      = 5
	defaultTopicsPerClient = 50
)

// Pool maps each subscribed channel to exactly one client and balances new
// subscriptions onto the least-loaded client with capacity. When every client
// is at its topic cap and the pool is at its client cap, it overcommits onto
// the least-loaded client rather than failing the subscribe.
type Pool struct {
	cfg    Config
	emit   EmitFunc
	onLost func(channelIDs []string) // fired when a dead client drops channels

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients []*Client
	owner   map[string]*Client // channel id -> owning client
}

// NewPool builds a pool delivering notifications to emit. onLost (optional)
// is invoked with the channels carried by a client that died permanently;
// those channels need a fresh Subscribe to be served again.
func NewPool(cfg Config, emit EmitFunc, onLost func([]string)) *Pool {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.TopicsPerClient <= 0 {
		cfg.TopicsPerClient = defaultTopicsPerClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		emit:   emit,
		onLost: onLost,
		ctx:    ctx,
		cancel: cancel,
		owner:  make(map[string]*Client),
	}
}

// Subscribe routes channelID onto a pool client. Subscribing a channel that
// is already held anywhere in the pool is a no-op.
func (p *Pool) Subscribe(channelID string) error {
	p.mu.Lock()
	if _, ok := p.owner[channelID]; ok {
		p.mu.Unlock()
		return nil
	}
	c := p.pickClientLocked()
	p.owner[channelID] = c
	p.updateGaugesLocked()
	p.mu.Unlock()
	return c.Subscribe(channelID)
}

// pickClientLocked selects the least-loaded live client under the topic cap,
// grows the pool when none has capacity, or overcommits at saturation.
func (p *Pool) pickClientLocked() *Client {
	var best *Client
	for _, c := range p.clients {
		if c.Dead() {
			continue
		}
		if c.Topics() >= p.cfg.TopicsPerClient {
			continue
		}
		if best == nil || c.Topics() < best.Topics() {
			best = c
		}
	}
	if best != nil {
		return best
	}
	if p.liveCountLocked() < p.cfg.MaxClients {
		c := newClient(p.ctx, p.cfg.URL, p.emit, p.clientDead, p.cfg.MaxAttempts)
		c.Start()
		p.clients = append(p.clients, c)
		slog.Info("hermes pool grew", slog.String("client", c.ID()), slog.Int("clients", len(p.clients)))
		return c
	}
	// Saturated: overcommit the least-loaded live client.
	for _, c := range p.clients {
		if c.Dead() {
			continue
		}
		if best == nil || c.Topics() < best.Topics() {
			best = c
		}
	}
	if best == nil {
		// Every client died; grow past the cap rather than fail the subscribe.
		best = newClient(p.ctx, p.cfg.URL, p.emit, p.clientDead, p.cfg.MaxAttempts)
		best.Start()
		p.clients = append(p.clients, best)
	}
	slog.Warn("hermes pool saturated, overcommitting", slog.String("client", best.ID()), slog.Int("topics", best.Topics()))
	return best
}

func (p *Pool) liveCountLocked() int {
	n := 0
	for _, c := range p.clients {
		if !c.Dead() {
			n++
		}
	}
	return n
}

// Unsubscribe releases channelID from whichever client holds it.
func (p *Pool) Unsubscribe(channelID string) {
	p.mu.Lock()
	c, ok := p.owner[channelID]
	if ok {
		delete(p.owner, channelID)
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
	if ok {
		c.Unsubscribe(channelID)
	}
}

// clientDead removes a permanently dead client and surfaces its lost channels.
// The pool does not auto-heal: a replacement client is only created when one
// of the lost channels is subscribed again.
func (p *Pool) clientDead(dead *Client, lost []string) {
	p.mu.Lock()
	kept := p.clients[:0]
	for _, c := range p.clients {
		if c != dead {
			kept = append(kept, c)
		}
	}
	p.clients = kept
	for _, channelID := range lost {
		if p.owner[channelID] == dead {
			delete(p.owner, channelID)
		}
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
	if p.onLost != nil && len(lost) > 0 {
		p.onLost(lost)
	}
}

// ClientCount reports live clients.
func (p *Pool) ClientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCountLocked()
}

// TopicCount reports subscribed channels across the pool.
func (p *Pool) TopicCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owner)
}

func (p *Pool) updateGaugesLocked() {
	telemetry.SetHermesLoad(p.liveCountLocked(), len(p.owner))
}

// Close tears down every client.
func (p *Pool) Close() {
	p.cancel()
	p.mu.Lock()
	clients := append([]*Client(nil), p.clients...)
	p.clients = nil
	p.owner = make(map[string]*Client)
	p.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
