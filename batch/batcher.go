// Package batch coalesces many channels' live-info polls into periodic batched
// Helix queries. Each registration reschedules a single timer whose delay
// adapts to load: a busy service flushes every ~100ms, an idle one waits up to
// ~600ms to let stragglers pile into the same request.
package batch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwatch/telemetry"
	"github.com/onnwee/streamwatch/twitchapi"
)

const (
	// DefaultMaxBatch is how many channels one upstream query may carry.
	DefaultMaxBatch = twitchapi.MaxStreamsPerQuery

	emaAlpha   = 0.3
	emaFloor   = 1.0
	emaCeiling = 20.0
)

// FetchFunc issues one upstream multi-channel query. The result maps lowercase
// channel name to its info; absent channels are treated as not live.
type FetchFunc func(ctx context.Context, channels []string) (map[string]twitchapi.StreamInfo, error)

// Result is delivered to every handle joined to a batch.
type Result struct {
	Info  twitchapi.StreamInfo
	Found bool
	Err   error
}

// Handle resolves once a batch including its channel completes.
type Handle struct {
	done chan struct{}
	res  Result
}

// Wait blocks until the batch completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done exposes the completion channel for select loops.
func (h *Handle) Done() <-chan struct{} { return h.done }

type Config struct {
	MinDelay time.Duration // delay under sustained high load (default 100ms)
	MaxDelay time.Duration // delay when nearly idle (default 600ms)
	MaxBatch int           // channels per upstream query (default DefaultMaxBatch)
}

func (c *Config) withDefaults() Config {
	out := Config{MinDelay: 100 * time.Millisecond, MaxDelay: 600 * time.Millisecond, MaxBatch: DefaultMaxBatch}
	if c == nil {
		return out
	}
	if c.MinDelay > 0 {
		out.MinDelay = c.MinDelay
	}
	if c.MaxDelay >= out.MinDelay {
		out.MaxDelay = c.MaxDelay
	}
	if c.MaxBatch > 0 {
		out.MaxBatch = c.MaxBatch
	}
	// A flush larger than one Helix query permits would fail the whole batch.
	if out.MaxBatch > twitchapi.MaxStreamsPerQuery {
		out.MaxBatch = twitchapi.MaxStreamsPerQuery
	}
	return out
}

// Batcher deduplicates per-channel info requests and flushes them upstream in
// adaptive windows.
type Batcher struct {
	fetch FetchFunc
	cfg   Config

	mu      sync.Mutex
	pending map[string]*Handle // lowercase channel -> shared handle
	queue   []string           // FIFO of lowercase channels awaiting a flush
	ema     float64
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a batcher over fetch. Stop must be called to release the timer.
func New(fetch FetchFunc, cfg *Config) *Batcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		fetch:   fetch,
		cfg:     cfg.withDefaults(),
		pending: make(map[string]*Handle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Request registers channel as pending and returns the handle that resolves
// with its batch. A second request for a channel that is already pending joins
// the existing handle instead of creating a duplicate.
func (b *Batcher) Request(channel string) *Handle {
	key := strings.ToLower(channel)
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.pending[key]; ok {
		return h
	}
	h := &Handle{done: make(chan struct{})}
	b.pending[key] = h
	b.queue = append(b.queue, key)

	// EMA of observed pending counts drives the debounce delay.
	b.ema = emaAlpha*float64(len(b.pending)) + (1-emaAlpha)*b.ema
	delay := b.delayLocked()
	if b.timer == nil {
		b.timer = time.AfterFunc(delay, b.flush)
	} else {
		b.timer.Reset(delay)
	}
	telemetry.SetBatchPending(len(b.pending))
	return h
}

// delayLocked maps the clamped EMA linearly (inverted) onto the delay range.
func (b *Batcher) delayLocked() time.Duration {
	ema := b.ema
	if ema < emaFloor {
		ema = emaFloor
	}
	if ema > emaCeiling {
		ema = emaCeiling
	}
	frac := (ema - emaFloor) / (emaCeiling - emaFloor)
	span := float64(b.cfg.MaxDelay - b.cfg.MinDelay)
	return b.cfg.MaxDelay - time.Duration(frac*span)
}

// flush drains up to MaxBatch pending channels and issues one upstream query.
// Channels beyond the batch cap stay queued for the next cycle.
func (b *Batcher) flush() {
	b.mu.Lock()
	n := len(b.queue)
	if n == 0 {
		b.mu.Unlock()
		return
	}
	if n > b.cfg.MaxBatch {
		n = b.cfg.MaxBatch
	}
	names := make([]string, n)
	copy(names, b.queue[:n])
	b.queue = append(b.queue[:0], b.queue[n:]...)
	handles := make(map[string]*Handle, n)
	for _, name := range names {
		handles[name] = b.pending[name]
		delete(b.pending, name)
	}
	if len(b.queue) > 0 {
		// Overflow: schedule the next cycle immediately at the current delay.
		b.timer.Reset(b.delayLocked())
	}
	telemetry.SetBatchPending(len(b.pending))
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	infos, err := b.fetch(ctx, names)
	telemetry.ObserveBatchFlush(len(names))
	if err != nil {
		slog.Warn("batched stream lookup failed", slog.Int("channels", len(names)), slog.Any("err", err))
		for _, h := range handles {
			h.res = Result{Err: err}
			close(h.done)
		}
		return
	}
	for name, h := range handles {
		info, ok := infos[name]
		h.res = Result{Info: info, Found: ok}
		close(h.done)
	}
}

// PendingCount reports the channels currently awaiting a batch.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels the timer and fails any still-pending handles.
func (b *Batcher) Stop() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	for name, h := range b.pending {
		h.res = Result{Err: context.Canceled}
		close(h.done)
		delete(b.pending, name)
	}
	b.queue = nil
}
