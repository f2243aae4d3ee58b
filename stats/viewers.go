package stats

import (
	"sync"
	"time"

	"github.com/onnwee/streamwatch/events"
)

// Viewers digests viewer-count samples into peak, running average, and the
// latest observation. A single lock covers the whole read-modify-write so peak
// and average never drift apart under concurrent samples.
type Viewers struct {
	mu      sync.Mutex
	peak    int
	sum     int64
	samples int64
	current int
}

type ViewersResult struct {
	Peak    int     `json:"peak"`
	Average float64 `json:"average"`
	Current int     `json:"current"`
	Samples int64   `json:"samples"`
}

func NewViewers() *Viewers { return &Viewers{} }

func (a *Viewers) Name() string { return "viewers" }

func (a *Viewers) register(r *Registry) {
	on(r, func(e events.ViewerCountSample) {
		a.mu.Lock()
		a.current = e.Viewers
		a.sum += int64(e.Viewers)
		a.samples++
		if e.Viewers > a.peak {
			a.peak = e.Viewers
		}
		a.mu.Unlock()
	})
}

func (a *Viewers) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resultLocked()
}

func (a *Viewers) resultLocked() ViewersResult {
	res := ViewersResult{Peak: a.peak, Current: a.current, Samples: a.samples}
	if a.samples > 0 {
		res.Average = float64(a.sum) / float64(a.samples)
	}
	return res
}

// Summary returns the typed result for snapshot persistence.
func (a *Viewers) Summary() ViewersResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resultLocked()
}

func (a *Viewers) Reset() {
	a.mu.Lock()
	a.peak, a.sum, a.samples, a.current = 0, 0, 0, 0
	a.mu.Unlock()
}

// ViewerTrend retains in-window viewer samples and classifies the direction of
// the series against its mean.
type ViewerTrend struct {
	mu     sync.Mutex
	points []TrendPoint
	window time.Duration
	now    func() time.Time
}

func NewViewerTrend(window time.Duration) *ViewerTrend {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	return &ViewerTrend{window: window, now: time.Now}
}

func (a *ViewerTrend) Name() string { return "viewer_trend" }

func (a *ViewerTrend) register(r *Registry) {
	on(r, func(e events.ViewerCountSample) {
		a.mu.Lock()
		a.points = append(a.points, TrendPoint{Time: e.Time, Value: float64(e.Viewers)})
		a.pruneLocked()
		a.mu.Unlock()
	})
}

// pruneLocked drops samples that fell out of the lookback window.
func (a *ViewerTrend) pruneLocked() {
	cutoff := a.now().Add(-a.window)
	i := 0
	for i < len(a.points) && a.points[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.points = append(a.points[:0], a.points[i:]...)
	}
}

func (a *ViewerTrend) Result() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return DetectTrend(a.points, a.window, a.now())
}

func (a *ViewerTrend) Reset() {
	a.mu.Lock()
	a.points = nil
	a.mu.Unlock()
}
