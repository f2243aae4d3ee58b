package stats

import "time"

// TrendDirection classifies how a series is moving relative to its recent mean.
type TrendDirection string

const (
	TrendStable     TrendDirection = "stable"
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
)

// TrendPoint is one (timestamp, value) sample.
type TrendPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// DefaultTrendWindow is the lookback used when callers pass window <= 0.
const DefaultTrendWindow = 30 * time.Minute

// DetectTrend compares the newest in-window value against the mean of all
// in-window values. An empty window reads as stable.
func DetectTrend(points []TrendPoint, window time.Duration, now time.Time) TrendDirection {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	cutoff := now.Add(-window)
	var sum float64
	var n int
	var last TrendPoint
	for _, p := range points {
		if p.Time.Before(cutoff) {
			continue
		}
		sum += p.Value
		n++
		if n == 1 || !p.Time.Before(last.Time) {
			last = p
		}
	}
	if n == 0 {
		return TrendStable
	}
	mean := sum / float64(n)
	switch {
	case last.Value > mean:
		return TrendIncreasing
	case last.Value < mean:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
