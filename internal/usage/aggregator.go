package usage

import (
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
)

// Summary maps a usage category to its accumulated value.
type Summary map[string]float64

// LogValue renders the summary as a sorted slog group.
func (s Summary) LogValue() slog.Value {
	keys := slices.Sorted(maps.Keys(s))
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Float64(k, s[k]))
	}
	return slog.GroupValue(attrs...)
}

// Aggregator accumulates event values into a running per-session Summary.
// Safe for concurrent use; each instance has its own lock.
type Aggregator struct {
	mu      sync.Mutex
	totals  Summary
	dropped int
	logger  *slog.Logger
}

// NewAggregator returns an empty aggregator. A nil logger uses slog.Default.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{totals: Summary{}, logger: logger}
}

// Collect merges the event's values into the summary and reports whether the
// event was accepted. Malformed events are dropped with a warning.
func (a *Aggregator) Collect(ev Event) bool {
	if reason := validate(ev); reason != "" {
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		a.logger.Warn("dropping malformed usage event", "stage", ev.Stage, "reason", reason)
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range ev.Values {
		a.totals[k] += v
	}
	return true
}

// Summary returns a copy of the accumulated totals. It never resets state.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.totals)
}

// Dropped reports how many events were rejected by Collect.
func (a *Aggregator) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func validate(ev Event) string {
	if len(ev.Values) == 0 {
		return "no values"
	}
	for k, v := range ev.Values {
		if k == "" {
			return "empty category"
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "non-finite value for " + k
		}
		if v < 0 {
			return "negative value for " + k
		}
	}
	return ""
}
