package reliability

import (
	"sort"
	"sync"
	"time"

	"hydrad/pkg/types"
)

// Defaults for the rolling window and the fresh-node prior.
const (
	defaultWindow   = 100
	defaultWarmup   = 10
)

// FailureKind labels a recorded failure.
type FailureKind string

const (
	FailTimeout     FailureKind = "timeout"
	FailUnreachable FailureKind = "unreachable"
	FailHTTP        FailureKind = "http"
	FailMalformed   FailureKind = "malformed"
	FailOOM         FailureKind = "oom"
)

// nodeStats accumulates one node's rolling metrics. Counters are monotonic;
// the latency ring replaces its oldest entry on overflow.
type nodeStats struct {
	mu        sync.Mutex
	total     uint64
	successes uint64
	failures  uint64
	timeouts  uint64
	latencies []time.Duration
	next      int
	filled    bool
	lastFailure time.Time
}

func (s *nodeStats) pushLatency(d time.Duration) {
	if len(s.latencies) == 0 {
		return
	}
	s.latencies[s.next] = d
	s.next++
	if s.next == len(s.latencies) {
		s.next = 0
		s.filled = true
	}
}

func (s *nodeStats) window() []time.Duration {
	if s.filled {
		return s.latencies
	}
	return s.latencies[:s.next]
}

// Tracker keeps per-node reliability stats. Safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	nodes  map[string]*nodeStats
	window int
	warmup int
}

// Option tunes a Tracker.
type Option func(*Tracker)

// WithWindow overrides the latency ring size.
func WithWindow(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.window = n
		}
	}
}

// WithWarmup overrides how many completed requests it takes before observed
// success rates are trusted for ranking.
func WithWarmup(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.warmup = n
		}
	}
}

// NewTracker constructs a Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		nodes:  make(map[string]*nodeStats),
		window: defaultWindow,
		warmup: defaultWarmup,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) stats(id string) *nodeStats {
	t.mu.RLock()
	s, ok := t.nodes[id]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.nodes[id]; ok {
		return s
	}
	s = &nodeStats{latencies: make([]time.Duration, t.window)}
	t.nodes[id] = s
	return s
}

// RecordSuccess records a completed request and its latency.
func (t *Tracker) RecordSuccess(id string, latency time.Duration) {
	s := t.stats(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.successes++
	s.pushLatency(latency)
}

// RecordFailure records a failed attempt. Latency may be zero when the
// attempt never produced a measurable duration.
func (t *Tracker) RecordFailure(id string, kind FailureKind, latency time.Duration) {
	s := t.stats(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.failures++
	if kind == FailTimeout {
		s.timeouts++
	}
	if latency > 0 {
		s.pushLatency(latency)
	}
	s.lastFailure = time.Now()
}

// Reset clears a node's stats. Admin action only.
func (t *Tracker) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, id)
}

// LastFailureWithin reports whether the node failed within d of now.
func (t *Tracker) LastFailureWithin(id string, d time.Duration) bool {
	t.mu.RLock()
	s, ok := t.nodes[id]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastFailure.IsZero() && time.Since(s.lastFailure) < d
}

// Stats returns a read-only view of one node's metrics. Unknown nodes get
// the zero view with the success-rate prior of 1.0.
func (t *Tracker) Stats(id string) types.ReliabilityStats {
	t.mu.RLock()
	s, ok := t.nodes[id]
	t.mu.RUnlock()
	if !ok {
		return types.ReliabilityStats{SuccessRate: 1.0}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return viewLocked(s)
}

func viewLocked(s *nodeStats) types.ReliabilityStats {
	v := types.ReliabilityStats{
		Total:     s.total,
		Successes: s.successes,
		Failures:  s.failures,
		Timeouts:  s.timeouts,
	}
	if s.total == 0 {
		v.SuccessRate = 1.0
	} else {
		v.SuccessRate = float64(s.successes) / float64(s.total)
	}
	win := s.window()
	v.Samples = len(win)
	if len(win) > 0 {
		var sum time.Duration
		for _, d := range win {
			sum += d
		}
		mean := sum / time.Duration(len(win))
		v.LatencyMean = mean
		var variance float64
		for _, d := range win {
			diff := float64(d - mean)
			variance += diff * diff
		}
		v.LatencyVariance = variance / float64(len(win))
	}
	return v
}

// RankedStats pairs a node id with its view for ranking.
type RankedStats struct {
	ID    string
	Stats types.ReliabilityStats
}

// rankingRate is the success rate used for ordering: nodes below the warmup
// threshold keep the prior of 1.0 so fresh nodes are not penalized.
func (t *Tracker) rankingRate(v types.ReliabilityStats) float64 {
	if v.Total < uint64(t.warmup) {
		return 1.0
	}
	return v.SuccessRate
}

// Warm reports whether a node has seen enough traffic to trust its rate.
func (t *Tracker) Warm(id string) bool {
	return t.Stats(id).Total >= uint64(t.warmup)
}

// MostReliable returns node ids with ranking rate >= minSuccessRate, ordered
// by (success rate desc, latency variance asc, latency mean asc).
func (t *Tracker) MostReliable(minSuccessRate float64) []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	ranked := make([]RankedStats, 0, len(ids))
	for _, id := range ids {
		v := t.Stats(id)
		if t.rankingRate(v) < minSuccessRate {
			continue
		}
		ranked = append(ranked, RankedStats{ID: id, Stats: v})
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		ra, rb := t.rankingRate(a.Stats), t.rankingRate(b.Stats)
		if ra != rb {
			return ra > rb
		}
		if a.Stats.LatencyVariance != b.Stats.LatencyVariance {
			return a.Stats.LatencyVariance < b.Stats.LatencyVariance
		}
		if a.Stats.LatencyMean != b.Stats.LatencyMean {
			return a.Stats.LatencyMean < b.Stats.LatencyMean
		}
		return a.ID < b.ID
	})
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.ID
	}
	return out
}
