package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hydrad/internal/config"
	"hydrad/pkg/types"
)

// StatsSource is the slice of the reliability tracker selection needs.
type StatsSource interface {
	Stats(id string) types.ReliabilityStats
	Warm(id string) bool
	LastFailureWithin(id string, d time.Duration) bool
}

// Fitter answers model-to-node feasibility.
type Fitter interface {
	Fits(model string, node types.Node) bool
}

// Config carries the scheduler tunables.
type Config struct {
	MaxInFlight    int
	PerNodeCap     int
	QueueSoftCap   int
	MinSuccessRate float64
	WarmRequests   int
	Weights        config.FastWeights
}

// Scheduler performs admission control and node selection. It owns every
// in-flight counter; nothing else mutates them.
type Scheduler struct {
	cfg   Config
	stats StatsSource
	fits  Fitter
	log   zerolog.Logger

	mu           sync.Mutex
	running      int
	waiters      []*waiter
	seq          uint64
	nodeInFlight map[string]int
}

// New constructs a Scheduler.
func New(cfg Config, stats StatsSource, fits Fitter, log zerolog.Logger) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = config.DefaultMaxInFlight
	}
	if cfg.PerNodeCap <= 0 {
		cfg.PerNodeCap = config.DefaultPerNodeCap
	}
	if cfg.QueueSoftCap <= 0 {
		cfg.QueueSoftCap = config.DefaultQueueSoftCap
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = config.DefaultMinSuccessRate
	}
	if cfg.WarmRequests <= 0 {
		cfg.WarmRequests = config.DefaultWarmRequests
	}
	if (cfg.Weights == config.FastWeights{}) {
		cfg.Weights = config.DefaultFastWeights()
	}
	return &Scheduler{
		cfg:          cfg,
		stats:        stats,
		fits:         fits,
		log:          log.With().Str("component", "scheduler").Logger(),
		nodeInFlight: make(map[string]int),
	}
}

// InFlight returns the scheduler-owned in-flight count for a node.
func (s *Scheduler) InFlight(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeInFlight[id]
}

// Running returns the number of currently admitted requests.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// QueueLen returns the number of requests waiting for a permit.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// capFor resolves the effective per-node concurrency cap: the node's
// reported parallelism when present, else the configured default.
func (s *Scheduler) capFor(n types.Node) int {
	if n.MaxParallel > 0 {
		return n.MaxParallel
	}
	return s.cfg.PerNodeCap
}

// BeginAttempt reserves an in-flight slot on a node before dispatch.
// Returns false when the node is already at its cap.
func (s *Scheduler) BeginAttempt(n types.Node) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodeInFlight[n.ID] >= s.capFor(n) {
		return false
	}
	s.nodeInFlight[n.ID]++
	return true
}

// EndAttempt releases a node's in-flight slot. Safe on all paths; the count
// never goes negative.
func (s *Scheduler) EndAttempt(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodeInFlight[id] > 0 {
		s.nodeInFlight[id]--
	}
	if s.nodeInFlight[id] == 0 {
		delete(s.nodeInFlight, id)
	}
}
