package config

import "time"

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultAddr             = ":8090"
	DefaultProbeTimeout     = 5 * time.Second
	DefaultGraceFailures    = 3
	DefaultMonitorInterval  = 120 * time.Second
	DefaultRequestTimeout   = 1800 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultMaxInFlight      = 4
	DefaultPerNodeCap       = 2
	DefaultQueueSoftCap     = 64
	DefaultMinSuccessRate   = 0.95
	DefaultWarmRequests     = 10
	DefaultSafetyMargin     = 0.9
)

// FastWeights are the scoring weights for performance-first routing.
type FastWeights struct {
	InFlight      float64 `json:"in_flight" yaml:"in_flight" toml:"in_flight"`
	GPUBonus      float64 `json:"gpu_bonus" yaml:"gpu_bonus" toml:"gpu_bonus"`
	FreeVRAM      float64 `json:"free_vram" yaml:"free_vram" toml:"free_vram"`
	LocalBonus    float64 `json:"local_bonus" yaml:"local_bonus" toml:"local_bonus"`
	LatencyMean   float64 `json:"latency_mean" yaml:"latency_mean" toml:"latency_mean"`
	RecentFailure float64 `json:"recent_failure" yaml:"recent_failure" toml:"recent_failure"`
}

// DefaultFastWeights returns the stock weight set.
func DefaultFastWeights() FastWeights {
	return FastWeights{
		InFlight:      1.0,
		GPUBonus:      1.5,
		FreeVRAM:      0.5,
		LocalBonus:    0.4,
		LatencyMean:   0.6,
		RecentFailure: 0.8,
	}
}

// Discovery configures how nodes are found and forgotten.
type Discovery struct {
	Seeds           []string `json:"seeds" yaml:"seeds" toml:"seeds"`
	ScanLocalSubnet bool     `json:"scan_local_subnet" yaml:"scan_local_subnet" toml:"scan_local_subnet"`
	TimeoutMs       int64    `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
	GraceFailures   int      `json:"grace_failures" yaml:"grace_failures" toml:"grace_failures"`
	IntervalMs      int64    `json:"interval_ms" yaml:"interval_ms" toml:"interval_ms"`
}

// Monitor configures the health/resource refresh loop.
type Monitor struct {
	IntervalMs int64 `json:"interval_ms" yaml:"interval_ms" toml:"interval_ms"`
}

// Request configures per-attempt backend timeouts.
type Request struct {
	TimeoutMs        int64 `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
	ConnectTimeoutMs int64 `json:"connect_timeout_ms" yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

// Scheduler configures admission control.
type Scheduler struct {
	MaxInFlight  int `json:"max_in_flight" yaml:"max_in_flight" toml:"max_in_flight"`
	PerNodeCap   int `json:"per_node_cap" yaml:"per_node_cap" toml:"per_node_cap"`
	QueueSoftCap int `json:"queue_soft_cap" yaml:"queue_soft_cap" toml:"queue_soft_cap"`
}

// Routing configures the default mode and FAST weights.
type Routing struct {
	DefaultMode string      `json:"default_mode" yaml:"default_mode" toml:"default_mode"`
	FastWeights FastWeights `json:"fast_weights" yaml:"fast_weights" toml:"fast_weights"`
}

// Reliability configures the RELIABLE-mode floor.
type Reliability struct {
	MinSuccessRate float64 `json:"min_success_rate" yaml:"min_success_rate" toml:"min_success_rate"`
	WarmRequests   int     `json:"warm_requests" yaml:"warm_requests" toml:"warm_requests"`
}

// Catalog configures model sizes, fallback chains and OOM detection.
type Catalog struct {
	// ModelSizes maps a model-name glob to an approximate size in bytes.
	ModelSizes map[string]int64 `json:"model_sizes" yaml:"model_sizes" toml:"model_sizes"`
	// FallbackChains maps task_kind -> initial model -> ordered chain
	// (most demanding first).
	FallbackChains map[string]map[string][]string `json:"fallback_chains" yaml:"fallback_chains" toml:"fallback_chains"`
	OOMPatterns    []string `json:"oom_patterns" yaml:"oom_patterns" toml:"oom_patterns"`
	SafetyMargin   float64  `json:"safety_margin" yaml:"safety_margin" toml:"safety_margin"`
}

// Log configures the structured logger.
type Log struct {
	Level string `json:"level" yaml:"level" toml:"level"`
}

// CORS configures cross-origin access for the HTTP surface.
type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
}

// Config holds all runtime parameters for the service. Zero values mean
// "unspecified" and are replaced by defaults in Normalize.
type Config struct {
	Addr        string      `json:"addr" yaml:"addr" toml:"addr"`
	Log         Log         `json:"log" yaml:"log" toml:"log"`
	CORS        CORS        `json:"cors" yaml:"cors" toml:"cors"`
	Discovery   Discovery   `json:"discovery" yaml:"discovery" toml:"discovery"`
	Monitor     Monitor     `json:"monitor" yaml:"monitor" toml:"monitor"`
	Request     Request     `json:"request" yaml:"request" toml:"request"`
	Scheduler   Scheduler   `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Routing     Routing     `json:"routing" yaml:"routing" toml:"routing"`
	Reliability Reliability `json:"reliability" yaml:"reliability" toml:"reliability"`
	Catalog     Catalog     `json:"catalog" yaml:"catalog" toml:"catalog"`
}

// Normalize fills unset fields with defaults and returns the result.
// The returned value is what constructors should consume; the original is
// left untouched.
func (c Config) Normalize() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Discovery.TimeoutMs <= 0 {
		c.Discovery.TimeoutMs = DefaultProbeTimeout.Milliseconds()
	}
	if c.Discovery.GraceFailures <= 0 {
		c.Discovery.GraceFailures = DefaultGraceFailures
	}
	if c.Discovery.IntervalMs <= 0 {
		c.Discovery.IntervalMs = (10 * time.Second).Milliseconds()
	}
	if c.Monitor.IntervalMs <= 0 {
		c.Monitor.IntervalMs = DefaultMonitorInterval.Milliseconds()
	}
	if c.Request.TimeoutMs <= 0 {
		c.Request.TimeoutMs = DefaultRequestTimeout.Milliseconds()
	}
	if c.Request.ConnectTimeoutMs <= 0 {
		c.Request.ConnectTimeoutMs = DefaultConnectTimeout.Milliseconds()
	}
	if c.Scheduler.MaxInFlight <= 0 {
		c.Scheduler.MaxInFlight = DefaultMaxInFlight
	}
	if c.Scheduler.PerNodeCap <= 0 {
		c.Scheduler.PerNodeCap = DefaultPerNodeCap
	}
	if c.Scheduler.QueueSoftCap <= 0 {
		c.Scheduler.QueueSoftCap = DefaultQueueSoftCap
	}
	if c.Routing.DefaultMode == "" {
		c.Routing.DefaultMode = "fast"
	}
	if (c.Routing.FastWeights == FastWeights{}) {
		c.Routing.FastWeights = DefaultFastWeights()
	}
	if c.Reliability.MinSuccessRate <= 0 {
		c.Reliability.MinSuccessRate = DefaultMinSuccessRate
	}
	if c.Reliability.WarmRequests <= 0 {
		c.Reliability.WarmRequests = DefaultWarmRequests
	}
	if c.Catalog.SafetyMargin <= 0 || c.Catalog.SafetyMargin > 1 {
		c.Catalog.SafetyMargin = DefaultSafetyMargin
	}
	return c
}

// ProbeTimeout returns the discovery probe timeout as a duration.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Discovery.TimeoutMs) * time.Millisecond
}

// MonitorInterval returns the monitor refresh period as a duration.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalMs) * time.Millisecond
}

// RequestTimeout returns the per-attempt generate timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Request.TimeoutMs) * time.Millisecond
}

// ConnectTimeout returns the dial timeout as a duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Request.ConnectTimeoutMs) * time.Millisecond
}

// DiscoveryInterval returns the discovery re-scan period as a duration.
func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.IntervalMs) * time.Millisecond
}
