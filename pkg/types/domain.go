package types

import (
	"fmt"
	"time"
)

// NodeClass describes the compute class a backend advertises or was probed as.
type NodeClass string

const (
	ClassGPU     NodeClass = "gpu"
	ClassCPU     NodeClass = "cpu"
	ClassUnknown NodeClass = "unknown"
)

// LoadedModel is one model currently resident on a backend.
type LoadedModel struct {
	Name      string    `json:"name"`
	SizeBytes int64     `json:"size_bytes"`
	VRAMBytes int64     `json:"vram_bytes"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Node is the registry's view of one backend. Snapshots hand out value copies,
// so mutating a Node obtained from a snapshot never affects the registry.
type Node struct {
	ID            string      `json:"id"`
	Host          string      `json:"host"`
	Port          int         `json:"port"`
	Class         NodeClass   `json:"class"`
	Healthy       bool        `json:"healthy"`
	Seed          bool        `json:"seed"`
	Local         bool        `json:"local"`
	LastProbeAt   time.Time   `json:"last_probe_at"`
	UptimeStartAt time.Time   `json:"uptime_start_at"`
	LoadedModels  []LoadedModel `json:"loaded_models,omitempty"`

	// Memory figures in bytes; a zero total means "unknown".
	VRAMTotalBytes int64 `json:"vram_total_bytes"`
	VRAMFreeBytes  int64 `json:"vram_free_bytes"`
	RAMTotalBytes  int64 `json:"ram_total_bytes"`
	RAMFreeBytes   int64 `json:"ram_free_bytes"`

	// InFlight is owned by the scheduler and merged into snapshots for
	// selection and reporting.
	InFlight int `json:"in_flight"`
	// MaxParallel is the backend's reported parallelism; 0 means unreported.
	MaxParallel int `json:"max_parallel,omitempty"`
}

// Address returns the host:port dial address for the node.
func (n Node) Address() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// BaseURL returns the HTTP base URL for the node.
func (n Node) BaseURL() string { return fmt.Sprintf("http://%s:%d", n.Host, n.Port) }

// HasModelLoaded reports whether the named model is currently resident.
func (n Node) HasModelLoaded(name string) bool {
	for _, m := range n.LoadedModels {
		if m.Name == name {
			return true
		}
	}
	return false
}

// ModelInfo is one entry from a backend's tags listing.
type ModelInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size"`
}

// ReliabilityStats is a read-only view of one node's rolling metrics.
type ReliabilityStats struct {
	Total     uint64 `json:"total"`
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
	Timeouts  uint64 `json:"timeouts"`

	// SuccessRate is successes/total, defined as 1.0 while total is 0.
	SuccessRate float64 `json:"success_rate"`
	// LatencyMean and LatencyVariance are computed over the latency ring.
	LatencyMean     time.Duration `json:"latency_mean_ns"`
	LatencyVariance float64       `json:"latency_variance"`
	Samples         int           `json:"samples"`
}

// NodeStat pairs a node with its reliability view for cluster reporting.
type NodeStat struct {
	ID          string           `json:"id"`
	Class       NodeClass        `json:"class"`
	Healthy     bool             `json:"healthy"`
	InFlight    int              `json:"in_flight"`
	Reliability ReliabilityStats `json:"reliability"`
}

// ClusterStats summarizes the whole fleet.
type ClusterStats struct {
	NodesTotal   int        `json:"nodes_total"`
	NodesHealthy int        `json:"nodes_healthy"`
	GPUNodes     int        `json:"gpu_nodes"`
	CPUNodes     int        `json:"cpu_nodes"`
	Nodes        []NodeStat `json:"nodes"`
}

// NodeResourceView is the per-node resource report.
type NodeResourceView struct {
	ID                string    `json:"id"`
	Host              string    `json:"host"`
	Port              int       `json:"port"`
	Class             NodeClass `json:"class"`
	Healthy           bool      `json:"healthy"`
	VRAMTotalBytes    int64     `json:"vram_total_bytes"`
	VRAMFreeBytes     int64     `json:"vram_free_bytes"`
	RAMTotalBytes     int64     `json:"ram_total_bytes"`
	RAMFreeBytes      int64     `json:"ram_free_bytes"`
	InFlight          int       `json:"in_flight"`
	ModelsLoaded      []string  `json:"models_loaded"`
	ModelsLoadedCount int       `json:"models_loaded_count"`
}
