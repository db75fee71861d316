package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"hydrad/internal/config"
	"hydrad/internal/registry"
	"hydrad/pkg/types"
)

// DefaultPort is assumed when a seed omits an explicit port.
const DefaultPort = 11434

// EnvSeeds names the environment variable holding comma-separated seed
// addresses, checked after operator-supplied seeds.
const EnvSeeds = "HYDRAD_NODES"

// subnetWorkers bounds the concurrency of a local-subnet sweep.
const subnetWorkers = 32

// Prober is the slice of the backend client discovery needs.
type Prober interface {
	Tags(ctx context.Context, node types.Node) ([]types.ModelInfo, error)
}

// InFlightSource reports the scheduler-owned in-flight count for a node.
// Discovery never removes a node that still has requests executing.
type InFlightSource interface {
	InFlight(id string) int
}

// Discovery populates and refreshes the node registry from operator seeds,
// environment seeds and an optional local-subnet probe.
type Discovery struct {
	reg      *registry.Registry
	prober   Prober
	inflight InFlightSource
	cfg      config.Discovery
	log      zerolog.Logger

	mu       sync.Mutex
	failures map[string]int
	swept    bool
}

// New constructs a Discovery. inflight may be nil early in wiring; it is
// treated as "no requests in flight".
func New(reg *registry.Registry, prober Prober, inflight InFlightSource, cfg config.Discovery, log zerolog.Logger) *Discovery {
	return &Discovery{
		reg:      reg,
		prober:   prober,
		inflight: inflight,
		cfg:      cfg,
		log:      log.With().Str("component", "discovery").Logger(),
		failures: make(map[string]int),
	}
}

// Run executes one pass immediately and then repeats on the configured
// interval until ctx is canceled.
func (d *Discovery) Run(ctx context.Context) {
	d.RunOnce(ctx)
	interval := time.Duration(d.cfg.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single discovery pass: probe seeds, re-probe known
// nodes, and sweep the local subnet on the first pass.
func (d *Discovery) RunOnce(ctx context.Context) {
	seeds := d.seedNodes()
	for _, n := range seeds {
		d.probeAndRegister(ctx, n)
	}
	d.reprobeKnown(ctx, seeds)

	if d.cfg.ScanLocalSubnet && !d.sweptOnce() {
		d.sweepSubnets(ctx)
	}
}

// seedNodes merges operator seeds with environment seeds, operator first.
func (d *Discovery) seedNodes() []types.Node {
	addrs := append([]string(nil), d.cfg.Seeds...)
	if env := os.Getenv(EnvSeeds); env != "" {
		for _, a := range strings.Split(env, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
	}
	seen := make(map[string]bool, len(addrs))
	nodes := make([]types.Node, 0, len(addrs))
	for _, a := range addrs {
		n, err := ParseAddr(a)
		if err != nil {
			d.log.Warn().Str("addr", a).Err(err).Msg("skipping malformed seed")
			continue
		}
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		n.Seed = true
		nodes = append(nodes, n)
	}
	return nodes
}

// probeAndRegister probes one node with retry and upserts it on success.
// Seed nodes are registered unhealthy rather than dropped on failure.
func (d *Discovery) probeAndRegister(ctx context.Context, n types.Node) {
	err := d.probe(ctx, n)
	if err == nil {
		d.reg.Upsert(n)
		now := time.Now()
		healthy := true
		d.reg.Update(n.ID, registry.Patch{Healthy: &healthy, LastProbeAt: &now})
		d.resetFailures(n.ID)
		d.log.Debug().Str("node", n.ID).Msg("node discovered")
		return
	}
	if n.Seed {
		d.reg.Upsert(n)
		d.reg.SetHealthy(n.ID, false)
	}
	d.log.Debug().Str("node", n.ID).Err(err).Msg("probe failed")
}

// probe calls Tags with a short capped backoff so one flaky response does
// not drop a node within a pass.
func (d *Discovery) probe(ctx context.Context, n types.Node) error {
	bo := backoff.WithContext(newProbeBackoff(), ctx)
	return backoff.Retry(func() error {
		_, err := d.prober.Tags(ctx, n)
		return err
	}, bo)
}

func newProbeBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 3 * time.Second
	return bo
}

// reprobeKnown walks registry nodes that were not covered by the seed pass
// and applies the grace-failure removal policy to non-seeds.
func (d *Discovery) reprobeKnown(ctx context.Context, seeds []types.Node) {
	seedIDs := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seedIDs[s.ID] = true
	}
	for _, n := range d.reg.Snapshot() {
		if seedIDs[n.ID] {
			continue
		}
		if err := d.probe(ctx, n); err == nil {
			now := time.Now()
			healthy := true
			d.reg.Update(n.ID, registry.Patch{Healthy: &healthy, LastProbeAt: &now})
			d.resetFailures(n.ID)
			continue
		}
		fails := d.bumpFailures(n.ID)
		d.reg.SetHealthy(n.ID, false)
		if n.Seed || fails < d.cfg.GraceFailures {
			continue
		}
		if d.inflight != nil && d.inflight.InFlight(n.ID) > 0 {
			d.log.Debug().Str("node", n.ID).Msg("grace expired but requests in flight, keeping node")
			continue
		}
		d.reg.Remove(n.ID)
		d.resetFailures(n.ID)
		d.log.Info().Str("node", n.ID).Int("failures", fails).Msg("node removed after grace")
	}
}

// sweepSubnets probes the local /24 of every non-loopback IPv4 interface.
func (d *Discovery) sweepSubnets(ctx context.Context) {
	defer d.markSwept()
	candidates := subnetCandidates()
	if len(candidates) == 0 {
		return
	}
	d.log.Info().Int("candidates", len(candidates)).Msg("sweeping local subnet")

	known := make(map[string]bool)
	for _, n := range d.reg.Snapshot() {
		known[n.ID] = true
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < subnetWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for host := range jobs {
				if ctx.Err() != nil {
					return
				}
				n := nodeFor(host, DefaultPort)
				if known[n.ID] {
					continue
				}
				if _, err := d.prober.Tags(ctx, n); err != nil {
					continue
				}
				d.reg.Upsert(n)
				now := time.Now()
				healthy := true
				d.reg.Update(n.ID, registry.Patch{Healthy: &healthy, LastProbeAt: &now})
				d.log.Info().Str("node", n.ID).Msg("node found on local subnet")
			}
		}()
	}
	for _, host := range candidates {
		select {
		case jobs <- host:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
}

func (d *Discovery) sweptOnce() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.swept
}

func (d *Discovery) markSwept() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.swept = true
}

func (d *Discovery) bumpFailures(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[id]++
	return d.failures[id]
}

func (d *Discovery) resetFailures(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, id)
}

// ParseAddr turns "host", "host:port" or "http://host:port" into a Node.
func ParseAddr(addr string) (types.Node, error) {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimSuffix(addr, "/")
	if addr == "" {
		return types.Node{}, fmt.Errorf("empty address")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nodeFor(addr, DefaultPort), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return types.Node{}, fmt.Errorf("bad port in %q", addr)
	}
	return nodeFor(host, port), nil
}

func nodeFor(host string, port int) types.Node {
	return types.Node{
		ID:    fmt.Sprintf("%s:%d", host, port),
		Host:  host,
		Port:  port,
		Class: types.ClassUnknown,
		Local: isLocalHost(host),
	}
}

func isLocalHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if hn, err := os.Hostname(); err == nil && strings.EqualFold(hn, host) {
		return true
	}
	return false
}

// subnetCandidates enumerates the /24 around each non-loopback IPv4
// interface address, excluding the interface address itself.
func subnetCandidates() []string {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, a := range ifaces {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		base := ip4.Mask(net.CIDRMask(24, 32))
		for i := 1; i < 255; i++ {
			host := fmt.Sprintf("%d.%d.%d.%d", base[0], base[1], base[2], i)
			if host == ip4.String() || seen[host] {
				continue
			}
			seen[host] = true
			out = append(out, host)
		}
	}
	return out
}
