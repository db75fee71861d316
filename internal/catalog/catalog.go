package catalog

import (
	"path"
	"regexp"
	"strings"

	"hydrad/internal/config"
	"hydrad/pkg/types"
)

const gib = int64(1) << 30

// sizeRule estimates a model's footprint from a name marker.
type sizeRule struct {
	marker string
	bytes  int64
}

// Built-in size estimates keyed by parameter-count markers in model names.
// The first marker found as a substring wins, so a marker that contains a
// shorter one is listed before it ("13b" before "3b", "67b" before "7b").
var builtinSizes = []sizeRule{
	{"405b", 220 * gib},
	{"70b", 40 * gib},
	{"72b", 40 * gib},
	{"67b", 40 * gib},
	{"30b", 20 * gib},
	{"32b", 20 * gib},
	{"34b", 20 * gib},
	{"13b", 12 * gib},
	{"14b", 12 * gib},
	{"8b", 6 * gib},
	{"7b", 6 * gib},
	{"3b", 3 * gib},
	{"1b", 2 * gib},
	{"embed", 1 * gib},
	{"minilm", 1 * gib},
}

// defaultOOMPatterns match backend responses that indicate memory exhaustion.
var defaultOOMPatterns = []string{
	`out of memory`,
	`\boom\b`,
	`cannot allocate`,
	`resource exhausted`,
	`\bkilled\b`,
	`\bterminated\b`,
	`signal: killed`,
}

// Catalog knows model size estimates, task-keyed fallback chains and the OOM
// signature list. Immutable after construction.
type Catalog struct {
	overrides map[string]int64 // glob -> bytes
	chains    map[string]map[string][]string
	oomRe     []*regexp.Regexp
	margin    float64
}

// New builds a Catalog from config. Overrides augment the built-in size
// table; override globs win over built-in markers. Invalid OOM patterns are
// skipped.
func New(cfg config.Catalog) *Catalog {
	c := &Catalog{
		overrides: make(map[string]int64, len(cfg.ModelSizes)),
		chains:    make(map[string]map[string][]string, len(cfg.FallbackChains)),
		margin:    cfg.SafetyMargin,
	}
	if c.margin <= 0 || c.margin > 1 {
		c.margin = config.DefaultSafetyMargin
	}
	for glob, size := range cfg.ModelSizes {
		c.overrides[strings.ToLower(glob)] = size
	}
	for task, byModel := range cfg.FallbackChains {
		m := make(map[string][]string, len(byModel))
		for initial, chain := range byModel {
			m[initial] = append([]string(nil), chain...)
		}
		c.chains[task] = m
	}
	patterns := cfg.OOMPatterns
	if len(patterns) == 0 {
		patterns = defaultOOMPatterns
	}
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			continue
		}
		c.oomRe = append(c.oomRe, re)
	}
	return c
}

// ApproxSize estimates a model's size in bytes. Returns 0 when unknown.
func (c *Catalog) ApproxSize(model string) int64 {
	lower := strings.ToLower(model)
	for glob, size := range c.overrides {
		if ok, _ := path.Match(glob, lower); ok {
			return size
		}
		if strings.Contains(lower, glob) {
			return size
		}
	}
	for _, rule := range builtinSizes {
		if strings.Contains(lower, rule.marker) {
			return rule.bytes
		}
	}
	return 0
}

// Fits reports whether a model plausibly fits a node right now. GPU-class
// nodes are checked against free VRAM scaled by the safety margin, others
// against free RAM scaled the same way. Unknown sizes and unknown memory
// totals both pass; the result does not tell those matches apart from
// measured fits.
func (c *Catalog) Fits(model string, node types.Node) bool {
	size := c.ApproxSize(model)
	if size == 0 {
		return true
	}
	// A model already resident always fits.
	if node.HasModelLoaded(model) {
		return true
	}
	if node.Class == types.ClassGPU {
		if node.VRAMTotalBytes == 0 {
			return true
		}
		return float64(size) <= float64(node.VRAMFreeBytes)*c.margin
	}
	if node.RAMTotalBytes == 0 {
		return true
	}
	return float64(size) <= float64(node.RAMFreeBytes)*c.margin
}

// FallbackAfter returns the next smaller model after the given one in the
// task's chain, or "" when none remains.
func (c *Catalog) FallbackAfter(model, taskKind string) string {
	byModel, ok := c.chains[taskKind]
	if !ok {
		return ""
	}
	for _, chain := range byModel {
		for i, m := range chain {
			if m == model && i+1 < len(chain) {
				return chain[i+1]
			}
		}
	}
	return ""
}

// ChainFor returns the full chain registered for (taskKind, initial), or nil.
func (c *Catalog) ChainFor(taskKind, initial string) []string {
	byModel, ok := c.chains[taskKind]
	if !ok {
		return nil
	}
	chain, ok := byModel[initial]
	if !ok {
		return nil
	}
	return append([]string(nil), chain...)
}

// LooksLikeOOM reports whether text matches any OOM signature.
func (c *Catalog) LooksLikeOOM(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range c.oomRe {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
