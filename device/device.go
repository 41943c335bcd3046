// Package device implements the compute-device capability probe
// described in spec.md §4.4: detect feature flags and memory class,
// and assign a tier that bounds how large a model may be loaded.
//
// Grounded on the teacher's ml/device_info.go (DeviceInfo, comparison,
// sorting by free memory/library/performance) generalized from a
// multi-GPU CUDA/ROCm/Metal enumeration to the single logical compute
// device a WebGPU-style browser runtime exposes.
package device

import (
	"strings"
	"sync"

	"github.com/dreamer-doppler/doppler/dopplererr"
	"github.com/dreamer-doppler/doppler/envconfig"
)

// Tier bounds the maximum model size the engine will attempt to load.
type Tier int

const (
	TierUnified Tier = 1 // unified memory, <=60 GiB models
	TierDiscrete64 Tier = 2 // discrete GPU, 64-bit addressing, <=40 GiB MoE
	TierConstrained Tier = 3 // everything else, <=8 GiB
)

// MaxModelBytes returns the size ceiling spec.md §4.4 assigns to each tier.
func (t Tier) MaxModelBytes() int64 {
	const gib = 1 << 30
	switch t {
	case TierUnified:
		return 60 * gib
	case TierDiscrete64:
		return 40 * gib
	default:
		return 8 * gib
	}
}

// Capabilities is the record initDevice() returns (spec.md §4.4).
type Capabilities struct {
	HasSubgroups    bool
	HasF16          bool
	HasMemory64     bool
	IsUnifiedMemory bool
	Tier            Tier

	// Info is the underlying enumerated device, retained for
	// diagnostics and for Compare across probe calls.
	Info DeviceInfo
}

// DeviceID uniquely identifies a device within a backend, mirrored
// from the teacher's ml.DeviceID so DeviceInfo keeps the same
// equality/comparison shape even though there is exactly one logical
// device in this engine's scope.
type DeviceID struct {
	Library string
	ID      string
}

// DeviceInfo describes one probed compute device (spec.md §4.4
// supplement, SPEC_FULL.md C.3), generalized from the teacher's
// multi-GPU enumeration to a single adapter.
type DeviceInfo struct {
	DeviceID
	Name            string
	Description     string
	Integrated      bool
	PCIID           string
	TotalMemory     uint64
	FreeMemory      uint64
	HasSubgroups    bool
	HasF16          bool
	HasMemory64     bool
	IsUnifiedMemory bool
}

// Comparison mirrors the teacher's DeviceComparison: whether two
// probes observed the same physical device.
type Comparison int

const (
	UniqueDevice Comparison = iota
	SameDevice
)

func (a DeviceInfo) Compare(b DeviceInfo) Comparison {
	if a.PCIID != "" && a.PCIID == b.PCIID {
		return SameDevice
	}
	if a.PCIID == "" && a.DeviceID == b.DeviceID {
		return SameDevice
	}
	return UniqueDevice
}

// Probe enumerates and tests a compute device. Concrete backends
// (WebGPU adapter request in the browser, a CPU fallback for tests)
// implement it; Prober calls Enumerate on its first Init and reuses
// the result for later Init calls until Teardown.
type Probe interface {
	Enumerate() (DeviceInfo, error)
}

// Prober runs a Probe idempotently and derives Capabilities, mirroring
// spec.md §4.4's "the probe must be idempotent and tear down cleanly".
type Prober struct {
	probe Probe

	mu       sync.Mutex
	cached   *Capabilities
	torndown bool
}

func NewProber(p Probe) *Prober {
	return &Prober{probe: p}
}

// Init runs the probe, memoizing the result so repeated calls (e.g.
// multiple pipelines sharing one device) are idempotent and cheap.
func (p *Prober) Init() (Capabilities, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return *p.cached, nil
	}

	info, err := p.probe.Enumerate()
	if err != nil {
		return Capabilities{}, dopplererr.Wrap(dopplererr.KindCapability, "device probe failed", err)
	}

	if tierOverride := envconfig.TierOverride(); tierOverride != 0 {
		caps := Capabilities{
			HasSubgroups:    info.HasSubgroups,
			HasF16:          info.HasF16,
			HasMemory64:     info.HasMemory64,
			IsUnifiedMemory: info.IsUnifiedMemory,
			Tier:            Tier(tierOverride),
			Info:            info,
		}
		p.cached = &caps
		return caps, nil
	}

	caps := Capabilities{
		HasSubgroups:    info.HasSubgroups,
		HasF16:          info.HasF16,
		HasMemory64:     info.HasMemory64,
		IsUnifiedMemory: info.IsUnifiedMemory,
		Tier:            assignTier(info),
		Info:            info,
	}
	p.cached = &caps
	return caps, nil
}

// assignTier applies spec.md §4.4's tier rule.
func assignTier(info DeviceInfo) Tier {
	switch {
	case info.IsUnifiedMemory:
		return TierUnified
	case info.HasMemory64:
		return TierDiscrete64
	default:
		return TierConstrained
	}
}

// Teardown releases the cached probe result, allowing a subsequent
// Init to re-enumerate (e.g. after a device-lost event).
func (p *Prober) Teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.torndown = true
	return nil
}

// Describe renders a short human-readable device summary, e.g. for
// logs, in the same compact "name (driver)" shape as the teacher's
// Compute()/Driver() helpers.
func (d DeviceInfo) Describe() string {
	var b strings.Builder
	b.WriteString(d.Name)
	if d.Description != "" {
		b.WriteString(" (")
		b.WriteString(d.Description)
		b.WriteString(")")
	}
	return b.String()
}
