package domain

import (
	"math"
	"time"
)

type Vendor string

const (
	VendorNVIDIA  Vendor = "nvidia"
	VendorAMD     Vendor = "amd"
	VendorIntel   Vendor = "intel"
	VendorCPUOnly Vendor = "cpu-only"
)

// Accelerated reports whether the vendor denotes a real accelerator.
func (v Vendor) Accelerated() bool {
	switch v {
	case VendorNVIDIA, VendorAMD, VendorIntel:
		return true
	default:
		return false
	}
}

type Tier string

const (
	TierNvidiaAda    Tier = "nvidia-ada"
	TierNvidiaAmpere Tier = "nvidia-ampere"
	TierNvidiaTuring Tier = "nvidia-turing"
	TierAMDRDNA3     Tier = "amd-rdna3"
	TierAMDRDNA2     Tier = "amd-rdna2"
	TierIntelArc     Tier = "intel-arc"
	TierCPUOnly      Tier = "cpu-only"
)

// Tier ranks, coarse buckets used by policy rules instead of exact model names.
const (
	RankCPU = iota
	RankEntry
	RankMid
	RankHigh
)

var tierInfo = map[Tier]struct {
	vendor Vendor
	rank   int
}{
	TierNvidiaAda:    {VendorNVIDIA, RankHigh},
	TierNvidiaAmpere: {VendorNVIDIA, RankMid},
	TierNvidiaTuring: {VendorNVIDIA, RankEntry},
	TierAMDRDNA3:     {VendorAMD, RankHigh},
	TierAMDRDNA2:     {VendorAMD, RankMid},
	TierIntelArc:     {VendorIntel, RankMid},
	TierCPUOnly:      {VendorCPUOnly, RankCPU},
}

// Rank returns the coarse bucket of the tier. Unknown tiers rank as CPU.
func (t Tier) Rank() int {
	return tierInfo[t].rank
}

// Vendor returns the vendor owning the tier, or "" for unknown tiers.
func (t Tier) Vendor() Vendor {
	return tierInfo[t].vendor
}

// Snapshot is the immutable result of one detection cycle.
type Snapshot struct {
	Vendor          Vendor    `json:"vendor"`
	Tier            Tier      `json:"tier"`
	Name            string    `json:"name"`
	VRAMGB          float64   `json:"vram_gb"`
	DriverVersion   string    `json:"driver_version,omitempty"`
	HardwareEncode  bool      `json:"hardware_encode"`
	VendorSDK       bool      `json:"vendor_sdk"`
	GeneralCompute  bool      `json:"general_compute"`
	PortableCompute bool      `json:"portable_compute"`
	CPUThreads      int       `json:"cpu_threads"`
	SystemMemoryGB  float64   `json:"system_memory_gb"`
	Source          string    `json:"source"`
	DetectedAt      time.Time `json:"detected_at"`
}

// CPUOnlySnapshot returns the degraded snapshot used whenever detection fails.
func CPUOnlySnapshot() Snapshot {
	return Snapshot{
		Vendor: VendorCPUOnly,
		Tier:   TierCPUOnly,
		Name:   "CPU",
		Source: "fallback",
	}
}

// IsCPUOnly reports whether the snapshot describes a machine without a usable accelerator.
func (s Snapshot) IsCPUOnly() bool {
	return s.Vendor == VendorCPUOnly
}

func (s Snapshot) anyFlag() bool {
	return s.HardwareEncode || s.VendorSDK || s.GeneralCompute || s.PortableCompute
}

// WithoutAccelerator keeps the host facts of s and drops every accelerator signal.
func (s Snapshot) WithoutAccelerator() Snapshot {
	cpu := CPUOnlySnapshot()
	cpu.CPUThreads = s.CPUThreads
	cpu.SystemMemoryGB = s.SystemMemoryGB
	cpu.DetectedAt = s.DetectedAt
	if s.Source != "" {
		cpu.Source = s.Source
	}
	return cpu
}

// Normalize enforces vendor == cpu-only <=> (no flags && vram == 0).
// Contradictory reports collapse to cpu-only; downgraded is true in that case.
func (s Snapshot) Normalize() (normalized Snapshot, downgraded bool) {
	if math.IsNaN(s.VRAMGB) || math.IsInf(s.VRAMGB, 0) || s.VRAMGB < 0 {
		return s.WithoutAccelerator(), true
	}

	if !s.Vendor.Accelerated() {
		inconsistent := s.Vendor != VendorCPUOnly || s.anyFlag() || s.VRAMGB > 0
		out := s.WithoutAccelerator()
		out.Name = nonEmpty(s.Name, out.Name)
		return out, inconsistent
	}

	if s.VRAMGB == 0 {
		return s.WithoutAccelerator(), true
	}

	if s.Tier.Vendor() != s.Vendor {
		s.Tier = ClassifyTier(s.Vendor, "")
	}
	return s, false
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
