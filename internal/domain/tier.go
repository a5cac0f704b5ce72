package domain

import (
	"regexp"
	"strconv"
	"strings"
)

type tierFloor struct {
	min  float64
	tier Tier
}

// Ordered newest first. A generation newer than the first entry maps to it,
// one older than the last entry maps to the last.
var (
	nvidiaComputeTiers = []tierFloor{
		{8.9, TierNvidiaAda},
		{8.0, TierNvidiaAmpere},
		{7.5, TierNvidiaTuring},
	}
	nvidiaSeriesTiers = []tierFloor{
		{4, TierNvidiaAda},
		{3, TierNvidiaAmpere},
		{2, TierNvidiaTuring},
	}
	amdGFXTiers = []tierFloor{
		{11, TierAMDRDNA3},
		{10.3, TierAMDRDNA2},
	}
	amdSeriesTiers = []tierFloor{
		{7, TierAMDRDNA3},
		{6, TierAMDRDNA2},
	}

	nvidiaSeriesPattern = regexp.MustCompile(`(?i)\b(?:rtx|gtx)\s*([1-9])\d{2,3}\b`)
	nvidiaDatacenter    = regexp.MustCompile(`(?i)\b(?:h100|h200|l4|l40s?|a100|a10g?|a30|a40|t4)\b`)
	amdSeriesPattern    = regexp.MustCompile(`(?i)\brx\s*([1-9])\d{3}\b`)
	amdGFXPattern       = regexp.MustCompile(`(?i)^gfx([0-9]{2,4}[0-9a-f]?)$`)
)

// ClassifyTier maps a vendor-specific generation hint (compute capability,
// gfx target or marketing name) to a tier. It never fails: unknown hints
// resolve to the nearest older known tier.
func ClassifyTier(vendor Vendor, generation string) Tier {
	generation = strings.TrimSpace(generation)

	switch vendor {
	case VendorNVIDIA:
		return classifyNVIDIA(generation)
	case VendorAMD:
		return classifyAMD(generation)
	case VendorIntel:
		return TierIntelArc
	default:
		return TierCPUOnly
	}
}

func classifyNVIDIA(generation string) Tier {
	if cc, err := strconv.ParseFloat(generation, 64); err == nil {
		return floorTier(nvidiaComputeTiers, cc)
	}
	if m := nvidiaSeriesPattern.FindStringSubmatch(generation); m != nil {
		series, _ := strconv.Atoi(m[1])
		// GTX 16xx is Turing despite the leading 1.
		if strings.Contains(strings.ToLower(m[0]), "gtx") && strings.HasPrefix(m[0][len(m[0])-4:], "16") {
			return TierNvidiaTuring
		}
		return floorTier(nvidiaSeriesTiers, float64(series))
	}
	if m := nvidiaDatacenter.FindString(generation); m != "" {
		switch strings.ToLower(m) {
		case "h100", "h200", "l4", "l40", "l40s":
			return TierNvidiaAda
		case "t4":
			return TierNvidiaTuring
		default:
			return TierNvidiaAmpere
		}
	}
	return oldest(nvidiaComputeTiers)
}

func classifyAMD(generation string) Tier {
	if m := amdGFXPattern.FindStringSubmatch(generation); m != nil {
		return floorTier(amdGFXTiers, gfxGeneration(m[1]))
	}
	if m := amdSeriesPattern.FindStringSubmatch(generation); m != nil {
		series, _ := strconv.Atoi(m[1])
		return floorTier(amdSeriesTiers, float64(series))
	}
	return oldest(amdGFXTiers)
}

// gfxGeneration turns "1100" into 11.0 and "1030" into 10.3; three digit
// targets such as "906" or "90a" are pre-RDNA.
func gfxGeneration(target string) float64 {
	if len(target) < 4 {
		return 9
	}
	major, err := strconv.Atoi(target[:2])
	if err != nil {
		return 0
	}
	minor, err := strconv.Atoi(target[2:3])
	if err != nil {
		return float64(major)
	}
	return float64(major) + float64(minor)/10
}

func floorTier(floors []tierFloor, value float64) Tier {
	for _, f := range floors {
		if value >= f.min {
			return f.tier
		}
	}
	return oldest(floors)
}

func oldest(floors []tierFloor) Tier {
	return floors[len(floors)-1].tier
}
