package hardware

import (
	"context"
	"io/fs"
	"regexp"
	"strconv"
	"strings"

	"github.com/bnema/restora/internal/domain"
)

const drmVendorGlob = "sys/class/drm/card*/device/vendor"

var pciVendors = map[string]domain.Vendor{
	"0x10de": domain.VendorNVIDIA,
	"0x1002": domain.VendorAMD,
	"0x8086": domain.VendorIntel,
}

var (
	displayClass = regexp.MustCompile(`(?i)VGA|3D|Display`)
	arcModel     = regexp.MustCompile(`(?i)\b([AB]\d{3})M?\b`)
)

// Discrete Intel boards do not expose VRAM without vendor tools.
var arcVRAMGB = map[string]float64{
	"A310": 4,
	"A380": 6,
	"A580": 8,
	"A750": 8,
	"A770": 16,
	"B570": 10,
	"B580": 12,
}

// probeSysfs covers cards whose vendor tool is missing: AMD without ROCm and
// Intel Arc. Integrated Intel graphics do not count as an accelerator.
func (p *Prober) probeSysfs(ctx context.Context) (domain.Snapshot, bool) {
	paths, err := fs.Glob(p.fsys, drmVendorGlob)
	if err != nil || len(paths) == 0 {
		return domain.Snapshot{}, false
	}
	names := p.lspciNames(ctx)

	for _, vendorPath := range paths {
		raw, err := fs.ReadFile(p.fsys, vendorPath)
		if err != nil {
			continue
		}
		vendor, ok := pciVendors[strings.ToLower(strings.TrimSpace(string(raw)))]
		if !ok {
			continue
		}
		device := strings.TrimSuffix(vendorPath, "/vendor")
		name := names[vendor]

		switch vendor {
		case domain.VendorAMD:
			bytes := p.readUint(device + "/mem_info_vram_total")
			if bytes == 0 {
				continue
			}
			return domain.Snapshot{
				Vendor:         domain.VendorAMD,
				Tier:           domain.ClassifyTier(domain.VendorAMD, name),
				Name:           nonEmpty(name, "AMD Radeon"),
				VRAMGB:         float64(bytes) / (1 << 30),
				HardwareEncode: true,
				Source:         "sysfs",
			}, true

		case domain.VendorIntel:
			model := arcModel.FindStringSubmatch(name)
			if !strings.Contains(strings.ToLower(name), "arc") || model == nil {
				continue
			}
			vram := arcVRAMGB[strings.ToUpper(model[1])]
			if bytes := p.readUint(device + "/mem_info_vram_total"); bytes > 0 {
				vram = float64(bytes) / (1 << 30)
			}
			return domain.Snapshot{
				Vendor:         domain.VendorIntel,
				Tier:           domain.TierIntelArc,
				Name:           name,
				VRAMGB:         vram,
				HardwareEncode: true,
				Source:         "sysfs",
			}, true

		case domain.VendorNVIDIA:
			// Without nvidia-smi the proprietary driver is absent; nouveau
			// offers neither NVENC nor CUDA.
			p.debugf("NVIDIA card %q found without nvidia-smi, ignoring", name)
		}
	}
	return domain.Snapshot{}, false
}

func (p *Prober) readUint(path string) uint64 {
	raw, err := fs.ReadFile(p.fsys, path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// lspciNames maps each vendor to the first display controller lspci lists for it.
func (p *Prober) lspciNames(ctx context.Context) map[domain.Vendor]string {
	names := make(map[domain.Vendor]string)
	out, err := p.runner.Run(ctx, "lspci")
	if err != nil {
		p.debugf("lspci unavailable: %v", err)
		return names
	}
	for line := range strings.Lines(string(out)) {
		if !displayClass.MatchString(line) {
			continue
		}
		lower := strings.ToLower(line)
		var vendor domain.Vendor
		switch {
		case strings.Contains(lower, "nvidia"):
			vendor = domain.VendorNVIDIA
		case strings.Contains(lower, "amd") || strings.Contains(lower, "radeon"):
			vendor = domain.VendorAMD
		case strings.Contains(lower, "intel"):
			vendor = domain.VendorIntel
		default:
			continue
		}
		if _, seen := names[vendor]; !seen {
			names[vendor] = deviceName(line)
		}
	}
	return names
}

// deviceName trims the bus address, class and revision from an lspci line.
func deviceName(line string) string {
	line = strings.TrimSpace(line)
	if _, rest, ok := strings.Cut(line, ": "); ok {
		line = rest
	}
	if idx := strings.Index(line, " (rev "); idx != -1 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
