package service

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/bnema/restora/internal/domain"
)

// facts is the evaluation context shared by every rule table.
type facts struct {
	s            domain.Snapshot
	t            domain.Thresholds
	modernDriver bool
	downgraded   bool
}

func (f facts) cpu() bool { return f.s.IsCPUOnly() }

// rule is one row of a per-field decision table. The first row whose when
// matches decides the field; reason becomes that field's explanation.
type rule[T any] struct {
	when   func(facts) bool
	value  T
	reason func(facts) string
}

func always(facts) bool { return true }

func pick[T any](rules []rule[T], f facts) (T, string) {
	for _, r := range rules {
		if r.when(f) {
			return r.value, r.reason(f)
		}
	}
	// Tables end with an always row; reaching here is a programming error.
	panic("advisor: rule table without fallback")
}

var upscaleRules = []rule[domain.UpscaleEngine]{
	{
		when: func(f facts) bool {
			return f.s.Vendor == domain.VendorNVIDIA && f.s.VendorSDK && f.s.VRAMGB >= f.t.VendorSDKMinVRAMGB
		},
		value: domain.UpscaleVendorSDK,
		reason: func(f facts) string {
			return fmt.Sprintf("Upscaling uses the vendor SDK (NVIDIA with the SDK and at least %s of VRAM).", gb(f.t.VendorSDKMinVRAMGB))
		},
	},
	{
		when:   func(f facts) bool { return !f.cpu() && (f.s.PortableCompute || f.s.GeneralCompute) },
		value:  domain.UpscalePortableAI,
		reason: func(facts) string { return "Upscaling uses the portable AI upscaler on the accelerator's compute API." },
	},
	{
		when:   always,
		value:  domain.UpscaleCPUFilter,
		reason: func(facts) string { return "Upscaling uses classic CPU scaling filters." },
	},
}

var encoderRules = []rule[domain.Encoder]{
	{
		when: func(f facts) bool {
			return !f.cpu() && f.s.HardwareEncode && f.modernDriver &&
				(f.s.Tier.Rank() >= f.t.HEVCMinTierRank || f.s.VRAMGB >= f.t.HEVCMinVRAMGB)
		},
		value:  domain.EncoderHWHEVC,
		reason: func(facts) string { return "Encoding uses the hardware HEVC encoder." },
	},
	{
		when:   func(f facts) bool { return !f.cpu() && f.s.HardwareEncode },
		value:  domain.EncoderHWH264,
		reason: func(facts) string { return "Encoding uses the hardware H.264 encoder (driver or device below the HEVC bar)." },
	},
	{
		when:  func(f facts) bool { return f.s.CPUThreads >= f.t.CPUHEVCMinThreads },
		value: domain.EncoderSWHEVC,
		reason: func(f facts) string {
			return fmt.Sprintf("Encoding uses software HEVC (%d CPU threads available).", f.s.CPUThreads)
		},
	},
	{
		when:   always,
		value:  domain.EncoderSWH264,
		reason: func(facts) string { return "Encoding uses software H.264." },
	},
}

var qualityRules = []rule[domain.QualityTier]{
	{
		when:   facts.cpu,
		value:  domain.QualityGood,
		reason: func(facts) string { return "Quality is good because CPU throughput is the limit." },
	},
	{
		when:  func(f facts) bool { return f.s.VRAMGB >= f.t.BestQualityMinVRAMGB },
		value: domain.QualityBest,
		reason: func(f facts) string {
			return fmt.Sprintf("Quality is best (at least %s of VRAM).", gb(f.t.BestQualityMinVRAMGB))
		},
	},
	{
		when:  func(f facts) bool { return f.s.VRAMGB >= f.t.BalancedQualityMinVRAMGB },
		value: domain.QualityBalanced,
		reason: func(f facts) string {
			return fmt.Sprintf("Quality is balanced (at least %s of VRAM).", gb(f.t.BalancedQualityMinVRAMGB))
		},
	},
	{
		when:   always,
		value:  domain.QualityGood,
		reason: func(facts) string { return "Quality is good because VRAM is limited." },
	},
}

var faceRules = []rule[bool]{
	{
		when:   facts.cpu,
		value:  false,
		reason: func(facts) string { return "Face restoration is off on CPU-only hosts." },
	},
	{
		when:  func(f facts) bool { return f.s.GeneralCompute && f.s.VRAMGB >= f.t.FaceRestoreMinVRAMGB },
		value: true,
		reason: func(f facts) string {
			return fmt.Sprintf("Face restoration is on (general compute and at least %s of VRAM).", gb(f.t.FaceRestoreMinVRAMGB))
		},
	},
	{
		when:   always,
		value:  false,
		reason: func(facts) string { return "Face restoration is off (needs general compute and more VRAM)." },
	},
}

var upmixRules = []rule[domain.UpmixStrategy]{
	{
		when:   facts.cpu,
		value:  domain.UpmixSimple,
		reason: func(facts) string { return "Audio upmix is simple channel mapping on CPU-only hosts." },
	},
	{
		when:  func(f facts) bool { return f.s.VRAMGB >= f.t.StemSeparationMinVRAMGB },
		value: domain.UpmixStemSeparation,
		reason: func(f facts) string {
			return fmt.Sprintf("Audio upmix uses stem separation (at least %s of VRAM).", gb(f.t.StemSeparationMinVRAMGB))
		},
	},
	{
		when:  func(f facts) bool { return f.s.VRAMGB >= f.t.SurroundMinVRAMGB },
		value: domain.UpmixClassicSurround,
		reason: func(f facts) string {
			return fmt.Sprintf("Audio upmix uses a classic surround upmixer (at least %s of VRAM).", gb(f.t.SurroundMinVRAMGB))
		},
	},
	{
		when:   always,
		value:  domain.UpmixSimple,
		reason: func(facts) string { return "Audio upmix is simple channel mapping." },
	},
}

// warningRules are evaluated in order and every match contributes.
var warningRules = []struct {
	when    func(facts, domain.Recommendation) bool
	message func(facts) string
}{
	{
		when: func(f facts, _ domain.Recommendation) bool {
			return f.s.Vendor == domain.VendorNVIDIA && !f.s.VendorSDK
		},
		message: func(facts) string {
			return "NVIDIA vendor upscaling SDK not found; install it for the fastest, highest quality upscaling"
		},
	},
	{
		when: func(f facts, _ domain.Recommendation) bool {
			return f.s.Vendor == domain.VendorNVIDIA && f.s.VendorSDK && f.s.VRAMGB < f.t.VendorSDKMinVRAMGB
		},
		message: func(f facts) string {
			return fmt.Sprintf("vendor SDK present but %s of VRAM is below the %s it needs; using a fallback upscaler",
				gb(f.s.VRAMGB), gb(f.t.VendorSDKMinVRAMGB))
		},
	},
	{
		when: func(f facts, r domain.Recommendation) bool {
			return !f.cpu() && r.UpscaleEngine == domain.UpscaleCPUFilter
		},
		message: func(facts) string {
			return "no AI upscaler can run on this accelerator; falling back to CPU filters"
		},
	},
	{
		when: func(f facts, _ domain.Recommendation) bool { return !f.cpu() && !f.s.HardwareEncode },
		message: func(facts) string {
			return "no hardware video encoder detected; encoding in software"
		},
	},
	{
		when: func(f facts, _ domain.Recommendation) bool {
			return !f.cpu() && f.s.HardwareEncode && !f.modernDriver
		},
		message: func(f facts) string {
			driver := f.s.DriverVersion
			if driver == "" {
				driver = "unknown"
			}
			return fmt.Sprintf("driver version %s is too old or unrecognised for hardware HEVC; using H.264", driver)
		},
	},
	{
		when: func(f facts, _ domain.Recommendation) bool {
			return !f.cpu() && !f.s.GeneralCompute && f.s.VRAMGB >= f.t.FaceRestoreMinVRAMGB
		},
		message: func(facts) string {
			return "face restoration unavailable: no general-purpose compute (CUDA or ROCm) detected"
		},
	},
	{
		when: func(f facts, _ domain.Recommendation) bool {
			return !f.cpu() && f.s.GeneralCompute && f.s.VRAMGB < f.t.FaceRestoreMinVRAMGB
		},
		message: func(f facts) string {
			return fmt.Sprintf("face restoration unavailable: %s of VRAM is below the %s it needs",
				gb(f.s.VRAMGB), gb(f.t.FaceRestoreMinVRAMGB))
		},
	},
	{
		when: func(f facts, _ domain.Recommendation) bool {
			return !f.cpu() && f.s.VRAMGB < f.t.StemSeparationMinVRAMGB
		},
		message: func(f facts) string {
			return fmt.Sprintf("stem separation upmix needs %s of VRAM; using a lighter upmix", gb(f.t.StemSeparationMinVRAMGB))
		},
	},
	{
		when: func(f facts, _ domain.Recommendation) bool { return f.downgraded },
		message: func(facts) string {
			return "inconsistent accelerator report; treating this host as CPU-only"
		},
	},
}

// Recommend derives the processing configuration for a snapshot. It is pure:
// equal inputs give equal outputs, warning order included.
func Recommend(snapshot domain.Snapshot, thresholds domain.Thresholds) domain.Recommendation {
	s, downgraded := snapshot.Normalize()
	f := facts{
		s:            s,
		t:            thresholds,
		modernDriver: driverSupportsHEVC(s, thresholds),
		downgraded:   downgraded,
	}

	var rec domain.Recommendation
	reasons := make([]string, 0, 5)
	var why string

	rec.UpscaleEngine, why = pick(upscaleRules, f)
	reasons = append(reasons, why)
	rec.Encoder, why = pick(encoderRules, f)
	reasons = append(reasons, why)
	rec.QualityTier, why = pick(qualityRules, f)
	reasons = append(reasons, why)
	rec.FaceRestoreEnabled, why = pick(faceRules, f)
	reasons = append(reasons, why)
	rec.AudioUpmix, why = pick(upmixRules, f)
	reasons = append(reasons, why)

	rec.Warnings = make([]string, 0)
	for _, w := range warningRules {
		if w.when(f, rec) {
			rec.Warnings = append(rec.Warnings, w.message(f))
		}
	}
	rec.Explanation = strings.Join(reasons, " ")
	return rec
}

var leadingVersion = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// parseDriverVersion accepts vendor strings such as "550.54.14",
// "535.104.05" or "6.8.0-45-generic" by keeping the leading numeric part.
func parseDriverVersion(raw string) (*semver.Version, bool) {
	m := leadingVersion.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil, false
	}
	parts := [3]uint64{}
	for i := range parts {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseUint(m[i+1], 10, 64)
		if err != nil {
			return nil, false
		}
		parts[i] = n
	}
	return semver.New(parts[0], parts[1], parts[2], "", ""), true
}

func driverSupportsHEVC(s domain.Snapshot, t domain.Thresholds) bool {
	v, ok := parseDriverVersion(s.DriverVersion)
	if !ok {
		return false
	}
	minRaw, configured := t.MinHEVCDriver[string(s.Vendor)]
	if !configured {
		return true
	}
	minVersion, ok := parseDriverVersion(minRaw)
	if !ok {
		return false
	}
	return !v.LessThan(minVersion)
}

func gb(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + " GB"
}
