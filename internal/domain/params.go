package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
)

type Resolution string

const (
	ResolutionSource Resolution = "source"
	Resolution720p   Resolution = "720p"
	Resolution1080p  Resolution = "1080p"
	Resolution1440p  Resolution = "1440p"
	Resolution2160p  Resolution = "2160p"
	Resolution4320p  Resolution = "4320p"
)

var resolutionHeights = map[Resolution]int{
	Resolution720p:  720,
	Resolution1080p: 1080,
	Resolution1440p: 1440,
	Resolution2160p: 2160,
	Resolution4320p: 4320,
}

// Height returns the target frame height, or 0 to keep the source size.
func (r Resolution) Height() int {
	return resolutionHeights[r]
}

type HDRMode string

const (
	HDROff   HDRMode = "off"
	HDRHDR10 HDRMode = "hdr10"
	HDRHLG   HDRMode = "hlg"
)

// Toggle is a tri-state switch where auto defers to the recommendation or the source.
type Toggle string

const (
	ToggleAuto Toggle = "auto"
	ToggleOn   Toggle = "on"
	ToggleOff  Toggle = "off"
)

// Params is the flat set of processing parameters of a job. The zero value is
// not meaningful; start from DefaultParams.
type Params struct {
	InputSource         string        `json:"input_source" yaml:"input_source"`
	OutputPath          string        `json:"output_path" yaml:"output_path"`
	Resolution          Resolution    `json:"resolution" yaml:"resolution"`
	QualityTier         QualityTier   `json:"quality_tier" yaml:"quality_tier"`
	CRF                 int           `json:"crf" yaml:"crf"`
	FPS                 float64       `json:"fps" yaml:"fps"`
	Encoder             Encoder       `json:"encoder" yaml:"encoder"`
	UpscaleEngine       UpscaleEngine `json:"upscale_engine" yaml:"upscale_engine"`
	HDRMode             HDRMode       `json:"hdr_mode" yaml:"hdr_mode"`
	Denoise             bool          `json:"denoise" yaml:"denoise"`
	DenoiseStrength     float64       `json:"denoise_strength" yaml:"denoise_strength"`
	LUTPath             string        `json:"lut_path" yaml:"lut_path"`
	LUTIntensity        float64       `json:"lut_intensity" yaml:"lut_intensity"`
	FaceRestore         Toggle        `json:"face_restore" yaml:"face_restore"`
	FaceRestoreFidelity float64       `json:"face_restore_fidelity" yaml:"face_restore_fidelity"`
	Deinterlace         Toggle        `json:"deinterlace" yaml:"deinterlace"`
	AudioEnhance        bool          `json:"audio_enhance" yaml:"audio_enhance"`
	AudioUpmix          UpmixStrategy `json:"audio_upmix" yaml:"audio_upmix"`
	Priority            int           `json:"priority" yaml:"priority"`
}

// DefaultParams is the single source of parameter defaults.
func DefaultParams() Params {
	return Params{
		Resolution:          ResolutionSource,
		QualityTier:         QualityAuto,
		CRF:                 18,
		FPS:                 0,
		Encoder:             EncoderAuto,
		UpscaleEngine:       UpscaleAuto,
		HDRMode:             HDROff,
		Denoise:             false,
		DenoiseStrength:     0.5,
		LUTIntensity:        1.0,
		FaceRestore:         ToggleAuto,
		FaceRestoreFidelity: 0.7,
		Deinterlace:         ToggleAuto,
		AudioEnhance:        false,
		AudioUpmix:          UpmixAuto,
		Priority:            0,
	}
}

// ParseParams decodes a partial JSON parameter object over the defaults.
// Unknown keys are ignored.
func ParseParams(data []byte) (Params, error) {
	p := DefaultParams()
	if err := json.Unmarshal(data, &p); err != nil {
		return Params{}, errors.Wrapf(ErrInvalidParams, "decode parameters: %v", err)
	}
	p.Normalize()
	return p, nil
}

// Normalize fills blank enum fields with their defaults and derives the
// output path when none was given.
func (p *Params) Normalize() {
	d := DefaultParams()
	p.InputSource = strings.TrimSpace(p.InputSource)
	p.OutputPath = strings.TrimSpace(p.OutputPath)
	if p.Resolution == "" {
		p.Resolution = d.Resolution
	}
	if p.QualityTier == "" {
		p.QualityTier = d.QualityTier
	}
	if p.Encoder == "" {
		p.Encoder = d.Encoder
	}
	if p.UpscaleEngine == "" {
		p.UpscaleEngine = d.UpscaleEngine
	}
	if p.HDRMode == "" {
		p.HDRMode = d.HDRMode
	}
	if p.FaceRestore == "" {
		p.FaceRestore = d.FaceRestore
	}
	if p.Deinterlace == "" {
		p.Deinterlace = d.Deinterlace
	}
	if p.AudioUpmix == "" {
		p.AudioUpmix = d.AudioUpmix
	}
	if p.OutputPath == "" {
		p.OutputPath = DefaultOutputPath(p.InputSource)
	}
}

// Validate checks required fields, enumerations and ranges. Every error
// matches ErrInvalidParams.
func (p Params) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := ValidateLocator(p.InputSource); err != nil {
		add("input_source: %v", err)
	}
	if p.OutputPath != "" {
		if err := ValidateLocator(p.OutputPath); err != nil {
			add("output_path: %v", err)
		}
	}
	if p.Resolution != ResolutionSource && p.Resolution.Height() == 0 {
		add("resolution: unsupported value %q", p.Resolution)
	}
	if !oneOf(p.QualityTier, QualityAuto, QualityBest, QualityBalanced, QualityGood) {
		add("quality_tier: unsupported value %q", p.QualityTier)
	}
	if p.CRF < 0 || p.CRF > 51 {
		add("crf: %d outside 0-51", p.CRF)
	}
	if p.FPS < 0 || math.IsNaN(p.FPS) || math.IsInf(p.FPS, 0) {
		add("fps: must be >= 0")
	}
	if !oneOf(p.Encoder, EncoderAuto, EncoderHWHEVC, EncoderHWH264, EncoderSWHEVC, EncoderSWH264) {
		add("encoder: unsupported value %q", p.Encoder)
	}
	if !oneOf(p.UpscaleEngine, UpscaleAuto, UpscaleVendorSDK, UpscalePortableAI, UpscaleCPUFilter) {
		add("upscale_engine: unsupported value %q", p.UpscaleEngine)
	}
	if !oneOf(p.HDRMode, HDROff, HDRHDR10, HDRHLG) {
		add("hdr_mode: unsupported value %q", p.HDRMode)
	}
	if !unitInterval(p.DenoiseStrength) {
		add("denoise_strength: %v outside 0-1", p.DenoiseStrength)
	}
	if !unitInterval(p.LUTIntensity) {
		add("lut_intensity: %v outside 0-1", p.LUTIntensity)
	}
	if !oneOf(p.FaceRestore, ToggleAuto, ToggleOn, ToggleOff) {
		add("face_restore: unsupported value %q", p.FaceRestore)
	}
	if !unitInterval(p.FaceRestoreFidelity) {
		add("face_restore_fidelity: %v outside 0-1", p.FaceRestoreFidelity)
	}
	if !oneOf(p.Deinterlace, ToggleAuto, ToggleOn, ToggleOff) {
		add("deinterlace: unsupported value %q", p.Deinterlace)
	}
	if !oneOf(p.AudioUpmix, UpmixAuto, UpmixStemSeparation, UpmixClassicSurround, UpmixSimple, UpmixNone) {
		add("audio_upmix: unsupported value %q", p.AudioUpmix)
	}

	if len(problems) == 0 {
		return nil
	}
	err := errors.WithDetail(ErrInvalidParams, strings.Join(problems, "; "))
	return errors.WithHint(errors.Wrap(err, problems[0]), "every field except input_source is optional")
}

// Resolve replaces every auto value with the recommendation. Explicit values
// are kept; when they exceed what the recommendation allows a caveat is returned.
func (p Params) Resolve(rec Recommendation) (Params, []string) {
	var caveats []string

	if p.QualityTier == QualityAuto {
		p.QualityTier = rec.QualityTier
	}
	switch {
	case p.Encoder == EncoderAuto:
		p.Encoder = rec.Encoder
	case p.Encoder.Hardware() && !rec.Encoder.Hardware():
		caveats = append(caveats, fmt.Sprintf("encoder %s requested but no usable hardware encoder was detected", p.Encoder))
	}
	switch {
	case p.UpscaleEngine == UpscaleAuto:
		p.UpscaleEngine = rec.UpscaleEngine
	case p.UpscaleEngine == UpscaleVendorSDK && rec.UpscaleEngine != UpscaleVendorSDK:
		caveats = append(caveats, "vendor SDK upscaling requested but not supported on this device")
	}
	switch p.FaceRestore {
	case ToggleAuto:
		p.FaceRestore = ToggleOff
		if rec.FaceRestoreEnabled {
			p.FaceRestore = ToggleOn
		}
	case ToggleOn:
		if !rec.FaceRestoreEnabled {
			caveats = append(caveats, "face restoration requested without sufficient accelerator support; expect slow processing")
		}
	}
	if p.AudioUpmix == UpmixAuto {
		p.AudioUpmix = rec.AudioUpmix
	}
	return p, caveats
}

func oneOf[T comparable](v T, allowed ...T) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
