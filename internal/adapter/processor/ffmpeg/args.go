package ffmpeg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bnema/restora/internal/domain"
)

const (
	faceRestoreModel = "face_restore.xml"
	vaapiDevice      = "/dev/dri/renderD128"
)

type preset struct {
	x26x  string
	nvenc string
}

var qualityPresets = map[domain.QualityTier]preset{
	domain.QualityBest:     {x26x: "slow", nvenc: "p7"},
	domain.QualityBalanced: {x26x: "medium", nvenc: "p5"},
	domain.QualityGood:     {x26x: "fast", nvenc: "p3"},
}

// plan is a complete ffmpeg invocation for one job. notes collect the
// adjustments made because the host or the source could not honour a setting.
type plan struct {
	args   []string
	video  []string
	audio  []string
	output string
	notes  []string
}

func (pl *plan) note(format string, args ...any) {
	pl.notes = append(pl.notes, fmt.Sprintf(format, args...))
}

// buildPlan turns resolved parameters into ffmpeg arguments. info may be nil
// when the source could not be probed; source-dependent stages are then skipped.
func buildPlan(p domain.Params, d domain.EngineDefaults, info *domain.MediaInfo, output string) *plan {
	pl := &plan{output: output}

	enc := resolveEncoder(p.Encoder, d.Vendor, pl)
	tenBit := p.HDRMode != domain.HDROff && enc.hevc
	if p.HDRMode != domain.HDROff && !enc.hevc {
		pl.note("%s output needs an HEVC encoder; writing SDR", p.HDRMode)
	}

	pl.video = videoFilters(p, d, info, pl)
	pl.video = append(pl.video, enc.filterTail(tenBit)...)
	pl.audio = audioFilters(p, info, pl)

	args := []string{"-hide_banner", "-nostdin", "-y"}
	args = append(args, enc.global...)
	args = append(args, "-i", p.InputSource, "-map", "0:v:0", "-map", "0:a?")
	mkv := strings.EqualFold(filepath.Ext(output), ".mkv")
	if mkv {
		args = append(args, "-map", "0:s?")
	}
	if len(pl.video) > 0 {
		args = append(args, "-vf", strings.Join(pl.video, ","))
	}
	args = append(args, enc.args(p)...)
	if tenBit {
		args = append(args, hdrColorArgs(p.HDRMode)...)
	}

	switch {
	case info != nil && info.AudioStream() == nil:
		args = append(args, "-an")
	case len(pl.audio) > 0:
		bitrate := "192k"
		if upmixes(p.AudioUpmix) {
			bitrate = "384k"
		}
		args = append(args, "-af", strings.Join(pl.audio, ","), "-c:a", "aac", "-b:a", bitrate)
	default:
		args = append(args, "-c:a", "copy")
	}
	if mkv {
		args = append(args, "-c:s", "copy")
	}
	if d.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(d.Threads))
	}
	args = append(args, "-progress", "pipe:1", "-nostats")
	args = append(args, d.ExtraArgs...)
	pl.args = append(args, output)
	return pl
}

func videoFilters(p domain.Params, d domain.EngineDefaults, info *domain.MediaInfo, pl *plan) []string {
	var vf []string

	switch p.Deinterlace {
	case domain.ToggleOn:
		vf = append(vf, "bwdif=mode=send_frame")
	case domain.ToggleAuto:
		if info != nil && info.Interlaced() {
			vf = append(vf, "bwdif=mode=send_frame")
		}
	}

	if p.Denoise {
		vf = append(vf, "hqdn3d="+formatFloat(p.DenoiseStrength*10))
	}

	if p.FaceRestore == domain.ToggleOn {
		model := filepath.Join(d.ModelsDir, faceRestoreModel)
		if _, err := os.Stat(model); err == nil {
			vf = append(vf, fmt.Sprintf("dnn_processing=dnn_backend=openvino:model=%s:input=input:output=output", escapeFilterValue(model)))
		} else {
			pl.note("face restoration model %s not installed; stage skipped", model)
		}
	}

	if h := p.Resolution.Height(); h > 0 {
		if vs := sourceVideo(info); vs != nil && vs.Height == h {
			pl.note("source is already %dp; not rescaling", h)
		} else {
			vf = append(vf, scaleFilters(p.UpscaleEngine, h)...)
		}
	}

	if p.LUTPath != "" {
		lut := fmt.Sprintf("lut3d=file=%s:interp=tetrahedral", escapeFilterValue(p.LUTPath))
		if p.LUTIntensity >= 1 {
			vf = append(vf, lut)
		} else if p.LUTIntensity > 0 {
			vf = append(vf, fmt.Sprintf("split[base][graded];[graded]%s[lut];[base][lut]blend=all_mode=normal:all_opacity=%s",
				lut, formatFloat(p.LUTIntensity)))
		}
	}

	if p.FPS > 0 {
		vf = append(vf, "fps="+formatFloat(p.FPS))
	}
	return vf
}

func sourceVideo(info *domain.MediaInfo) *domain.MediaStream {
	if info == nil {
		return nil
	}
	return info.VideoStream()
}

func scaleFilters(engine domain.UpscaleEngine, height int) []string {
	switch engine {
	case domain.UpscaleVendorSDK:
		return []string{
			"hwupload_cuda",
			fmt.Sprintf("scale_cuda=-2:%d:interp_algo=lanczos", height),
			"hwdownload",
			"format=nv12",
		}
	case domain.UpscalePortableAI:
		return []string{fmt.Sprintf("libplacebo=w=-2:h=%d:upscaler=ewa_lanczossharp", height)}
	default:
		return []string{fmt.Sprintf("scale=-2:%d:flags=lanczos", height)}
	}
}

func audioFilters(p domain.Params, info *domain.MediaInfo, pl *plan) []string {
	var af []string
	if p.AudioEnhance {
		af = append(af, "afftdn=nf=-25", "loudnorm=I=-16:TP=-1.5:LRA=11")
	}
	if !upmixes(p.AudioUpmix) {
		return af
	}

	channels := 0
	if info != nil {
		if as := info.AudioStream(); as != nil {
			channels = as.Channels
		}
	}
	if channels == 0 || channels > 2 {
		return af
	}
	if channels == 1 {
		af = append(af, "aformat=channel_layouts=stereo")
	}

	switch p.AudioUpmix {
	case domain.UpmixStemSeparation:
		pl.note("stem separation runs outside ffmpeg; using classic surround upmix")
		af = append(af, "surround=chl_out=5.1")
	case domain.UpmixClassicSurround:
		af = append(af, "surround=chl_out=5.1")
	case domain.UpmixSimple:
		af = append(af, "pan=5.1|FL=FL|FR=FR|FC=0.5*FL+0.5*FR|LFE=0.5*FL+0.5*FR|BL=0.7*FL|BR=0.7*FR")
	}
	return af
}

func upmixes(s domain.UpmixStrategy) bool {
	return s == domain.UpmixStemSeparation || s == domain.UpmixClassicSurround || s == domain.UpmixSimple
}

type encoder struct {
	codec  string
	hevc   bool
	family string
	global []string
}

// resolveEncoder maps an encoder choice onto the codec for this vendor.
// Hardware requests on a host without a matching encoder fall back to software.
func resolveEncoder(e domain.Encoder, vendor domain.Vendor, pl *plan) encoder {
	hevc := e.HEVC()
	if e.Hardware() {
		switch vendor {
		case domain.VendorNVIDIA:
			return encoder{codec: pick(hevc, "hevc_nvenc", "h264_nvenc"), hevc: hevc, family: "nvenc"}
		case domain.VendorAMD:
			return encoder{codec: pick(hevc, "hevc_vaapi", "h264_vaapi"), hevc: hevc, family: "vaapi",
				global: []string{"-vaapi_device", vaapiDevice}}
		case domain.VendorIntel:
			return encoder{codec: pick(hevc, "hevc_qsv", "h264_qsv"), hevc: hevc, family: "qsv"}
		}
		pl.note("no hardware encoder on this host; using software %s", pick(hevc, "HEVC", "H.264"))
	}
	return encoder{codec: pick(hevc, "libx265", "libx264"), hevc: hevc, family: "x26x"}
}

func (e encoder) filterTail(tenBit bool) []string {
	switch e.family {
	case "vaapi":
		return []string{pick(tenBit, "format=p010", "format=nv12"), "hwupload"}
	case "nvenc", "qsv":
		if tenBit {
			return []string{"format=p010le"}
		}
	default:
		if tenBit {
			return []string{"format=yuv420p10le"}
		}
	}
	return nil
}

func (e encoder) args(p domain.Params) []string {
	q, ok := qualityPresets[p.QualityTier]
	if !ok {
		q = qualityPresets[domain.QualityBalanced]
	}
	crf := strconv.Itoa(p.CRF)

	args := []string{"-c:v", e.codec}
	switch e.family {
	case "nvenc":
		args = append(args, "-preset", q.nvenc, "-rc", "vbr", "-cq", crf, "-b:v", "0")
	case "vaapi":
		args = append(args, "-rc_mode", "CQP", "-qp", crf)
	case "qsv":
		args = append(args, "-preset", q.x26x, "-global_quality", crf)
	default:
		args = append(args, "-preset", q.x26x, "-crf", crf)
	}
	return args
}

func hdrColorArgs(mode domain.HDRMode) []string {
	trc := "smpte2084"
	if mode == domain.HDRHLG {
		trc = "arib-std-b67"
	}
	return []string{"-color_primaries", "bt2020", "-color_trc", trc, "-colorspace", "bt2020nc"}
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// escapeFilterValue quotes a value for use inside a filtergraph option.
func escapeFilterValue(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}
