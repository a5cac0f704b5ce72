package domain

type UpscaleEngine string

const (
	UpscaleAuto       UpscaleEngine = "auto"
	UpscaleVendorSDK  UpscaleEngine = "vendor-sdk"
	UpscalePortableAI UpscaleEngine = "portable-ai-upscaler"
	UpscaleCPUFilter  UpscaleEngine = "cpu-filter"
)

type Encoder string

const (
	EncoderAuto   Encoder = "auto"
	EncoderHWHEVC Encoder = "hw-hevc"
	EncoderHWH264 Encoder = "hw-h264"
	EncoderSWHEVC Encoder = "sw-hevc"
	EncoderSWH264 Encoder = "sw-h264"
)

// Hardware reports whether the encoder runs on the accelerator.
func (e Encoder) Hardware() bool {
	return e == EncoderHWHEVC || e == EncoderHWH264
}

// HEVC reports whether the encoder produces H.265.
func (e Encoder) HEVC() bool {
	return e == EncoderHWHEVC || e == EncoderSWHEVC
}

type QualityTier string

const (
	QualityAuto     QualityTier = "auto"
	QualityBest     QualityTier = "best"
	QualityBalanced QualityTier = "balanced"
	QualityGood     QualityTier = "good"
)

type UpmixStrategy string

const (
	UpmixAuto            UpmixStrategy = "auto"
	UpmixStemSeparation  UpmixStrategy = "stem-separation"
	UpmixClassicSurround UpmixStrategy = "classic-surround"
	UpmixSimple          UpmixStrategy = "simple"
	UpmixNone            UpmixStrategy = "none"
)

// Recommendation is the processing configuration derived from a Snapshot.
type Recommendation struct {
	UpscaleEngine      UpscaleEngine `json:"upscale_engine"`
	Encoder            Encoder       `json:"encoder"`
	QualityTier        QualityTier   `json:"quality_tier"`
	FaceRestoreEnabled bool          `json:"face_restore_enabled"`
	AudioUpmix         UpmixStrategy `json:"audio_upmix_strategy"`
	Warnings           []string      `json:"warnings"`
	Explanation        string        `json:"explanation"`
}

// Thresholds are the policy knobs of the configuration engine. Each one
// gates exactly one output field.
type Thresholds struct {
	VendorSDKMinVRAMGB       float64           `mapstructure:"vendor_sdk_min_vram_gb" json:"vendor_sdk_min_vram_gb"`
	BestQualityMinVRAMGB     float64           `mapstructure:"best_quality_min_vram_gb" json:"best_quality_min_vram_gb"`
	BalancedQualityMinVRAMGB float64           `mapstructure:"balanced_quality_min_vram_gb" json:"balanced_quality_min_vram_gb"`
	FaceRestoreMinVRAMGB     float64           `mapstructure:"face_restore_min_vram_gb" json:"face_restore_min_vram_gb"`
	StemSeparationMinVRAMGB  float64           `mapstructure:"stem_separation_min_vram_gb" json:"stem_separation_min_vram_gb"`
	SurroundMinVRAMGB        float64           `mapstructure:"surround_min_vram_gb" json:"surround_min_vram_gb"`
	HEVCMinVRAMGB            float64           `mapstructure:"hevc_min_vram_gb" json:"hevc_min_vram_gb"`
	HEVCMinTierRank          int               `mapstructure:"hevc_min_tier_rank" json:"hevc_min_tier_rank"`
	CPUHEVCMinThreads        int               `mapstructure:"cpu_hevc_min_threads" json:"cpu_hevc_min_threads"`
	MinHEVCDriver            map[string]string `mapstructure:"min_hevc_driver" json:"min_hevc_driver"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		VendorSDKMinVRAMGB:       12,
		BestQualityMinVRAMGB:     10,
		BalancedQualityMinVRAMGB: 6,
		FaceRestoreMinVRAMGB:     8,
		StemSeparationMinVRAMGB:  12,
		SurroundMinVRAMGB:        4,
		HEVCMinVRAMGB:            6,
		HEVCMinTierRank:          RankMid,
		CPUHEVCMinThreads:        8,
		MinHEVCDriver: map[string]string{
			string(VendorNVIDIA): "470.0.0",
			string(VendorAMD):    "5.0.0",
			string(VendorIntel):  "1.0.0",
		},
	}
}
