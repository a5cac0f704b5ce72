package domain

import "time"

// EngineDefaults are the host-level settings merged with a job before it is
// handed to the processing collaborator.
type EngineDefaults struct {
	FFmpegPath  string   `json:"ffmpeg_path"`
	FFprobePath string   `json:"ffprobe_path"`
	ModelsDir   string   `json:"models_dir"`
	WorkDir     string   `json:"work_dir"`
	Threads     int      `json:"threads"`
	Vendor      Vendor   `json:"vendor"`
	Tier        Tier     `json:"tier"`
	ExtraArgs   []string `json:"extra_args,omitempty"`
}

// ProcessRequest is a fully resolved unit of work.
type ProcessRequest struct {
	Job      *Job           `json:"job"`
	Defaults EngineDefaults `json:"defaults"`
}

// ProcessResult is what the collaborator reports on success.
type ProcessResult struct {
	OutputPath string        `json:"output_path"`
	Duration   time.Duration `json:"duration"`
}
