package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/bnema/restora/internal/domain"
)

const EnvPrefix = "RESTORA"

const (
	BackendJSONFile = "jsonfile"
	BackendSQLite   = "sqlite"
)

type Config struct {
	DataDir string            `mapstructure:"data_dir"`
	Server  ServerConfig      `mapstructure:"server"`
	Client  ClientConfig      `mapstructure:"client"`
	Store   StoreConfig       `mapstructure:"store"`
	Queue   QueueConfig       `mapstructure:"queue"`
	Probe   ProbeConfig       `mapstructure:"probe"`
	Policy  domain.Thresholds `mapstructure:"policy"`
	Engine  EngineConfig      `mapstructure:"engine"`
	Inbox   InboxConfig       `mapstructure:"inbox"`
	Log     LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Addr        string        `mapstructure:"addr"`
	SubmitRate  float64       `mapstructure:"submit_rate"`
	SubmitBurst int           `mapstructure:"submit_burst"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	APIToken    string        `mapstructure:"api_token"`
}

type ClientConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	APIToken  string        `mapstructure:"api_token"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type QueueConfig struct {
	CancelGrace   time.Duration `mapstructure:"cancel_grace"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type ProbeConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	SDKPaths []string      `mapstructure:"sdk_paths"`
}

type EngineConfig struct {
	FFmpegPath  string        `mapstructure:"ffmpeg_path"`
	FFprobePath string        `mapstructure:"ffprobe_path"`
	ModelsDir   string        `mapstructure:"models_dir"`
	WorkDir     string        `mapstructure:"work_dir"`
	Threads     int           `mapstructure:"threads"`
	WaitDelay   time.Duration `mapstructure:"wait_delay"`
}

type InboxConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Dir     string        `mapstructure:"dir"`
	Settle  time.Duration `mapstructure:"settle"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the optional config file at path (or restora.{yaml,toml} in the
// working directory and $HOME/.config/restora) and overlays RESTORA_* variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("restora")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/restora")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrapf(err, "read config %s", v.ConfigFileUsed())
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.derivePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	t := domain.DefaultThresholds()

	v.SetDefault("data_dir", "./data")

	v.SetDefault("server.addr", "127.0.0.1:7890")
	v.SetDefault("server.submit_rate", 2.0)
	v.SetDefault("server.submit_burst", 10)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.api_token", "")

	v.SetDefault("client.server_url", "http://127.0.0.1:7890")
	v.SetDefault("client.timeout", 15*time.Second)
	v.SetDefault("client.api_token", "")

	v.SetDefault("store.backend", BackendJSONFile)
	v.SetDefault("store.path", "")

	v.SetDefault("queue.cancel_grace", 10*time.Second)
	v.SetDefault("queue.retention", 30*24*time.Hour)
	v.SetDefault("queue.prune_interval", time.Hour)

	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("probe.sdk_paths", []string{
		"/usr/local/lib/nvidia-maxine",
		"/opt/nvidia/maxine",
		"/usr/lib/x86_64-linux-gnu/libnvidia-ngx.so.1",
	})

	v.SetDefault("policy.vendor_sdk_min_vram_gb", t.VendorSDKMinVRAMGB)
	v.SetDefault("policy.best_quality_min_vram_gb", t.BestQualityMinVRAMGB)
	v.SetDefault("policy.balanced_quality_min_vram_gb", t.BalancedQualityMinVRAMGB)
	v.SetDefault("policy.face_restore_min_vram_gb", t.FaceRestoreMinVRAMGB)
	v.SetDefault("policy.stem_separation_min_vram_gb", t.StemSeparationMinVRAMGB)
	v.SetDefault("policy.surround_min_vram_gb", t.SurroundMinVRAMGB)
	v.SetDefault("policy.hevc_min_vram_gb", t.HEVCMinVRAMGB)
	v.SetDefault("policy.hevc_min_tier_rank", t.HEVCMinTierRank)
	v.SetDefault("policy.cpu_hevc_min_threads", t.CPUHEVCMinThreads)
	v.SetDefault("policy.min_hevc_driver", t.MinHEVCDriver)

	v.SetDefault("engine.ffmpeg_path", "ffmpeg")
	v.SetDefault("engine.ffprobe_path", "ffprobe")
	v.SetDefault("engine.models_dir", "")
	v.SetDefault("engine.work_dir", "")
	v.SetDefault("engine.threads", 0)
	v.SetDefault("engine.wait_delay", 5*time.Second)

	v.SetDefault("inbox.enabled", false)
	v.SetDefault("inbox.dir", "")
	v.SetDefault("inbox.settle", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func (c *Config) derivePaths() {
	if c.Store.Path == "" {
		name := "queue.json"
		if c.Store.Backend == BackendSQLite {
			name = "queue.db"
		}
		c.Store.Path = filepath.Join(c.DataDir, name)
	}
	if c.Inbox.Dir == "" {
		c.Inbox.Dir = filepath.Join(c.DataDir, "inbox")
	}
	if c.Engine.ModelsDir == "" {
		c.Engine.ModelsDir = filepath.Join(c.DataDir, "models")
	}
	if c.Engine.WorkDir == "" {
		c.Engine.WorkDir = filepath.Join(c.DataDir, "work")
	}
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendJSONFile, BackendSQLite:
	default:
		return errors.WithHintf(errors.Newf("unknown store backend %q", c.Store.Backend),
			"use %q or %q", BackendJSONFile, BackendSQLite)
	}
	if c.Probe.Timeout <= 0 {
		return errors.New("probe.timeout must be positive")
	}
	if c.Queue.CancelGrace <= 0 {
		return errors.New("queue.cancel_grace must be positive")
	}
	if c.Server.SubmitRate <= 0 || c.Server.SubmitBurst <= 0 {
		return errors.New("server.submit_rate and server.submit_burst must be positive")
	}
	if c.Policy.BalancedQualityMinVRAMGB > c.Policy.BestQualityMinVRAMGB {
		return errors.New("policy.balanced_quality_min_vram_gb exceeds policy.best_quality_min_vram_gb")
	}
	if c.Policy.SurroundMinVRAMGB > c.Policy.StemSeparationMinVRAMGB {
		return errors.New("policy.surround_min_vram_gb exceeds policy.stem_separation_min_vram_gb")
	}
	return nil
}
