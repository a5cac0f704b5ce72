// Package hardware detects the host accelerator by asking vendor tools, sysfs
// and the portable compute runtime, most specific source first.
package hardware

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bnema/restora/internal/domain"
	"github.com/bnema/restora/internal/infrastructure/logger"
	"github.com/bnema/restora/internal/port"
)

var _ port.HardwareProber = (*Prober)(nil)

// HostFacts reports logical CPUs and system memory in GB.
type HostFacts func(ctx context.Context) (threads int, memoryGB float64)

type Options struct {
	Runner CommandRunner
	// FS is rooted at "/" and used for sysfs reads.
	FS fs.FS
	// SDKPaths are files, directories or glob patterns whose presence
	// means the vendor upscaling SDK is installed.
	SDKPaths []string
	Host     HostFacts
	Clock    func() time.Time
}

type Prober struct {
	runner   CommandRunner
	fsys     fs.FS
	sdkPaths []string
	host     HostFacts
	now      func() time.Time
}

func New(opts Options) *Prober {
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	if opts.FS == nil {
		opts.FS = os.DirFS("/")
	}
	if opts.Host == nil {
		opts.Host = gopsutilHost
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Prober{
		runner:   opts.Runner,
		fsys:     opts.FS,
		sdkPaths: opts.SDKPaths,
		host:     opts.Host,
		now:      opts.Clock,
	}
}

// Probe only fails when ctx is done; a host without a usable accelerator
// yields the CPU-only snapshot.
func (p *Prober) Probe(ctx context.Context) (domain.Snapshot, error) {
	s, ok := p.probeNVIDIA(ctx)
	if !ok {
		s, ok = p.probeROCm(ctx)
	}
	if !ok {
		s, ok = p.probeSysfs(ctx)
	}
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}

	if !ok {
		s = domain.CPUOnlySnapshot()
		s.Source = "no accelerator found"
	} else {
		portable := p.probePortable(ctx)
		s.PortableCompute = portable.Available
		if s.DriverVersion == "" {
			s.DriverVersion = portable.Driver
		}
		s.VendorSDK = s.Vendor == domain.VendorNVIDIA &&
			s.Tier.Rank() >= domain.TierNvidiaTuring.Rank() &&
			p.sdkInstalled()
	}

	s.CPUThreads, s.SystemMemoryGB = p.host(ctx)
	s.DetectedAt = p.now().UTC()
	return s, nil
}

func (p *Prober) sdkInstalled() bool {
	for _, pattern := range p.sdkPaths {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if _, err := os.Stat(m); err == nil {
				return true
			}
		}
	}
	return false
}

func (p *Prober) debugf(format string, args ...any) {
	logger.Debug.Printf("hardware: "+format, args...)
}

func gopsutilHost(ctx context.Context) (int, float64) {
	threads, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		logger.Debug.Printf("hardware: cpu count: %v", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.Debug.Printf("hardware: memory: %v", err)
		return threads, 0
	}
	return threads, float64(vm.Total) / (1 << 30)
}
