package hardware

import (
	"context"
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/bnema/restora/internal/domain"
)

var nvidiaQuery = []string{
	"--query-gpu=name,memory.total,compute_cap,driver_version",
	"--format=csv,noheader,nounits",
}

// Drivers older than 510 reject the compute_cap field.
var nvidiaLegacyQuery = []string{
	"--query-gpu=name,memory.total,driver_version",
	"--format=csv,noheader,nounits",
}

func (p *Prober) probeNVIDIA(ctx context.Context) (domain.Snapshot, bool) {
	out, err := p.runner.Run(ctx, "nvidia-smi", nvidiaQuery...)
	legacy := false
	if err != nil && !errors.Is(err, errToolMissing) && ctx.Err() == nil {
		out, err = p.runner.Run(ctx, "nvidia-smi", nvidiaLegacyQuery...)
		legacy = true
	}
	if err != nil {
		p.debugf("nvidia-smi unavailable: %v", err)
		return domain.Snapshot{}, false
	}

	gpus, err := parseNVIDIASMI(out, legacy)
	if err != nil || len(gpus) == 0 {
		p.debugf("nvidia-smi output not understood: %v", err)
		return domain.Snapshot{}, false
	}
	best := gpus[0]
	for _, g := range gpus[1:] {
		if g.VRAMGB > best.VRAMGB {
			best = g
		}
	}
	best.Source = "nvidia-smi"
	return best, true
}

// parseNVIDIASMI reads one GPU per CSV line. Memory is reported in MiB.
func parseNVIDIASMI(out []byte, legacy bool) ([]domain.Snapshot, error) {
	r := csv.NewReader(strings.NewReader(string(out)))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "parse nvidia-smi csv")
	}

	want := 4
	if legacy {
		want = 3
	}
	var gpus []domain.Snapshot
	for _, rec := range records {
		if len(rec) < want {
			continue
		}
		name := strings.TrimSpace(rec[0])
		mib, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			continue
		}

		generation, driver := name, strings.TrimSpace(rec[2])
		if !legacy {
			if cc := strings.TrimSpace(rec[2]); cc != "" && cc != "[N/A]" {
				generation = cc
			}
			driver = strings.TrimSpace(rec[3])
		}

		gpus = append(gpus, domain.Snapshot{
			Vendor:         domain.VendorNVIDIA,
			Tier:           domain.ClassifyTier(domain.VendorNVIDIA, generation),
			Name:           name,
			VRAMGB:         mib / 1024,
			DriverVersion:  driver,
			HardwareEncode: true,
			GeneralCompute: true,
		})
	}
	return gpus, nil
}
