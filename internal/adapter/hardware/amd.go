package hardware

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/bnema/restora/internal/domain"
)

var rocmQuery = []string{"--showproductname", "--showmeminfo", "vram", "--showdriverversion", "--json"}

func (p *Prober) probeROCm(ctx context.Context) (domain.Snapshot, bool) {
	out, err := p.runner.Run(ctx, "rocm-smi", rocmQuery...)
	if err != nil {
		p.debugf("rocm-smi unavailable: %v", err)
		return domain.Snapshot{}, false
	}
	s, err := parseROCmSMI(out)
	if err != nil {
		p.debugf("rocm-smi output not understood: %v", err)
		return domain.Snapshot{}, false
	}
	s.Source = "rocm-smi"
	return s, true
}

// parseROCmSMI picks the card with the most VRAM. Key spelling differs
// between ROCm releases, so fields are matched by substring.
func parseROCmSMI(out []byte) (domain.Snapshot, error) {
	var doc map[string]map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		return domain.Snapshot{}, errors.Wrap(err, "parse rocm-smi json")
	}

	driver := lookup(doc["system"], "driver version")
	cards := make([]string, 0, len(doc))
	for key := range doc {
		if strings.HasPrefix(strings.ToLower(key), "card") {
			cards = append(cards, key)
		}
	}
	slices.Sort(cards)

	var best domain.Snapshot
	found := false
	for _, key := range cards {
		fields := doc[key]
		name := lookup(fields, "card series", "product name", "card model")
		vram, _ := strconv.ParseFloat(lookup(fields, "vram total memory"), 64)
		generation := lookup(fields, "gfx version", "target graphics version")
		if generation == "" {
			generation = name
		}
		d := lookup(fields, "driver version")
		if d == "" {
			d = driver
		}

		s := domain.Snapshot{
			Vendor:         domain.VendorAMD,
			Tier:           domain.ClassifyTier(domain.VendorAMD, generation),
			Name:           name,
			VRAMGB:         vram / (1 << 30),
			DriverVersion:  d,
			HardwareEncode: true,
			GeneralCompute: true,
		}
		if !found || s.VRAMGB > best.VRAMGB {
			best, found = s, true
		}
	}
	if !found {
		return domain.Snapshot{}, errors.New("rocm-smi reported no cards")
	}
	return best, nil
}

func lookup(fields map[string]any, names ...string) string {
	for _, name := range names {
		for k, v := range fields {
			if strings.Contains(strings.ToLower(k), name) {
				switch val := v.(type) {
				case string:
					return strings.TrimSpace(val)
				case float64:
					return strconv.FormatFloat(val, 'f', -1, 64)
				}
			}
		}
	}
	return ""
}
