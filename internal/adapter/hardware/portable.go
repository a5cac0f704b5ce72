package hardware

import (
	"regexp"
	"strings"
)

var versionToken = regexp.MustCompile(`\d+(?:\.\d+){0,2}`)

// portableInfo describes the best non-CPU device a portable compute API exposes.
type portableInfo struct {
	Available bool
	Device    string
	Driver    string
}

// parseVulkanSummary reads `vulkaninfo --summary`. Software rasterisers report
// PHYSICAL_DEVICE_TYPE_CPU and are ignored.
func parseVulkanSummary(out []byte) portableInfo {
	var best portableInfo
	var cur struct {
		name, driver, kind string
	}
	flush := func() {
		if cur.kind == "" || strings.Contains(cur.kind, "CPU") {
			cur.name, cur.driver, cur.kind = "", "", ""
			return
		}
		candidate := portableInfo{Available: true, Device: cur.name, Driver: cur.driver}
		if !best.Available || strings.Contains(cur.kind, "DISCRETE") {
			best = candidate
		}
		cur.name, cur.driver, cur.kind = "", "", ""
	}

	for line := range strings.Lines(string(out)) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			if strings.HasPrefix(strings.TrimSpace(line), "GPU") {
				flush()
			}
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "deviceType":
			cur.kind = value
		case "deviceName":
			cur.name = value
		case "driverInfo":
			cur.driver = versionToken.FindString(value)
		}
	}
	flush()
	return best
}
