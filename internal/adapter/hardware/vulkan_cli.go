//go:build !vulkan

package hardware

import "context"

// probePortable shells out to vulkaninfo when the native binding is not compiled in.
func (p *Prober) probePortable(ctx context.Context) portableInfo {
	out, err := p.runner.Run(ctx, "vulkaninfo", "--summary")
	if err != nil {
		p.debugf("vulkaninfo unavailable: %v", err)
		return portableInfo{}
	}
	return parseVulkanSummary(out)
}
