//go:build vulkan

package hardware

import (
	"context"
	"fmt"

	vk "github.com/darkace1998/golang-vulkan-api"
)

const (
	vkDeviceDiscrete   = 1
	vkDeviceIntegrated = 2
	vkVendorNVIDIA     = 0x10DE
)

// probePortable enumerates Vulkan devices in-process and prefers a discrete
// GPU with a compute queue.
func (p *Prober) probePortable(_ context.Context) (info portableInfo) {
	defer func() {
		if r := recover(); r != nil {
			p.debugf("vulkan probe panicked: %v", r)
			info = portableInfo{}
		}
	}()

	instance, err := vk.CreateInstance(&vk.InstanceCreateInfo{
		ApplicationInfo: &vk.ApplicationInfo{
			ApplicationName:    "restora",
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			EngineName:         "restora",
			EngineVersion:      vk.MakeVersion(1, 0, 0),
			APIVersion:         vk.Version13,
		},
	})
	if err != nil {
		p.debugf("vulkan instance: %v", err)
		return portableInfo{}
	}
	defer vk.DestroyInstance(instance)

	devices, err := vk.EnumeratePhysicalDevices(instance)
	if err != nil {
		p.debugf("vulkan devices: %v", err)
		return portableInfo{}
	}

	for _, dev := range devices {
		props := vk.GetPhysicalDeviceProperties(dev)
		if props.DeviceType != vkDeviceDiscrete && props.DeviceType != vkDeviceIntegrated {
			continue
		}
		compute := false
		for _, qf := range vk.GetPhysicalDeviceQueueFamilyProperties(dev) {
			if qf.QueueFlags&vk.QueueComputeBit != 0 {
				compute = true
				break
			}
		}
		if !compute {
			continue
		}
		candidate := portableInfo{Available: true, Device: props.DeviceName, Driver: vulkanDriverVersion(uint32(props.VendorID), uint32(props.DriverVersion))}
		if !info.Available || props.DeviceType == vkDeviceDiscrete {
			info = candidate
		}
	}
	return info
}

// NVIDIA packs its driver version as 10.8.8.6 bits; everyone else uses the
// standard Vulkan encoding.
func vulkanDriverVersion(vendorID, raw uint32) string {
	if vendorID == vkVendorNVIDIA {
		return fmt.Sprintf("%d.%d.%d", (raw>>22)&0x3FF, (raw>>14)&0xFF, (raw>>6)&0xFF)
	}
	return fmt.Sprintf("%d.%d.%d", raw>>22, (raw>>12)&0x3FF, raw&0xFFF)
}
