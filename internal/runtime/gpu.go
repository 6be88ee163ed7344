package runtime

import (
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

var (
	gpuOnce  sync.Once
	gpuCount int
)

// GPUCount probes NVML once and reports how many devices are visible to the
// host. Zero on hosts without the NVIDIA driver.
func GPUCount() int {
	gpuOnce.Do(func() {
		if ret := nvml.Init(); ret != nvml.SUCCESS {
			return
		}
		defer nvml.Shutdown()
		if count, ret := nvml.DeviceGetCount(); ret == nvml.SUCCESS {
			gpuCount = count
		}
	})
	return gpuCount
}
