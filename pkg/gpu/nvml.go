//go:build linux && cgo

package gpu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVML probes the GPU through NVIDIA's management library instead of
// shelling out. Offered as an opt-in backend on hosts where the library is
// present; the SMI probe remains the default.
type NVML struct {
	mu          sync.Mutex
	initialized bool
}

// NewNVML creates an NVML-backed probe. Callers should check
// IsNVMLAvailable first.
func NewNVML() *NVML {
	return &NVML{}
}

// Init initializes the NVML library.
func (n *NVML) Init() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.initialized {
		return fmt.Errorf("already initialized")
	}
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("failed to initialize NVML: %v", nvml.ErrorString(ret))
	}
	n.initialized = true
	return nil
}

// Shutdown releases the NVML library.
func (n *NVML) Shutdown() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return fmt.Errorf("not initialized")
	}
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("failed to shutdown NVML: %v", nvml.ErrorString(ret))
	}
	n.initialized = false
	return nil
}

func (n *NVML) device() (nvml.Device, error) {
	n.mu.Lock()
	initialized := n.initialized
	n.mu.Unlock()

	if !initialized {
		return nil, fmt.Errorf("not initialized")
	}
	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device handle: %v", nvml.ErrorString(ret))
	}
	return device, nil
}

// Describe returns the hardware descriptor for device 0.
func (n *NVML) Describe(ctx context.Context) (*Descriptor, error) {
	device, err := n.device()
	if err != nil {
		return nil, err
	}

	uuid, ret := device.GetUUID()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device UUID: %v", nvml.ErrorString(ret))
	}
	name, ret := device.GetName()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device name: %v", nvml.ErrorString(ret))
	}
	memory, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get memory info: %v", nvml.ErrorString(ret))
	}
	driver, ret := nvml.SystemGetDriverVersion()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get driver version: %v", nvml.ErrorString(ret))
	}

	desc := &Descriptor{
		Name:          name,
		UUID:          uuid,
		VRAMTotalMB:   int64(memory.Total / (1024 * 1024)),
		DriverVersion: driver,
		CUDAVersion:   "Unknown",
	}

	if cuda, ret := nvml.SystemGetCudaDriverVersion(); ret == nvml.SUCCESS {
		desc.CUDAVersion = fmt.Sprintf("%d.%d", cuda/1000, (cuda%1000)/10)
	}
	if major, minor, ret := device.GetCudaComputeCapability(); ret == nvml.SUCCESS {
		desc.ComputeCapability = fmt.Sprintf("%d.%d", major, minor)
	}

	return desc, nil
}

// Sample reads current telemetry for device 0.
func (n *NVML) Sample(ctx context.Context) (*MetricSample, error) {
	device, err := n.device()
	if err != nil {
		return nil, err
	}

	sample := &MetricSample{Timestamp: time.Now().UTC()}

	if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
		v := float64(util.Gpu)
		sample.Utilization = &v
	}
	if memory, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
		used := int64(memory.Used / (1024 * 1024))
		total := int64(memory.Total / (1024 * 1024))
		sample.VRAMUsedMB = &used
		sample.VRAMTotalMB = &total
	}
	if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		v := float64(temp)
		sample.Temperature = &v
	}
	if power, ret := device.GetPowerUsage(); ret == nvml.SUCCESS {
		v := float64(power) / 1000.0 // milliwatts to watts
		sample.PowerDraw = &v
	}
	if fan, ret := device.GetFanSpeed(); ret == nvml.SUCCESS {
		v := float64(fan)
		sample.FanSpeed = &v
	}

	return sample, nil
}

// CheckHealth runs the five health probes through NVML.
func (n *NVML) CheckHealth(ctx context.Context) (*HealthRecord, error) {
	rec := &HealthRecord{Timestamp: time.Now().UTC()}

	fail := func(msg string) {
		rec.ErrorCount++
		rec.ErrorMessage = msg
	}

	device, err := n.device()
	if err != nil {
		// Nothing else can be probed without a handle.
		rec.ErrorCount = 5
		rec.ErrorMessage = fmt.Sprintf("driver not responsive: %v", err)
		rec.Overall = Grade(rec.ErrorCount)
		return rec, nil
	}
	rec.DriverResponsive = true

	if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); ret != nvml.SUCCESS {
		fail(fmt.Sprintf("could not read temperature: %v", nvml.ErrorString(ret)))
	} else if float64(temp) < MaxNormalTemperature {
		rec.TemperatureNormal = true
	} else {
		fail(fmt.Sprintf("temperature too high: %d°C", temp))
	}

	if power, ret := device.GetPowerUsage(); ret != nvml.SUCCESS {
		fail(fmt.Sprintf("could not read power draw: %v", nvml.ErrorString(ret)))
	} else if float64(power)/1000.0 < MaxNormalPowerDraw {
		rec.PowerNormal = true
	} else {
		fail(fmt.Sprintf("power draw too high: %.0fW", float64(power)/1000.0))
	}

	// Unsupported ECC counters pass, matching the SMI probe.
	if ecc, ret := device.GetTotalEccErrors(nvml.MEMORY_ERROR_TYPE_CORRECTED, nvml.VOLATILE_ECC); ret != nvml.SUCCESS {
		rec.NoECCErrors = true
	} else if ecc == 0 {
		rec.NoECCErrors = true
	} else {
		fail(fmt.Sprintf("ecc errors detected: %d", ecc))
	}

	// Any fan reading passes; ERROR_NOT_SUPPORTED covers passive boards.
	if _, ret := device.GetFanSpeed(); ret == nvml.SUCCESS || ret == nvml.ERROR_NOT_SUPPORTED {
		rec.FanOperational = true
	} else {
		fail(fmt.Sprintf("could not read fan speed: %v", nvml.ErrorString(ret)))
	}

	rec.Overall = Grade(rec.ErrorCount)
	return rec, nil
}

// IsNVMLAvailable checks whether the NVML library can be loaded. Used to
// decide between the NVML and SMI probes.
func IsNVMLAvailable() bool {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return false
	}
	nvml.Shutdown()
	return true
}
