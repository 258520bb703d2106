// Package gpu probes the host GPU for identity, live metrics, and health.
//
// The primary implementation shells out to nvidia-smi. An NVML-backed probe
// is available on Linux builds with cgo, and a Fake probe serves tests.
package gpu

import (
	"context"
	"time"
)

// Health is the overall grade of a health check.
type Health string

const (
	Healthy   Health = "healthy"
	Warning   Health = "warning"
	Unhealthy Health = "unhealthy"
)

// Descriptor identifies the GPU hardware. Collected once at startup and
// sent to the central server during registration.
type Descriptor struct {
	Name              string
	UUID              string
	VRAMTotalMB       int64
	DriverVersion     string
	CUDAVersion       string
	ComputeCapability string
}

// MetricSample is one timestamped reading of the GPU's live telemetry.
// Fields the probe could not read are nil, never an error.
// ContainerStatus and UptimeHours are filled in by the caller when known;
// the probe itself only reads hardware counters.
type MetricSample struct {
	Timestamp       time.Time
	Utilization     *float64 // percent
	VRAMUsedMB      *int64
	VRAMTotalMB     *int64
	Temperature     *float64 // celsius
	PowerDraw       *float64 // watts
	FanSpeed        *float64 // percent
	ContainerStatus string
	UptimeHours     *float64
}

// HealthRecord is the result of one health check: five boolean probes,
// how many failed, and the graded overall status.
type HealthRecord struct {
	Timestamp         time.Time
	Overall           Health
	DriverResponsive  bool
	TemperatureNormal bool
	PowerNormal       bool
	NoECCErrors       bool
	FanOperational    bool
	ErrorCount        int
	ErrorMessage      string
}

// Probe reads GPU state. All three calls are snapshots with hard timeouts;
// none of them mutate anything.
type Probe interface {
	// Describe returns the hardware descriptor.
	Describe(ctx context.Context) (*Descriptor, error)

	// Sample returns current telemetry. Unknown values are nil fields.
	Sample(ctx context.Context) (*MetricSample, error)

	// CheckHealth runs the five health probes and grades the result.
	CheckHealth(ctx context.Context) (*HealthRecord, error)
}

// Health check thresholds.
const (
	// MaxNormalTemperature is the temperature (celsius) at or above which
	// the temperature check fails.
	MaxNormalTemperature = 85.0

	// MaxNormalPowerDraw is the power draw (watts) at or above which the
	// power check fails.
	MaxNormalPowerDraw = 500.0
)

// Grade converts a failing-check count into the overall health status:
// 0 failures is healthy, 1-2 is warning, 3 or more is unhealthy.
func Grade(failures int) Health {
	switch {
	case failures == 0:
		return Healthy
	case failures <= 2:
		return Warning
	default:
		return Unhealthy
	}
}
