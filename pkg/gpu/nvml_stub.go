//go:build !(linux && cgo)

package gpu

import (
	"context"
	"fmt"
)

func IsNVMLAvailable() bool { return false }

// NVML is unavailable on non-Linux or CGO-disabled builds. The stub keeps
// probe selection compiling everywhere; IsNVMLAvailable() never lets it run.
type NVML struct{}

func NewNVML() *NVML { return &NVML{} }

func (*NVML) Init() error     { return fmt.Errorf("nvml not available on this platform") }
func (*NVML) Shutdown() error { return fmt.Errorf("nvml not available on this platform") }

func (*NVML) Describe(ctx context.Context) (*Descriptor, error) {
	return nil, fmt.Errorf("nvml not available on this platform")
}

func (*NVML) Sample(ctx context.Context) (*MetricSample, error) {
	return nil, fmt.Errorf("nvml not available on this platform")
}

func (*NVML) CheckHealth(ctx context.Context) (*HealthRecord, error) {
	return nil, fmt.Errorf("nvml not available on this platform")
}
