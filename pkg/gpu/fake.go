package gpu

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory probe for tests and development runs on hosts
// without a GPU.
type Fake struct {
	mu          sync.Mutex
	desc        Descriptor
	sample      MetricSample
	health      HealthRecord
	describeErr error
	sampleErr   error
	healthErr   error
}

// NewFake creates a fake probe reporting a healthy consumer GPU.
func NewFake() *Fake {
	util, vramUsed, vramTotal := 12.0, int64(1024), int64(24576)
	temp, power, fan := 41.0, 87.5, 30.0
	return &Fake{
		desc: Descriptor{
			Name:              "NVIDIA GeForce RTX 4090",
			UUID:              "GPU-fa11ba11-0000-0000-0000-000000000000",
			VRAMTotalMB:       24576,
			DriverVersion:     "550.54.14",
			CUDAVersion:       "12.4",
			ComputeCapability: "8.9",
		},
		sample: MetricSample{
			Utilization: &util,
			VRAMUsedMB:  &vramUsed,
			VRAMTotalMB: &vramTotal,
			Temperature: &temp,
			PowerDraw:   &power,
			FanSpeed:    &fan,
		},
		health: HealthRecord{
			Overall:           Healthy,
			DriverResponsive:  true,
			TemperatureNormal: true,
			PowerNormal:       true,
			NoECCErrors:       true,
			FanOperational:    true,
		},
	}
}

func (f *Fake) Describe(ctx context.Context) (*Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	desc := f.desc
	return &desc, nil
}

func (f *Fake) Sample(ctx context.Context) (*MetricSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sampleErr != nil {
		return nil, f.sampleErr
	}
	sample := f.sample
	sample.Timestamp = time.Now().UTC()
	return &sample, nil
}

func (f *Fake) CheckHealth(ctx context.Context) (*HealthRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	health := f.health
	health.Timestamp = time.Now().UTC()
	return &health, nil
}

// SetDescriptor overrides the fake hardware descriptor.
func (f *Fake) SetDescriptor(d Descriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desc = d
}

// SetSample overrides the telemetry returned by Sample.
func (f *Fake) SetSample(s MetricSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sample = s
}

// SetHealth overrides the record returned by CheckHealth.
func (f *Fake) SetHealth(h HealthRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = h
}

// FailDescribe makes Describe return err (nil restores normal behavior).
func (f *Fake) FailDescribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describeErr = err
}

// FailSample makes Sample return err (nil restores normal behavior).
func (f *Fake) FailSample(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sampleErr = err
}

// FailHealth makes CheckHealth return err (nil restores normal behavior).
func (f *Fake) FailHealth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}
