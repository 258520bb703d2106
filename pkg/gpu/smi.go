package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Timeouts for nvidia-smi invocations. A wedged driver hangs the tool, so
// every call is bounded.
const (
	describeTimeout    = 10 * time.Second
	sampleTimeout      = 5 * time.Second
	healthProbeTimeout = 2 * time.Second
)

// runFunc executes a command and returns its combined stdout. Injected in
// tests to feed canned nvidia-smi output.
type runFunc func(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error)

func runCommand(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("%s: %s", name, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}

// SMI probes the GPU by shelling out to nvidia-smi.
type SMI struct {
	binary string
	run    runFunc
}

// NewSMI creates a probe that invokes nvidia-smi from PATH.
func NewSMI() *SMI {
	return &SMI{binary: "nvidia-smi", run: runCommand}
}

// Describe queries the hardware descriptor and the CUDA version.
func (s *SMI) Describe(ctx context.Context) (*Descriptor, error) {
	out, err := s.run(ctx, describeTimeout, s.binary,
		"--query-gpu=name,memory.total,uuid,driver_version,compute_cap",
		"--format=csv,noheader")
	if err != nil {
		return nil, fmt.Errorf("failed to query gpu descriptor: %w", err)
	}

	line := strings.TrimSpace(out)
	if line == "" {
		return nil, fmt.Errorf("no gpu information returned")
	}
	// Multi-GPU hosts report one line per device; the agent manages device 0.
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}

	parts := splitCSV(line)
	if len(parts) < 5 {
		return nil, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}

	vram, err := strconv.ParseInt(strings.TrimSuffix(parts[1], " MiB"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse memory.total %q: %w", parts[1], err)
	}

	return &Descriptor{
		Name:              parts[0],
		VRAMTotalMB:       vram,
		UUID:              parts[2],
		DriverVersion:     parts[3],
		ComputeCapability: parts[4],
		CUDAVersion:       s.cudaVersion(ctx),
	}, nil
}

// cudaVersion scrapes the CUDA version from the nvidia-smi banner.
// Returns "Unknown" when it cannot be determined; registration still works.
func (s *SMI) cudaVersion(ctx context.Context) string {
	out, err := s.run(ctx, sampleTimeout, s.binary)
	if err == nil {
		for _, line := range strings.Split(out, "\n") {
			if _, after, found := strings.Cut(line, "CUDA Version:"); found {
				fields := strings.Fields(after)
				if len(fields) > 0 {
					return fields[0]
				}
			}
		}
	}
	return "Unknown"
}

// Sample reads current telemetry. Values nvidia-smi reports as N/A come
// back as nil fields.
func (s *SMI) Sample(ctx context.Context) (*MetricSample, error) {
	out, err := s.run(ctx, sampleTimeout, s.binary,
		"--query-gpu=utilization.gpu,memory.used,memory.total,temperature.gpu,power.draw,fan.speed",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("failed to sample gpu metrics: %w", err)
	}

	line := strings.TrimSpace(out)
	if line == "" {
		return nil, fmt.Errorf("no gpu metrics returned")
	}
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}

	parts := splitCSV(line)
	if len(parts) < 6 {
		return nil, fmt.Errorf("unexpected nvidia-smi output: %q", line)
	}

	return &MetricSample{
		Timestamp:   time.Now().UTC(),
		Utilization: parseFloat(parts[0]),
		VRAMUsedMB:  parseInt(parts[1]),
		VRAMTotalMB: parseInt(parts[2]),
		Temperature: parseFloat(parts[3]),
		PowerDraw:   parseFloat(parts[4]),
		FanSpeed:    parseFloat(parts[5]),
	}, nil
}

// CheckHealth runs the five health probes. Each probe is independently
// bounded so one wedged query cannot mask the others.
func (s *SMI) CheckHealth(ctx context.Context) (*HealthRecord, error) {
	rec := &HealthRecord{Timestamp: time.Now().UTC()}

	fail := func(msg string) {
		rec.ErrorCount++
		rec.ErrorMessage = msg
	}

	// Driver responsive: the bare tool exits zero.
	if _, err := s.run(ctx, healthProbeTimeout, s.binary); err != nil {
		fail(fmt.Sprintf("driver not responsive: %v", err))
	} else {
		rec.DriverResponsive = true
	}

	// Temperature below threshold.
	if temp, err := s.queryFloat(ctx, "temperature.gpu"); err != nil {
		fail(fmt.Sprintf("could not read temperature: %v", err))
	} else if temp == nil {
		fail("could not read temperature: no reading")
	} else if *temp < MaxNormalTemperature {
		rec.TemperatureNormal = true
	} else {
		fail(fmt.Sprintf("temperature too high: %.0f°C", *temp))
	}

	// Power draw below threshold.
	if power, err := s.queryFloat(ctx, "power.draw"); err != nil {
		fail(fmt.Sprintf("could not read power draw: %v", err))
	} else if power == nil {
		fail("could not read power draw: no reading")
	} else if *power < MaxNormalPowerDraw {
		rec.PowerNormal = true
	} else {
		fail(fmt.Sprintf("power draw too high: %.0fW", *power))
	}

	// Corrected volatile ECC errors. Consumer GPUs don't support the
	// counter; an unsupported or unreadable counter passes.
	if ecc, err := s.queryFloat(ctx, "ecc.errors.corrected.volatile"); err != nil || ecc == nil {
		rec.NoECCErrors = true
	} else if *ecc == 0 {
		rec.NoECCErrors = true
	} else {
		fail(fmt.Sprintf("ecc errors detected: %.0f", *ecc))
	}

	// Fan operational: any reading passes, including 0 (passive cooling)
	// and N/A. Only a failed query counts against the GPU.
	if _, err := s.queryFloat(ctx, "fan.speed"); err != nil {
		fail(fmt.Sprintf("could not read fan speed: %v", err))
	} else {
		rec.FanOperational = true
	}

	rec.Overall = Grade(rec.ErrorCount)
	return rec, nil
}

// queryFloat runs a single-field nvidia-smi query. A nil result with nil
// error means the field came back as N/A.
func (s *SMI) queryFloat(ctx context.Context, field string) (*float64, error) {
	out, err := s.run(ctx, healthProbeTimeout, s.binary,
		"--query-gpu="+field, "--format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}
	return parseFloat(strings.TrimSpace(out)), nil
}

// splitCSV splits one nvidia-smi CSV line and trims each field.
func splitCSV(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// isUnknown reports whether nvidia-smi printed a not-available marker.
func isUnknown(s string) bool {
	return s == "N/A" || s == "[N/A]" || s == ""
}

func parseFloat(s string) *float64 {
	if isUnknown(s) {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(s string) *int64 {
	if isUnknown(s) {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
