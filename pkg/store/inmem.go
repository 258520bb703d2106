package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tensorlend/hostagent/pkg/gpu"
)

// InMem is an in-memory implementation of Store. Suitable for testing and
// development runs without a PostgreSQL instance.
type InMem struct {
	mu          sync.RWMutex
	slots       map[string]*GPUSlot
	deployments map[string]*Deployment
	metrics     map[string][]*gpu.MetricSample
	health      map[string][]*gpu.HealthRecord
}

// NewInMem creates an empty in-memory store.
func NewInMem() *InMem {
	return &InMem{
		slots:       make(map[string]*GPUSlot),
		deployments: make(map[string]*Deployment),
		metrics:     make(map[string][]*gpu.MetricSample),
		health:      make(map[string][]*gpu.HealthRecord),
	}
}

func (m *InMem) EnsureSlot(ctx context.Context, slot *GPUSlot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.slots[slot.SlotID]
	if !ok {
		cp := *slot
		if cp.Status == "" {
			cp.Status = SlotAvailable
		}
		cp.UpdatedAt = time.Now().UTC()
		m.slots[slot.SlotID] = &cp
		return nil
	}

	existing.Name = slot.Name
	existing.DriverVersion = slot.DriverVersion
	existing.CUDAVersion = slot.CUDAVersion
	existing.ComputeCapability = slot.ComputeCapability
	existing.VRAMTotalMB = slot.VRAMTotalMB
	existing.PublicIP = slot.PublicIP
	existing.SSHPort = slot.SSHPort
	existing.RentalPort1 = slot.RentalPort1
	existing.RentalPort2 = slot.RentalPort2
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMem) GetSlot(ctx context.Context, slotID string) (*GPUSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slot, ok := m.slots[slotID]
	if !ok {
		return nil, fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	cp := *slot
	return &cp, nil
}

func (m *InMem) SetSlotUUID(ctx context.Context, slotID, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[slotID]
	if !ok {
		return fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	if slot.UUID != "" && slot.UUID != uuid {
		return fmt.Errorf("slot %s has uuid %s: %w", slotID, slot.UUID, ErrUUIDImmutable)
	}
	slot.UUID = uuid
	slot.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMem) ChangeSlotStatus(ctx context.Context, slotID string, from, to SlotStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[slotID]
	if !ok {
		return fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	if slot.Status != from {
		return fmt.Errorf("slot %s is %s, not %s: %w", slotID, slot.Status, from, ErrStatusConflict)
	}
	slot.Status = to
	slot.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMem) UpdateSlotTelemetry(ctx context.Context, slotID string, t Telemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[slotID]
	if !ok {
		return fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	slot.Utilization = t.Utilization
	slot.VRAMUsedMB = t.VRAMUsedMB
	slot.Temperature = t.Temperature
	slot.PowerDraw = t.PowerDraw
	slot.FanSpeed = t.FanSpeed
	slot.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMem) UpdateSlotHealth(ctx context.Context, slotID string, healthy bool, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[slotID]
	if !ok {
		return 0, fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	if healthy {
		slot.ConsecutiveFailures = 0
	} else {
		slot.ConsecutiveFailures++
	}
	slot.Healthy = healthy
	slot.LastHealthCheck = &at
	slot.UpdatedAt = time.Now().UTC()
	return slot.ConsecutiveFailures, nil
}

func (m *InMem) AcquireSlot(ctx context.Context, slotID, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[slotID]
	if !ok {
		return fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	if slot.Status != SlotAvailable || !slot.Healthy || slot.CurrentDeploymentID != nil {
		return fmt.Errorf("slot %s is %s: %w", slotID, slot.Status, ErrSlotBusy)
	}
	slot.Status = SlotBusy
	slot.CurrentDeploymentID = &deploymentID
	slot.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMem) ReleaseSlot(ctx context.Context, slotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[slotID]
	if !ok {
		return fmt.Errorf("slot %s: %w", slotID, ErrNotFound)
	}
	slot.CurrentDeploymentID = nil
	if slot.Status == SlotBusy {
		slot.Status = SlotAvailable
	}
	slot.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMem) CreateDeployment(ctx context.Context, d *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deployments[d.DeploymentID]; ok {
		return fmt.Errorf("deployment %s: %w", d.DeploymentID, ErrAlreadyExists)
	}
	cp := *d
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.deployments[d.DeploymentID] = &cp
	return nil
}

func (m *InMem) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (m *InMem) UpdateDeploymentStatus(ctx context.Context, id string, to DeploymentStatus, patch *DeploymentPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deployments[id]
	if !ok {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("deployment %s: %s -> %s: %w", id, d.Status, to, ErrInvalidTransition)
	}

	d.Status = to
	if patch != nil {
		if patch.ContainerID != nil {
			d.ContainerID = *patch.ContainerID
		}
		if patch.SSHUsername != nil {
			d.SSHUsername = *patch.SSHUsername
		}
		if patch.SSHPassword != nil {
			d.SSHPassword = *patch.SSHPassword
		}
		if patch.SSHPort != nil {
			d.SSHPort = *patch.SSHPort
		}
		if patch.RentalPort1 != nil {
			d.RentalPort1 = *patch.RentalPort1
		}
		if patch.RentalPort2 != nil {
			d.RentalPort2 = *patch.RentalPort2
		}
		if patch.Reason != nil {
			d.Reason = *patch.Reason
		}
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *InMem) ListExpired(ctx context.Context, now time.Time) ([]*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*Deployment
	for _, d := range m.deployments {
		if d.Status != StatusDeploying && d.Status != StatusRunning {
			continue
		}
		if d.ExpiresAt().After(now) {
			continue
		}
		cp := *d
		expired = append(expired, &cp)
	}

	sort.Slice(expired, func(i, j int) bool {
		ei, ej := expired[i].ExpiresAt(), expired[j].ExpiresAt()
		if ei.Equal(ej) {
			return expired[i].DeploymentID < expired[j].DeploymentID
		}
		return ei.Before(ej)
	})
	return expired, nil
}

func (m *InMem) ListNonTerminal(ctx context.Context) ([]*Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Deployment
	for _, d := range m.deployments {
		if d.Status.Terminal() {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeploymentID < out[j].DeploymentID
	})
	return out, nil
}

func (m *InMem) AppendMetric(ctx context.Context, slotID string, sample *gpu.MetricSample, deploymentID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sample
	m.metrics[slotID] = append(m.metrics[slotID], &cp)
	return nil
}

func (m *InMem) AppendHealth(ctx context.Context, slotID string, rec *gpu.HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.health[slotID] = append(m.health[slotID], &cp)
	return nil
}

// Metrics returns the recorded samples for a slot. Test helper.
func (m *InMem) Metrics(slotID string) []*gpu.MetricSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*gpu.MetricSample(nil), m.metrics[slotID]...)
}

// HealthHistory returns the recorded health checks for a slot. Test helper.
func (m *InMem) HealthHistory(slotID string) []*gpu.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*gpu.HealthRecord(nil), m.health[slotID]...)
}

func (m *InMem) Close() error {
	return nil
}
