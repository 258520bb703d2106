// Package store persists the agent's authoritative local state: the GPU
// slot, deployments, and the append-only metric and health histories.
//
// Two implementations exist: Postgres for production and InMem for tests
// and development runs. The store is the source of truth at startup: the
// uuid it holds decides whether the agent registers with the central server.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tensorlend/hostagent/pkg/gpu"
)

// Sentinel errors surfaced by both implementations.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSlotBusy          = errors.New("gpu slot not available")
	ErrStatusConflict    = errors.New("gpu slot status changed concurrently")
	ErrUUIDImmutable     = errors.New("gpu uuid already set")
)

// SlotStatus is the lifecycle state of the GPU slot.
type SlotStatus string

const (
	SlotAvailable   SlotStatus = "available"
	SlotBusy        SlotStatus = "busy"
	SlotQuarantined SlotStatus = "quarantined"
	SlotOffline     SlotStatus = "offline"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	StatusDeploying   DeploymentStatus = "deploying"
	StatusRunning     DeploymentStatus = "running"
	StatusTerminating DeploymentStatus = "terminating"
	StatusTerminated  DeploymentStatus = "terminated"
	StatusCompleted   DeploymentStatus = "completed"
	StatusFailed      DeploymentStatus = "failed"
)

// Terminal reports whether the status is final. Terminal rows are
// write-once: no further patches are accepted.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusTerminated, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// legalFrom maps a target status to the statuses allowed to move there.
var legalFrom = map[DeploymentStatus][]DeploymentStatus{
	StatusRunning:     {StatusDeploying},
	StatusTerminating: {StatusDeploying, StatusRunning},
	StatusTerminated:  {StatusTerminating},
	StatusCompleted:   {StatusTerminating},
	StatusFailed:      {StatusDeploying, StatusRunning, StatusTerminating},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to DeploymentStatus) bool {
	for _, f := range legalFrom[to] {
		if f == from {
			return true
		}
	}
	return false
}

// GPUSlot is the singleton row describing this host's GPU: identity,
// reachability, lifecycle status, health bookkeeping, and a mirror of the
// latest telemetry sample.
type GPUSlot struct {
	SlotID              string     `db:"slot_id"`
	UUID                string     `db:"uuid"`
	Name                string     `db:"name"`
	DriverVersion       string     `db:"driver_version"`
	CUDAVersion         string     `db:"cuda_version"`
	ComputeCapability   string     `db:"compute_capability"`
	VRAMTotalMB         int64      `db:"vram_total_mb"`
	PublicIP            string     `db:"public_ip"`
	SSHPort             int        `db:"ssh_port"`
	RentalPort1         int        `db:"rental_port_1"`
	RentalPort2         int        `db:"rental_port_2"`
	Status              SlotStatus `db:"status"`
	Healthy             bool       `db:"healthy"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
	LastHealthCheck     *time.Time `db:"last_health_check"`
	CurrentDeploymentID *string    `db:"current_deployment_id"`

	// Telemetry mirror, refreshed by the sample loop.
	Utilization *float64 `db:"gpu_utilization"`
	VRAMUsedMB  *int64   `db:"vram_used_mb"`
	Temperature *float64 `db:"temperature_celsius"`
	PowerDraw   *float64 `db:"power_draw_watts"`
	FanSpeed    *float64 `db:"fan_speed_percent"`

	UpdatedAt time.Time `db:"updated_at"`
}

// Deployment is one tenant workload on the slot. DeploymentID equals the
// server command id that created it, which makes command replays idempotent.
type Deployment struct {
	DeploymentID    string           `db:"deployment_id"`
	SlotID          string           `db:"slot_id"`
	Template        string           `db:"template"`
	Image           string           `db:"image"`
	UserID          string           `db:"user_id"`
	ContainerID     string           `db:"container_id"`
	Status          DeploymentStatus `db:"status"`
	StartTime       time.Time        `db:"start_time"`
	DurationMinutes int              `db:"duration_minutes"`
	SSHPort         int              `db:"ssh_port"`
	RentalPort1     int              `db:"rental_port_1"`
	RentalPort2     int              `db:"rental_port_2"`
	SSHUsername     string           `db:"ssh_username"`
	SSHPassword     string           `db:"ssh_password"`
	Reason          string           `db:"reason"`
	CreatedAt       time.Time        `db:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at"`
}

// ExpiresAt returns the moment the rental runs out.
func (d *Deployment) ExpiresAt() time.Time {
	return d.StartTime.Add(time.Duration(d.DurationMinutes) * time.Minute)
}

// Telemetry is the narrow set of slot fields the sample loop may touch.
// Keeping status and current_deployment_id out of this struct is what
// guarantees the loops can never clobber the engine's slot ownership.
type Telemetry struct {
	Utilization *float64
	VRAMUsedMB  *int64
	Temperature *float64
	PowerDraw   *float64
	FanSpeed    *float64
}

// DeploymentPatch carries the optional field updates that accompany a
// status transition. Nil fields are left untouched.
type DeploymentPatch struct {
	ContainerID *string
	SSHUsername *string
	SSHPassword *string
	SSHPort     *int
	RentalPort1 *int
	RentalPort2 *int
	Reason      *string
}

// Store is the persistence interface for the agent.
type Store interface {
	// EnsureSlot inserts the slot row if absent and refreshes its
	// descriptor and network fields if present. Never touches status,
	// uuid, health bookkeeping, or the current deployment.
	EnsureSlot(ctx context.Context, slot *GPUSlot) error

	// GetSlot returns the slot row.
	GetSlot(ctx context.Context, slotID string) (*GPUSlot, error)

	// SetSlotUUID records the server-assigned GPU uuid. Write-once:
	// setting a different uuid after one is stored fails with
	// ErrUUIDImmutable. Re-setting the same value is a no-op.
	SetSlotUUID(ctx context.Context, slotID, uuid string) error

	// ChangeSlotStatus moves the slot from → to (quarantine, recovery,
	// offline). Fails with ErrStatusConflict when the current status is
	// not `from`, so a busy slot can never be clobbered.
	ChangeSlotStatus(ctx context.Context, slotID string, from, to SlotStatus) error

	// UpdateSlotTelemetry refreshes the telemetry mirror only.
	UpdateSlotTelemetry(ctx context.Context, slotID string, t Telemetry) error

	// UpdateSlotHealth records a health check outcome: healthy resets
	// consecutive_failures, unhealthy increments it. Returns the new
	// failure count.
	UpdateSlotHealth(ctx context.Context, slotID string, healthy bool, at time.Time) (int, error)

	// AcquireSlot atomically claims the slot for a deployment. Succeeds
	// only when status is available, the slot is healthy, and no
	// deployment holds it; otherwise ErrSlotBusy.
	AcquireSlot(ctx context.Context, slotID, deploymentID string) error

	// ReleaseSlot clears the current deployment and, if the slot was
	// busy, returns it to available. Idempotent.
	ReleaseSlot(ctx context.Context, slotID string) error

	// CreateDeployment inserts a new deployment row. Fails with
	// ErrAlreadyExists on id collision.
	CreateDeployment(ctx context.Context, d *Deployment) error

	// GetDeployment returns a deployment by id.
	GetDeployment(ctx context.Context, id string) (*Deployment, error)

	// UpdateDeploymentStatus applies a guarded status transition plus
	// the optional patch. Illegal moves fail with ErrInvalidTransition;
	// terminal rows are immutable.
	UpdateDeploymentStatus(ctx context.Context, id string, to DeploymentStatus, patch *DeploymentPatch) error

	// ListExpired returns deployments whose rental has run out and are
	// still deploying or running, ordered by expiry then id.
	ListExpired(ctx context.Context, now time.Time) ([]*Deployment, error)

	// ListNonTerminal returns every deployment not in a terminal state.
	// Used by startup reconciliation.
	ListNonTerminal(ctx context.Context) ([]*Deployment, error)

	// AppendMetric appends a telemetry sample to the history.
	AppendMetric(ctx context.Context, slotID string, sample *gpu.MetricSample, deploymentID *string) error

	// AppendHealth appends a health record to the history.
	AppendHealth(ctx context.Context, slotID string, rec *gpu.HealthRecord) error

	Close() error
}
