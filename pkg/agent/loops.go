package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tensorlend/hostagent/pkg/central"
	"github.com/tensorlend/hostagent/pkg/engine"
	"github.com/tensorlend/hostagent/pkg/gpu"
	"github.com/tensorlend/hostagent/pkg/healthpolicy"
	"github.com/tensorlend/hostagent/pkg/store"
)

// sampleOnce reads GPU telemetry, appends it to the history, and refreshes
// the slot's telemetry mirror. It never touches status or ownership.
func (a *Agent) sampleOnce(ctx context.Context) error {
	sample, err := a.probe.Sample(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample gpu: %w", err)
	}
	a.setLastSample(sample)

	var deploymentID *string
	if slot, err := a.store.GetSlot(ctx, SlotID); err == nil {
		deploymentID = slot.CurrentDeploymentID
	}

	if err := a.store.AppendMetric(ctx, SlotID, sample, deploymentID); err != nil {
		return fmt.Errorf("failed to append metric: %w", err)
	}
	if err := a.store.UpdateSlotTelemetry(ctx, SlotID, store.Telemetry{
		Utilization: sample.Utilization,
		VRAMUsedMB:  sample.VRAMUsedMB,
		Temperature: sample.Temperature,
		PowerDraw:   sample.PowerDraw,
		FanSpeed:    sample.FanSpeed,
	}); err != nil {
		return fmt.Errorf("failed to update slot telemetry: %w", err)
	}
	return nil
}

// healthCheckOnce runs the health probes, updates the failure bookkeeping,
// and applies the quarantine policy. The policy only ever moves the slot
// between available and quarantined.
func (a *Agent) healthCheckOnce(ctx context.Context) error {
	rec, err := a.probe.CheckHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check gpu health: %w", err)
	}
	a.setLastHealth(rec)

	if err := a.store.AppendHealth(ctx, SlotID, rec); err != nil {
		return fmt.Errorf("failed to append health record: %w", err)
	}

	at := rec.Timestamp
	if at.IsZero() {
		at = a.clock.Now()
	}
	// Only a clean check is healthy: a warning-grade GPU must not reset
	// the failure count or stay deployable.
	healthy := rec.Overall == gpu.Healthy
	failures, err := a.store.UpdateSlotHealth(ctx, SlotID, healthy, at)
	if err != nil {
		return fmt.Errorf("failed to update slot health: %w", err)
	}

	slot, err := a.store.GetSlot(ctx, SlotID)
	if err != nil {
		return fmt.Errorf("failed to read slot: %w", err)
	}

	check := healthpolicy.Check{
		Record:              rec,
		ConsecutiveFailures: failures,
		Status:              slot.Status,
	}
	sample, _ := a.snapshotProbes()
	if sample != nil {
		if sample.Temperature != nil {
			check.Temperature = *sample.Temperature
		}
		if sample.PowerDraw != nil {
			check.Power = *sample.PowerDraw
		}
	}

	decision, err := a.policy.Evaluate(check)
	if err != nil {
		return fmt.Errorf("failed to evaluate health policy: %w", err)
	}

	switch decision.Action {
	case healthpolicy.ActionQuarantine:
		if slot.Status != store.SlotAvailable {
			return nil
		}
		if err := a.store.ChangeSlotStatus(ctx, SlotID, store.SlotAvailable, store.SlotQuarantined); err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				// The slot was taken by a deploy since we read it. A busy
				// slot is never quarantined.
				return nil
			}
			return fmt.Errorf("failed to quarantine slot: %w", err)
		}
		a.logger.Warn("slot quarantined",
			slog.String("rule", decision.Rule),
			slog.Int("consecutive_failures", failures),
		)

	case healthpolicy.ActionRecover:
		if slot.Status != store.SlotQuarantined {
			return nil
		}
		if err := a.store.ChangeSlotStatus(ctx, SlotID, store.SlotQuarantined, store.SlotAvailable); err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				return nil
			}
			return fmt.Errorf("failed to recover slot: %w", err)
		}
		a.logger.Info("slot recovered from quarantine", slog.String("rule", decision.Rule))
	}
	return nil
}

func (a *Agent) heartbeatOnce(ctx context.Context) error {
	return a.client.Heartbeat(ctx)
}

// pushMetricsOnce sends the latest GPU sample together with a system
// snapshot. Best-effort: no sample yet means nothing to push.
func (a *Agent) pushMetricsOnce(ctx context.Context) error {
	sample, _ := a.snapshotProbes()
	if sample == nil {
		return nil
	}

	snap := gpu.CollectSystemSnapshot(ctx)
	payload := &central.MetricsPayload{
		AgentID:        a.cfg.Agent.ID,
		GPUUUID:        a.gpuUUID,
		GPUUtilization: sample.Utilization,
		VRAMUsedMB:     sample.VRAMUsedMB,
		Temperature:    sample.Temperature,
		PowerDraw:      sample.PowerDraw,
		FanSpeed:       sample.FanSpeed,
		CPUUtilization: snap.CPUUtilization,
		RAMUsedGB:      snap.RAMUsedGB,
		StorageUsedGB:  snap.StorageUsedGB,
		UptimeHours:    snap.UptimeHours,
		Timestamp:      a.clock.Now().UTC().Format(time.RFC3339),
	}
	return a.client.PushMetrics(ctx, payload)
}

// pushHealthOnce sends the latest health record with the derived scores.
func (a *Agent) pushHealthOnce(ctx context.Context) error {
	sample, health := a.snapshotProbes()
	if health == nil {
		return nil
	}

	slot, err := a.store.GetSlot(ctx, SlotID)
	if err != nil {
		return fmt.Errorf("failed to read slot: %w", err)
	}

	payload := &central.HealthPayload{
		AgentID:          a.cfg.Agent.ID,
		GPUUUID:          a.gpuUUID,
		IsHealthy:        slot.Healthy,
		Status:           string(slot.Status),
		TemperatureOK:    health.TemperatureNormal,
		PowerOK:          health.PowerNormal,
		DriverOK:         health.DriverResponsive,
		ECCOK:            health.NoECCErrors,
		FanOK:            health.FanOperational,
		ErrorCount:       health.ErrorCount,
		PerformanceScore: gpu.PerformanceScore(sample, health),
		StabilityScore:   gpu.StabilityScore(health),
		Timestamp:        a.clock.Now().UTC().Format(time.RFC3339),
	}
	if slot.LastHealthCheck != nil {
		payload.LastHealthCheck = slot.LastHealthCheck.UTC().Format(time.RFC3339)
	}
	return a.client.PushHealth(ctx, payload)
}

// sweepOnce enforces rental durations: every expired deployment is handed
// to the engine's terminate path.
func (a *Agent) sweepOnce(ctx context.Context) error {
	expired, err := a.store.ListExpired(ctx, a.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to list expired deployments: %w", err)
	}

	for _, d := range expired {
		a.logger.Info("rental duration expired",
			slog.String("deployment_id", d.DeploymentID),
			slog.Int("duration_minutes", d.DurationMinutes),
		)
		if err := a.engine.Terminate(ctx, d.DeploymentID, engine.ReasonDurationExpired); err != nil {
			a.logger.Warn("failed to terminate expired deployment",
				slog.String("deployment_id", d.DeploymentID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
