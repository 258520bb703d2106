package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tensorlend/hostagent/pkg/store"
)

// reconcileOrphans brings the store and the container runtime back into
// agreement after a restart. A running container is re-adopted unchanged;
// a stopped or missing one fails its deployment. The slot is released when
// no deployment survives.
func (a *Agent) reconcileOrphans(ctx context.Context) error {
	deployments, err := a.store.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("failed to list non-terminal deployments: %w", err)
	}
	if len(deployments) == 0 {
		return nil
	}

	survivors := 0
	for _, d := range deployments {
		log := a.logger.With(
			slog.String("deployment_id", d.DeploymentID),
			slog.String("status", string(d.Status)),
		)

		if d.ContainerID == "" {
			log.Warn("orphaned deployment has no container, marking failed")
			a.failOrphan(ctx, d.DeploymentID, "no container recorded", log)
			continue
		}

		state, err := a.driver.Inspect(ctx, d.ContainerID)
		if err != nil {
			// The runtime could not answer; leave the deployment for the
			// next restart rather than guessing.
			log.Warn("failed to inspect orphan container", slog.String("error", err.Error()))
			survivors++
			continue
		}

		switch {
		case state.Exists && state.Running:
			log.Info("re-adopted running deployment")
			survivors++
		case state.Exists:
			log.Warn("orphan container stopped, removing and marking failed")
			if err := a.driver.Remove(ctx, d.ContainerID); err != nil {
				log.Warn("failed to remove stopped orphan", slog.String("error", err.Error()))
			}
			a.failOrphan(ctx, d.DeploymentID, "container stopped while agent was down", log)
		default:
			log.Warn("orphan container gone, marking failed")
			a.failOrphan(ctx, d.DeploymentID, "container missing after restart", log)
		}
	}

	if survivors == 0 {
		if err := a.store.ReleaseSlot(ctx, SlotID); err != nil {
			return fmt.Errorf("failed to release slot after reconciliation: %w", err)
		}
		a.logger.Info("slot released, no deployments survived reconciliation")
	}
	return nil
}

func (a *Agent) failOrphan(ctx context.Context, deploymentID, reason string, log *slog.Logger) {
	if err := a.store.UpdateDeploymentStatus(ctx, deploymentID, store.StatusFailed, &store.DeploymentPatch{
		Reason: &reason,
	}); err != nil {
		log.Warn("failed to mark orphan failed", slog.String("error", err.Error()))
	}
}
