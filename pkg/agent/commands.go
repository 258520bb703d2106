package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tensorlend/hostagent/pkg/central"
	"github.com/tensorlend/hostagent/pkg/engine"
)

// Ack statuses reported back to the server.
const (
	ackProcessed = "processed"
	ackFailed    = "failed"
	ackDuplicate = "duplicate"
)

// pollCommandsOnce pulls pending commands and dispatches them in server
// order. Every command is acknowledged exactly once per delivery, on every
// exit path.
func (a *Agent) pollCommandsOnce(ctx context.Context) error {
	commands, err := a.client.PollCommands(ctx)
	if err != nil {
		return fmt.Errorf("failed to poll commands: %w", err)
	}

	for _, cmd := range commands {
		a.metrics.RecordCommand()
		if a.seen[cmd.CommandID] {
			// The server redelivers until it sees an ack; re-ack without
			// dispatching again.
			a.logger.Debug("ignoring already-dispatched command",
				slog.String("command_id", cmd.CommandID))
			a.ack(ctx, cmd.CommandID, ackDuplicate)
			continue
		}
		a.seen[cmd.CommandID] = true
		a.handleCommand(ctx, cmd)
	}
	return nil
}

// handleCommand dispatches one command synchronously. The ack runs in a
// deferred scope so a panicking dispatch still acknowledges.
func (a *Agent) handleCommand(ctx context.Context, cmd central.Command) {
	log := a.logger.With(
		slog.String("command_id", cmd.CommandID),
		slog.String("command_type", cmd.CommandType),
	)
	log.Info("command received", slog.String("payload", string(cmd.Payload)))

	status := ackProcessed
	defer func() {
		if r := recover(); r != nil {
			status = ackFailed
			log.Error("command dispatch panicked", slog.Any("panic", r))
		}
		a.ack(ctx, cmd.CommandID, status)
	}()

	switch cmd.CommandType {
	case "deploy":
		req, err := engine.ParseDeployRequest(cmd.CommandID, cmd.Payload)
		if err != nil {
			status = ackFailed
			log.Error("bad deploy payload", slog.String("error", err.Error()))
			return
		}
		if err := a.engine.Deploy(ctx, req); err != nil {
			status = ackFailed
			a.metrics.RecordDeploy("failed")
			log.Error("deploy failed", slog.String("error", err.Error()))
			return
		}
		a.metrics.RecordDeploy("succeeded")

	case "terminate":
		deploymentID, reason, err := engine.ParseTerminateRequest(cmd.CommandID, cmd.Payload)
		if err != nil {
			status = ackFailed
			log.Error("bad terminate payload", slog.String("error", err.Error()))
			return
		}
		if err := a.engine.Terminate(ctx, deploymentID, reason); err != nil {
			status = ackFailed
			log.Error("terminate failed", slog.String("error", err.Error()))
			return
		}

	default:
		log.Warn("unknown command type, acknowledging anyway")
	}
}

func (a *Agent) ack(ctx context.Context, commandID, status string) {
	if err := a.client.Ack(ctx, commandID, status); err != nil {
		a.logger.Warn("failed to ack command",
			slog.String("command_id", commandID),
			slog.String("error", err.Error()),
		)
		return
	}
	a.metrics.RecordAck()
}
