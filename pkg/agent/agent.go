// Package agent is the supervisor: it owns startup, the command loop, the
// six periodic loops, and shutdown.
//
// Startup is strictly ordered: validate config, network preflight, agent
// identity, slot row, GPU identity (stored uuid or registration), orphan
// reconciliation, then loops. Any startup failure aborts the run.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tensorlend/hostagent/pkg/central"
	"github.com/tensorlend/hostagent/pkg/clock"
	"github.com/tensorlend/hostagent/pkg/config"
	"github.com/tensorlend/hostagent/pkg/engine"
	"github.com/tensorlend/hostagent/pkg/gpu"
	"github.com/tensorlend/hostagent/pkg/healthpolicy"
	"github.com/tensorlend/hostagent/pkg/retry"
	"github.com/tensorlend/hostagent/pkg/runtime"
	"github.com/tensorlend/hostagent/pkg/store"
)

// SlotID identifies the single GPU slot this agent manages.
const SlotID = "gpu-0"

// ServerClient is the slice of the central server client the agent uses.
type ServerClient interface {
	Register(ctx context.Context, req *central.RegisterRequest) (string, error)
	Heartbeat(ctx context.Context) error
	PollCommands(ctx context.Context) ([]central.Command, error)
	Ack(ctx context.Context, commandID, status string) error
	PushMetrics(ctx context.Context, payload *central.MetricsPayload) error
	PushHealth(ctx context.Context, payload *central.HealthPayload) error
}

// Deployer is the engine surface the command loop and duration sweep use.
type Deployer interface {
	Deploy(ctx context.Context, req *engine.DeployRequest) error
	Terminate(ctx context.Context, deploymentID, reason string) error
}

// Options wires an Agent.
type Options struct {
	Config *config.Config

	// ConfigPath is where a minted agent id is persisted. Empty skips
	// persistence.
	ConfigPath string

	Store   store.Store
	Client  ServerClient
	Probe   gpu.Probe
	Driver  runtime.Driver
	Engine  Deployer
	Policy  *healthpolicy.Evaluator
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics

	// PortFree overrides the preflight port probe for tests.
	PortFree func(port int) bool
}

// Agent supervises the host: one GPU slot, one tenant at a time.
type Agent struct {
	cfg      *config.Config
	cfgPath  string
	store    store.Store
	client   ServerClient
	probe    gpu.Probe
	driver   runtime.Driver
	engine   Deployer
	policy   *healthpolicy.Evaluator
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	portFree func(port int) bool

	descriptor *gpu.Descriptor
	gpuUUID    string

	// seen dedupes command ids within this run.
	seen map[string]bool

	// Latest probe results for the push loops.
	mu         sync.Mutex
	lastSample *gpu.MetricSample
	lastHealth *gpu.HealthRecord
}

// New creates an Agent.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy == nil {
		var err error
		policy, err = healthpolicy.NewEvaluator(healthpolicy.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to build default health policy: %w", err)
		}
	}
	portFree := opts.PortFree
	if portFree == nil {
		portFree = runtime.PortFree
	}

	return &Agent{
		cfg:      opts.Config,
		cfgPath:  opts.ConfigPath,
		store:    opts.Store,
		client:   opts.Client,
		probe:    opts.Probe,
		driver:   opts.Driver,
		engine:   opts.Engine,
		policy:   policy,
		clock:    clk,
		logger:   logger.With(slog.String("component", "agent")),
		metrics:  opts.Metrics,
		portFree: portFree,
		seen:     make(map[string]bool),
	}, nil
}

// Run executes the ordered startup sequence, spawns the loops, and blocks
// until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := a.preflight(); err != nil {
		return err
	}
	if err := a.resolveAgentID(); err != nil {
		return err
	}
	if err := a.ensureSlot(ctx); err != nil {
		return err
	}
	if err := a.resolveGPUIdentity(ctx); err != nil {
		return err
	}
	if err := a.reconcileOrphans(ctx); err != nil {
		return err
	}

	a.logger.Info("agent started",
		slog.String("agent_id", a.cfg.Agent.ID),
		slog.String("gpu_uuid", a.gpuUUID),
		slog.String("public_ip", a.cfg.Network.PublicIP),
	)

	loops := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"commands", a.cfg.Intervals.CommandPoll.Duration(), a.pollCommandsOnce},
		{"sample", a.cfg.Intervals.GPUSample.Duration(), a.sampleOnce},
		{"health", a.cfg.Intervals.HealthCheck.Duration(), a.healthCheckOnce},
		{"heartbeat", a.cfg.Intervals.Heartbeat.Duration(), a.heartbeatOnce},
		{"metrics_push", a.cfg.Intervals.MetricsPush.Duration(), a.pushMetricsOnce},
		{"health_push", a.cfg.Intervals.HealthPush.Duration(), a.pushHealthOnce},
		{"duration_sweep", a.cfg.Intervals.DurationSweep.Duration(), a.sweepOnce},
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, fn func(context.Context) error) {
			defer wg.Done()
			a.runLoop(ctx, name, interval, fn)
		}(l.name, l.interval, l.fn)
	}

	<-ctx.Done()
	a.logger.Info("shutting down")
	wg.Wait()
	a.logger.Info("agent stopped")
	return nil
}

// resolveAgentID mints and persists the agent identity on first run.
func (a *Agent) resolveAgentID() error {
	if a.cfg.Agent.ID != "" {
		return nil
	}
	a.cfg.Agent.ID = MintAgentID()
	a.logger.Info("minted agent identity", slog.String("agent_id", a.cfg.Agent.ID))

	if a.cfgPath == "" {
		return nil
	}
	if err := a.cfg.Save(a.cfgPath); err != nil {
		a.logger.Warn("failed to persist agent id", slog.String("error", err.Error()))
	}
	return nil
}

// MintAgentID generates a fresh agent identity.
func MintAgentID() string {
	return "agent-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ensureSlot probes the GPU and upserts the slot row with its descriptor
// and this host's network coordinates.
func (a *Agent) ensureSlot(ctx context.Context) error {
	desc, err := a.probe.Describe(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe gpu: %w", err)
	}
	a.descriptor = desc

	err = a.store.EnsureSlot(ctx, &store.GPUSlot{
		SlotID:            SlotID,
		Name:              desc.Name,
		DriverVersion:     desc.DriverVersion,
		CUDAVersion:       desc.CUDAVersion,
		ComputeCapability: desc.ComputeCapability,
		VRAMTotalMB:       desc.VRAMTotalMB,
		PublicIP:          a.cfg.Network.PublicIP,
		SSHPort:           a.cfg.Network.SSHPort,
		RentalPort1:       a.cfg.Network.RentalPort1,
		RentalPort2:       a.cfg.Network.RentalPort2,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure slot row: %w", err)
	}
	return nil
}

// resolveGPUIdentity adopts the stored uuid or registers with the central
// server. The store is the source of truth: once a uuid is persisted the
// agent never re-registers.
func (a *Agent) resolveGPUIdentity(ctx context.Context) error {
	slot, err := a.store.GetSlot(ctx, SlotID)
	if err != nil {
		return fmt.Errorf("failed to read slot: %w", err)
	}
	if slot.UUID != "" {
		a.gpuUUID = slot.UUID
		a.logger.Info("adopted stored gpu identity", slog.String("gpu_uuid", slot.UUID))
		return nil
	}

	facts, err := gpu.CollectHostFacts(ctx)
	if err != nil {
		a.logger.Warn("failed to collect host facts", slog.String("error", err.Error()))
		facts = &gpu.HostFacts{CPU: "unknown", OS: "unknown"}
	}

	req := &central.RegisterRequest{
		AgentID: a.cfg.Agent.ID,
		GPU: central.GPUInfo{
			Name:              a.descriptor.Name,
			VRAMTotalMB:       a.descriptor.VRAMTotalMB,
			DriverVersion:     a.descriptor.DriverVersion,
			CUDAVersion:       a.descriptor.CUDAVersion,
			ComputeCapability: a.descriptor.ComputeCapability,
		},
		Host: central.HostInfo{
			CPU:   facts.CPU,
			RAMMB: facts.RAMMB,
			OS:    facts.OS,
		},
		Network: central.NetworkInfo{
			PublicIP:    a.cfg.Network.PublicIP,
			SSHPort:     a.cfg.Network.SSHPort,
			RentalPort1: a.cfg.Network.RentalPort1,
			RentalPort2: a.cfg.Network.RentalPort2,
		},
	}

	retryCfg := retry.NetworkConfig()
	retryCfg.RetryableFunc = central.IsTransient
	retryCfg.Clock = a.clock

	gpuUUID, err := retry.DoWithValue(ctx, retryCfg, func(ctx context.Context) (string, error) {
		return a.client.Register(ctx, req)
	})
	if err != nil {
		if errors.Is(err, central.ErrUnauthorized) {
			return fmt.Errorf("registration rejected, check server.api_key: %w", err)
		}
		return fmt.Errorf("registration failed: %w", err)
	}

	if err := a.store.SetSlotUUID(ctx, SlotID, gpuUUID); err != nil {
		return fmt.Errorf("failed to persist gpu uuid: %w", err)
	}
	a.gpuUUID = gpuUUID
	a.logger.Info("registered with central server", slog.String("gpu_uuid", gpuUUID))
	return nil
}

// runLoop drives one periodic loop. Panics and errors are contained at the
// loop boundary; the loop always survives to its next tick.
func (a *Agent) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	log := a.logger.With(slog.String("loop", name))
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.runIteration(ctx, name, log, fn)
		}
	}
}

func (a *Agent) runIteration(ctx context.Context, name string, log *slog.Logger, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.RecordLoopError(name)
			log.Error("loop iteration panicked", slog.Any("panic", r))
		}
	}()

	if err := fn(ctx); err != nil {
		a.metrics.RecordLoopError(name)
		log.Warn("loop iteration failed", slog.String("error", err.Error()))
	}
}

func (a *Agent) setLastSample(s *gpu.MetricSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSample = s
}

func (a *Agent) snapshotProbes() (*gpu.MetricSample, *gpu.HealthRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSample, a.lastHealth
}

func (a *Agent) setLastHealth(h *gpu.HealthRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastHealth = h
}
