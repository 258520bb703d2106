package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tensorlend/hostagent/pkg/central"
	"github.com/tensorlend/hostagent/pkg/clock"
	"github.com/tensorlend/hostagent/pkg/config"
	"github.com/tensorlend/hostagent/pkg/engine"
	"github.com/tensorlend/hostagent/pkg/gpu"
	"github.com/tensorlend/hostagent/pkg/runtime"
	"github.com/tensorlend/hostagent/pkg/store"
)

type ackRecord struct {
	CommandID string
	Status    string
}

type fakeServer struct {
	mu            sync.Mutex
	registerUUID  string
	registerErr   error
	registerCalls int
	heartbeats    int
	batches       [][]central.Command
	acks          []ackRecord
	metrics       []*central.MetricsPayload
	healths       []*central.HealthPayload
}

func (s *fakeServer) Register(ctx context.Context, req *central.RegisterRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerCalls++
	if s.registerErr != nil {
		return "", s.registerErr
	}
	return s.registerUUID, nil
}

func (s *fakeServer) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return nil
}

func (s *fakeServer) PollCommands(ctx context.Context) ([]central.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *fakeServer) Ack(ctx context.Context, commandID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, ackRecord{CommandID: commandID, Status: status})
	return nil
}

func (s *fakeServer) PushMetrics(ctx context.Context, payload *central.MetricsPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, payload)
	return nil
}

func (s *fakeServer) PushHealth(ctx context.Context, payload *central.HealthPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healths = append(s.healths, payload)
	return nil
}

type terminateCall struct {
	DeploymentID string
	Reason       string
}

type fakeEngine struct {
	mu           sync.Mutex
	deploys      []*engine.DeployRequest
	terminates   []terminateCall
	deployErr    error
	deployPanics bool
}

func (e *fakeEngine) Deploy(ctx context.Context, req *engine.DeployRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deployPanics {
		panic("engine exploded")
	}
	e.deploys = append(e.deploys, req)
	return e.deployErr
}

func (e *fakeEngine) Terminate(ctx context.Context, deploymentID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminates = append(e.terminates, terminateCall{DeploymentID: deploymentID, Reason: reason})
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Server:  config.Server{URL: "http://127.0.0.1:9", APIKey: "test-key"},
		Network: config.Network{PublicIP: "203.0.113.5", SSHPort: 22022, RentalPort1: 40001, RentalPort2: 40002},
		Database: config.Database{
			Host: "localhost", User: "hostagent", DBName: "hostagent",
		},
	}
	cfg.Defaults()
	return cfg
}

type agentRig struct {
	agent  *Agent
	store  *store.InMem
	server *fakeServer
	engine *fakeEngine
	probe  *gpu.Fake
	driver *runtime.Fake
	clock  *clock.Fake
}

func newAgentRig(t *testing.T, cfg *config.Config) *agentRig {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	st := store.NewInMem()
	server := &fakeServer{registerUUID: "gpu-abc"}
	eng := &fakeEngine{}
	probe := gpu.NewFake()
	driver := runtime.NewFake()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	a, err := New(Options{
		Config:   cfg,
		Store:    st,
		Client:   server,
		Probe:    probe,
		Driver:   driver,
		Engine:   eng,
		Clock:    clk,
		PortFree: func(port int) bool { return true },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &agentRig{agent: a, store: st, server: server, engine: eng, probe: probe, driver: driver, clock: clk}
}

// seedRunningDeployment puts the store into the state left by a successful
// deploy: slot busy, deployment running with a container id.
func seedRunningDeployment(t *testing.T, rig *agentRig, deploymentID, containerID string, durationMinutes int) {
	t.Helper()
	ctx := context.Background()

	if err := rig.agent.ensureSlot(ctx); err != nil {
		t.Fatalf("ensureSlot failed: %v", err)
	}
	if _, err := rig.store.UpdateSlotHealth(ctx, SlotID, true, rig.clock.Now()); err != nil {
		t.Fatalf("UpdateSlotHealth failed: %v", err)
	}
	if err := rig.store.AcquireSlot(ctx, SlotID, deploymentID); err != nil {
		t.Fatalf("AcquireSlot failed: %v", err)
	}
	if err := rig.store.CreateDeployment(ctx, &store.Deployment{
		DeploymentID:    deploymentID,
		SlotID:          SlotID,
		Image:           "ubuntu:22.04",
		Status:          store.StatusDeploying,
		StartTime:       rig.clock.Now(),
		DurationMinutes: durationMinutes,
	}); err != nil {
		t.Fatalf("CreateDeployment failed: %v", err)
	}
	user, pass := "gpu-user", "x"
	if err := rig.store.UpdateDeploymentStatus(ctx, deploymentID, store.StatusRunning, &store.DeploymentPatch{
		ContainerID: &containerID,
		SSHUsername: &user,
		SSHPassword: &pass,
	}); err != nil {
		t.Fatalf("UpdateDeploymentStatus failed: %v", err)
	}
}

func TestResolveAgentIDMintsAndPersists(t *testing.T) {
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	rig := newAgentRig(t, cfg)
	rig.agent.cfgPath = path

	if err := rig.agent.resolveAgentID(); err != nil {
		t.Fatalf("resolveAgentID failed: %v", err)
	}

	if !regexp.MustCompile(`^agent-[0-9a-f]{12}$`).MatchString(cfg.Agent.ID) {
		t.Errorf("agent id = %q, want agent-<12 hex>", cfg.Agent.ID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not persisted: %v", err)
	}
	if !strings.Contains(string(data), cfg.Agent.ID) {
		t.Error("persisted config does not carry the minted id")
	}

	// A second run keeps the identity.
	id := cfg.Agent.ID
	if err := rig.agent.resolveAgentID(); err != nil {
		t.Fatalf("resolveAgentID failed: %v", err)
	}
	if cfg.Agent.ID != id {
		t.Errorf("agent id changed across runs: %q -> %q", id, cfg.Agent.ID)
	}
}

func TestResolveGPUIdentityRegisters(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()

	if err := rig.agent.ensureSlot(ctx); err != nil {
		t.Fatalf("ensureSlot failed: %v", err)
	}
	if err := rig.agent.resolveGPUIdentity(ctx); err != nil {
		t.Fatalf("resolveGPUIdentity failed: %v", err)
	}

	if rig.server.registerCalls != 1 {
		t.Errorf("register calls = %d, want 1", rig.server.registerCalls)
	}
	slot, err := rig.store.GetSlot(ctx, SlotID)
	if err != nil {
		t.Fatalf("GetSlot failed: %v", err)
	}
	if slot.UUID != "gpu-abc" {
		t.Errorf("persisted uuid = %q, want gpu-abc", slot.UUID)
	}
	if rig.agent.gpuUUID != "gpu-abc" {
		t.Errorf("agent uuid = %q", rig.agent.gpuUUID)
	}
}

func TestResolveGPUIdentityAdoptsStoredUUID(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()

	if err := rig.agent.ensureSlot(ctx); err != nil {
		t.Fatalf("ensureSlot failed: %v", err)
	}
	if err := rig.store.SetSlotUUID(ctx, SlotID, "gpu-existing"); err != nil {
		t.Fatalf("SetSlotUUID failed: %v", err)
	}

	if err := rig.agent.resolveGPUIdentity(ctx); err != nil {
		t.Fatalf("resolveGPUIdentity failed: %v", err)
	}
	if rig.server.registerCalls != 0 {
		t.Errorf("register called despite stored uuid")
	}
	if rig.agent.gpuUUID != "gpu-existing" {
		t.Errorf("agent uuid = %q, want gpu-existing", rig.agent.gpuUUID)
	}
}

func TestResolveGPUIdentityUnauthorizedIsFatal(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	rig.server.registerErr = central.ErrUnauthorized

	if err := rig.agent.ensureSlot(ctx); err != nil {
		t.Fatalf("ensureSlot failed: %v", err)
	}
	err := rig.agent.resolveGPUIdentity(ctx)
	if !errors.Is(err, central.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPreflightRejectsBusyPort(t *testing.T) {
	rig := newAgentRig(t, nil)
	rig.agent.portFree = func(port int) bool { return port != 22022 }

	err := rig.agent.preflight()
	if err == nil {
		t.Fatal("expected preflight to fail on busy ssh port")
	}
	if !strings.Contains(err.Error(), "22022") {
		t.Errorf("error does not name the port: %v", err)
	}
}

func TestReconcileMissingContainerFailsDeployment(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	seedRunningDeployment(t, rig, "d3", "gone-container", 60)

	if err := rig.agent.reconcileOrphans(ctx); err != nil {
		t.Fatalf("reconcileOrphans failed: %v", err)
	}

	d, _ := rig.store.GetDeployment(ctx, "d3")
	if d.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", d.Status)
	}
	slot, _ := rig.store.GetSlot(ctx, SlotID)
	if slot.Status != store.SlotAvailable {
		t.Errorf("slot status = %q, want available", slot.Status)
	}
	if slot.CurrentDeploymentID != nil {
		t.Errorf("slot still held by %q", *slot.CurrentDeploymentID)
	}
}

func TestReconcileReadoptsRunningContainer(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	rig.driver.Seed(runtime.FakeContainer{ID: "c3", Name: "deployment-d3", Running: true})
	seedRunningDeployment(t, rig, "d3", "c3", 60)

	if err := rig.agent.reconcileOrphans(ctx); err != nil {
		t.Fatalf("reconcileOrphans failed: %v", err)
	}

	d, _ := rig.store.GetDeployment(ctx, "d3")
	if d.Status != store.StatusRunning {
		t.Errorf("status = %q, want running after re-adoption", d.Status)
	}
	slot, _ := rig.store.GetSlot(ctx, SlotID)
	if slot.Status != store.SlotBusy {
		t.Errorf("slot status = %q, want busy", slot.Status)
	}
}

func TestReconcileStoppedContainerRemovedAndFailed(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	rig.driver.Seed(runtime.FakeContainer{ID: "c3", Name: "deployment-d3", Running: false})
	seedRunningDeployment(t, rig, "d3", "c3", 60)

	if err := rig.agent.reconcileOrphans(ctx); err != nil {
		t.Fatalf("reconcileOrphans failed: %v", err)
	}

	d, _ := rig.store.GetDeployment(ctx, "d3")
	if d.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", d.Status)
	}
	if rig.driver.Count() != 0 {
		t.Errorf("stopped orphan container not removed")
	}
}

func TestUnknownCommandAckedStoreUnchanged(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	rig.server.batches = [][]central.Command{
		{{CommandID: "x1", CommandType: "reboot"}},
	}

	if err := rig.agent.pollCommandsOnce(ctx); err != nil {
		t.Fatalf("pollCommandsOnce failed: %v", err)
	}

	if len(rig.server.acks) != 1 || rig.server.acks[0].CommandID != "x1" {
		t.Fatalf("acks = %v, want one for x1", rig.server.acks)
	}
	if len(rig.engine.deploys) != 0 || len(rig.engine.terminates) != 0 {
		t.Error("unknown command reached the engine")
	}
	if _, err := rig.store.GetDeployment(ctx, "x1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("unknown command mutated the store")
	}
}

func TestCommandDispatchOrderAndAck(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	rig.server.batches = [][]central.Command{
		{
			{CommandID: "d1", CommandType: "deploy", Payload: []byte(`{"image":"ubuntu:22.04"}`)},
			{CommandID: "t1", CommandType: "terminate", Payload: []byte(`{"deployment_id":"d0"}`)},
		},
	}

	if err := rig.agent.pollCommandsOnce(ctx); err != nil {
		t.Fatalf("pollCommandsOnce failed: %v", err)
	}

	if len(rig.engine.deploys) != 1 || rig.engine.deploys[0].DeploymentID != "d1" {
		t.Fatalf("deploys = %+v", rig.engine.deploys)
	}
	if len(rig.engine.terminates) != 1 || rig.engine.terminates[0].DeploymentID != "d0" {
		t.Fatalf("terminates = %+v", rig.engine.terminates)
	}
	if len(rig.server.acks) != 2 {
		t.Fatalf("acks = %v, want 2", rig.server.acks)
	}
	if rig.server.acks[0].CommandID != "d1" || rig.server.acks[1].CommandID != "t1" {
		t.Errorf("ack order = %v, want server order", rig.server.acks)
	}
}

func TestCommandAckedOnDeployFailure(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	rig.engine.deployErr = errors.New("slot busy")
	rig.server.batches = [][]central.Command{
		{{CommandID: "d2", CommandType: "deploy"}},
	}

	if err := rig.agent.pollCommandsOnce(ctx); err != nil {
		t.Fatalf("pollCommandsOnce failed: %v", err)
	}
	if len(rig.server.acks) != 1 {
		t.Fatalf("acks = %v, want 1", rig.server.acks)
	}
	if rig.server.acks[0].Status != ackFailed {
		t.Errorf("ack status = %q, want failed", rig.server.acks[0].Status)
	}
}

func TestCommandAckedOnPanic(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	rig.engine.deployPanics = true
	rig.server.batches = [][]central.Command{
		{{CommandID: "d2", CommandType: "deploy"}},
	}

	if err := rig.agent.pollCommandsOnce(ctx); err != nil {
		t.Fatalf("pollCommandsOnce failed: %v", err)
	}
	if len(rig.server.acks) != 1 || rig.server.acks[0].Status != ackFailed {
		t.Fatalf("acks = %v, want one failed ack", rig.server.acks)
	}
}

func TestCommandReplayAcrossPollsDispatchesOnce(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	cmd := central.Command{CommandID: "d1", CommandType: "deploy", Payload: []byte(`{}`)}
	rig.server.batches = [][]central.Command{{cmd}, {cmd}}

	if err := rig.agent.pollCommandsOnce(ctx); err != nil {
		t.Fatalf("first poll failed: %v", err)
	}
	if err := rig.agent.pollCommandsOnce(ctx); err != nil {
		t.Fatalf("second poll failed: %v", err)
	}

	if len(rig.engine.deploys) != 1 {
		t.Errorf("deploy dispatched %d times, want 1", len(rig.engine.deploys))
	}
	if len(rig.server.acks) != 2 {
		t.Errorf("acks = %d, want both deliveries acknowledged", len(rig.server.acks))
	}
	if rig.server.acks[1].Status != ackDuplicate {
		t.Errorf("second ack status = %q, want duplicate", rig.server.acks[1].Status)
	}
}

func TestSweepTerminatesExpiredDeployments(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	seedRunningDeployment(t, rig, "d1", "c1", 30)
	rig.clock.Advance(31 * time.Minute)

	if err := rig.agent.sweepOnce(ctx); err != nil {
		t.Fatalf("sweepOnce failed: %v", err)
	}

	if len(rig.engine.terminates) != 1 {
		t.Fatalf("terminates = %+v, want 1", rig.engine.terminates)
	}
	got := rig.engine.terminates[0]
	if got.DeploymentID != "d1" || got.Reason != engine.ReasonDurationExpired {
		t.Errorf("terminate call = %+v", got)
	}
}

func TestSweepLeavesUnexpiredAlone(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	seedRunningDeployment(t, rig, "d1", "c1", 60)
	rig.clock.Advance(10 * time.Minute)

	if err := rig.agent.sweepOnce(ctx); err != nil {
		t.Fatalf("sweepOnce failed: %v", err)
	}
	if len(rig.engine.terminates) != 0 {
		t.Errorf("unexpired deployment terminated: %+v", rig.engine.terminates)
	}
}

func TestHealthLoopQuarantinesAfterRepeatedFailures(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	if err := rig.agent.ensureSlot(ctx); err != nil {
		t.Fatalf("ensureSlot failed: %v", err)
	}

	rig.probe.SetHealth(gpu.HealthRecord{
		Overall:    gpu.Unhealthy,
		ErrorCount: 4,
	})

	for i := 0; i < 3; i++ {
		if err := rig.agent.healthCheckOnce(ctx); err != nil {
			t.Fatalf("healthCheckOnce %d failed: %v", i, err)
		}
	}

	slot, _ := rig.store.GetSlot(ctx, SlotID)
	if slot.Status != store.SlotQuarantined {
		t.Fatalf("slot status = %q, want quarantined after 3 failures", slot.Status)
	}
	if slot.ConsecutiveFailures != 3 {
		t.Errorf("consecutive failures = %d, want 3", slot.ConsecutiveFailures)
	}

	// First healthy check recovers the slot.
	rig.probe.SetHealth(gpu.HealthRecord{
		Overall:           gpu.Healthy,
		DriverResponsive:  true,
		TemperatureNormal: true,
		PowerNormal:       true,
		NoECCErrors:       true,
		FanOperational:    true,
	})
	if err := rig.agent.healthCheckOnce(ctx); err != nil {
		t.Fatalf("healthCheckOnce failed: %v", err)
	}
	slot, _ = rig.store.GetSlot(ctx, SlotID)
	if slot.Status != store.SlotAvailable {
		t.Errorf("slot status = %q, want available after recovery", slot.Status)
	}
	if slot.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want reset", slot.ConsecutiveFailures)
	}
}

func TestHealthCheckWarningCountsAsUnhealthy(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	if err := rig.agent.ensureSlot(ctx); err != nil {
		t.Fatalf("ensureSlot failed: %v", err)
	}

	rig.probe.SetHealth(gpu.HealthRecord{
		Overall:           gpu.Warning,
		DriverResponsive:  true,
		TemperatureNormal: false,
		PowerNormal:       true,
		NoECCErrors:       true,
		FanOperational:    true,
		ErrorCount:        1,
	})
	if err := rig.agent.healthCheckOnce(ctx); err != nil {
		t.Fatalf("healthCheckOnce failed: %v", err)
	}

	slot, _ := rig.store.GetSlot(ctx, SlotID)
	if slot.Healthy {
		t.Error("warning-grade check left the slot healthy")
	}
	if slot.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", slot.ConsecutiveFailures)
	}
}

func TestHealthLoopNeverQuarantinesBusySlot(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	seedRunningDeployment(t, rig, "d1", "c1", 60)

	rig.probe.SetHealth(gpu.HealthRecord{Overall: gpu.Unhealthy, ErrorCount: 5})
	for i := 0; i < 5; i++ {
		if err := rig.agent.healthCheckOnce(ctx); err != nil {
			t.Fatalf("healthCheckOnce failed: %v", err)
		}
	}

	slot, _ := rig.store.GetSlot(ctx, SlotID)
	if slot.Status != store.SlotBusy {
		t.Errorf("slot status = %q, busy slot must never be quarantined", slot.Status)
	}
	if slot.CurrentDeploymentID == nil || *slot.CurrentDeploymentID != "d1" {
		t.Error("slot ownership changed by the health loop")
	}
}

func TestSampleLoopLeavesOwnershipAlone(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	seedRunningDeployment(t, rig, "d1", "c1", 60)

	if err := rig.agent.sampleOnce(ctx); err != nil {
		t.Fatalf("sampleOnce failed: %v", err)
	}

	slot, _ := rig.store.GetSlot(ctx, SlotID)
	if slot.Status != store.SlotBusy {
		t.Errorf("slot status = %q, telemetry must not touch status", slot.Status)
	}
	if slot.CurrentDeploymentID == nil || *slot.CurrentDeploymentID != "d1" {
		t.Error("slot ownership changed by the sample loop")
	}
	if slot.Temperature == nil {
		t.Error("telemetry mirror not refreshed")
	}
}

func TestPushMetricsCarriesIdentityAndSample(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	rig.agent.cfg.Agent.ID = "agent-abcdef012345"
	rig.agent.gpuUUID = "gpu-abc"

	if err := rig.agent.ensureSlot(ctx); err != nil {
		t.Fatalf("ensureSlot failed: %v", err)
	}
	if err := rig.agent.sampleOnce(ctx); err != nil {
		t.Fatalf("sampleOnce failed: %v", err)
	}
	if err := rig.agent.pushMetricsOnce(ctx); err != nil {
		t.Fatalf("pushMetricsOnce failed: %v", err)
	}

	if len(rig.server.metrics) != 1 {
		t.Fatalf("metrics pushes = %d, want 1", len(rig.server.metrics))
	}
	got := rig.server.metrics[0]
	if got.AgentID != "agent-abcdef012345" || got.GPUUUID != "gpu-abc" {
		t.Errorf("identity = %q/%q", got.AgentID, got.GPUUUID)
	}
	if got.Temperature == nil {
		t.Error("sample temperature missing from push")
	}
}

func TestPushMetricsSkipsWithoutSample(t *testing.T) {
	rig := newAgentRig(t, nil)
	if err := rig.agent.pushMetricsOnce(context.Background()); err != nil {
		t.Fatalf("pushMetricsOnce failed: %v", err)
	}
	if len(rig.server.metrics) != 0 {
		t.Error("pushed metrics without a sample")
	}
}

func TestPushHealthIncludesScores(t *testing.T) {
	rig := newAgentRig(t, nil)
	ctx := context.Background()
	rig.agent.gpuUUID = "gpu-abc"

	if err := rig.agent.ensureSlot(ctx); err != nil {
		t.Fatalf("ensureSlot failed: %v", err)
	}
	if err := rig.agent.sampleOnce(ctx); err != nil {
		t.Fatalf("sampleOnce failed: %v", err)
	}
	if err := rig.agent.healthCheckOnce(ctx); err != nil {
		t.Fatalf("healthCheckOnce failed: %v", err)
	}
	if err := rig.agent.pushHealthOnce(ctx); err != nil {
		t.Fatalf("pushHealthOnce failed: %v", err)
	}

	if len(rig.server.healths) != 1 {
		t.Fatalf("health pushes = %d, want 1", len(rig.server.healths))
	}
	got := rig.server.healths[0]
	if !got.IsHealthy {
		t.Error("healthy fake probe pushed unhealthy")
	}
	if got.PerformanceScore != 100 {
		t.Errorf("performance score = %v, want 100 for a cool gpu", got.PerformanceScore)
	}
	if got.StabilityScore != 100 {
		t.Errorf("stability score = %v, want 100 for a clean check", got.StabilityScore)
	}
}

func TestLoopIterationSurvivesPanic(t *testing.T) {
	rig := newAgentRig(t, nil)
	calls := 0
	fn := func(ctx context.Context) error {
		calls++
		panic("loop body exploded")
	}

	rig.agent.runIteration(context.Background(), "test", rig.agent.logger, fn)
	rig.agent.runIteration(context.Background(), "test", rig.agent.logger, fn)

	if calls != 2 {
		t.Errorf("iterations = %d, want the loop to survive a panic", calls)
	}
}
