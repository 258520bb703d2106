// Package engine runs the deployment state machine: it takes a deploy
// command from the slot acquisition all the way to a running, configured
// tenant container, and tears deployments down again on terminate.
//
// Every failure path compensates: the container is removed, the deployment
// row goes to failed, and the slot is released. A panic inside a deploy is
// recovered and compensated the same way.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/tensorlend/hostagent/pkg/central"
	"github.com/tensorlend/hostagent/pkg/clock"
	"github.com/tensorlend/hostagent/pkg/runtime"
	"github.com/tensorlend/hostagent/pkg/store"
)

// ErrResourceBusy is returned when a deploy arrives while the slot is
// already held by another deployment.
var ErrResourceBusy = errors.New("gpu slot busy")

// Terminate reasons, as delivered by the server or the duration sweep.
const (
	ReasonUserRequested   = "user_requested"
	ReasonDurationExpired = "duration_expired"
)

// Fixed container-side ports of every tenant.
const (
	sshContainerPort     = 22
	jupyterContainerPort = 8888
	appContainerPort     = 8080
)

const (
	// containerReadyDelay is how long the engine waits after start before
	// configuring the container.
	containerReadyDelay = 10 * time.Second

	portGateAttempts = 10
	portGateDelay    = 500 * time.Millisecond
	portDialTimeout  = 2 * time.Second

	// compensateTimeout bounds cleanup after a failed or cancelled deploy.
	compensateTimeout = 2 * time.Minute
)

// Notifier is the slice of the server client the engine needs.
type Notifier interface {
	NotifyDeploySuccess(ctx context.Context, success *central.DeploySuccess) error
	NotifyDeployTerminated(ctx context.Context, deploymentID, reason string) error
}

// Options wires an Engine.
type Options struct {
	Store    store.Store
	Driver   runtime.Driver
	Notifier Notifier
	Ports    *runtime.PortAllocator
	Clock    clock.Clock
	Logger   *slog.Logger
	SlotID   string
	PublicIP string

	// Dial overrides the port liveness probe. Tests use it; production
	// leaves it nil and gets a real TCP dial against localhost.
	Dial func(port int) error
}

// Engine serializes deploys and terminates on the single GPU slot.
type Engine struct {
	store    store.Store
	driver   runtime.Driver
	notifier Notifier
	ports    *runtime.PortAllocator
	clock    clock.Clock
	logger   *slog.Logger
	slotID   string
	publicIP string
	dial     func(port int) error

	// Delays are fields so tests can zero them.
	readyDelay time.Duration
	gateDelay  time.Duration

	// mu serializes the state machine. One deploy or terminate at a time.
	mu sync.Mutex

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	// allocations remembers every host port handed to a deployment,
	// including extras, so terminate can return them all to the allocator.
	allocMu     sync.Mutex
	allocations map[string][]int
}

// New creates an Engine.
func New(opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dial
	if dial == nil {
		dial = func(port int) error {
			conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), portDialTimeout)
			if err != nil {
				return err
			}
			return conn.Close()
		}
	}
	return &Engine{
		store:    opts.Store,
		driver:   opts.Driver,
		notifier: opts.Notifier,
		ports:    opts.Ports,
		clock:    clk,
		logger:   logger.With(slog.String("component", "engine")),
		slotID:   opts.SlotID,
		publicIP: opts.PublicIP,
		dial:     dial,

		readyDelay: containerReadyDelay,
		gateDelay:  portGateDelay,

		cancels:     make(map[string]context.CancelFunc),
		allocations: make(map[string][]int),
	}
}

// deployState tracks what a deploy has built so far, so compensation knows
// what to unwind.
type deployState struct {
	created     bool
	containerID string
	hostPorts   []int
}

// Deploy drives one deployment from slot acquisition to running. A replay
// of an already-known deployment id is a no-op.
func (e *Engine) Deploy(ctx context.Context, req *DeployRequest) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.logger.With(slog.String("deployment_id", req.DeploymentID))

	if req.SSHPublicKey != "" {
		if err := ValidateSSHPublicKey(req.SSHPublicKey); err != nil {
			return err
		}
	}

	if _, err := e.store.GetDeployment(ctx, req.DeploymentID); err == nil {
		log.Info("deployment already known, ignoring replay")
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to look up deployment: %w", err)
	}

	if err := e.store.AcquireSlot(ctx, e.slotID, req.DeploymentID); err != nil {
		if errors.Is(err, store.ErrSlotBusy) {
			return fmt.Errorf("cannot deploy %s: %w", req.DeploymentID, ErrResourceBusy)
		}
		return fmt.Errorf("failed to acquire slot: %w", err)
	}

	// Terminate commands for this deployment cancel the deploy at its
	// next checkpoint.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(req.DeploymentID, cancel)
	defer e.dropCancel(req.DeploymentID)

	st := &deployState{}
	defer func() {
		if r := recover(); r != nil {
			err = e.compensate(req.DeploymentID, st, fmt.Errorf("deploy panicked: %v", r), log)
		}
	}()

	if derr := e.deploy(ctx, req, st, log); derr != nil {
		return e.compensate(req.DeploymentID, st, derr, log)
	}
	return nil
}

func (e *Engine) deploy(ctx context.Context, req *DeployRequest, st *deployState, log *slog.Logger) error {
	containerPorts := []int{sshContainerPort, jupyterContainerPort, appContainerPort}
	for _, p := range req.ExtraPorts() {
		containerPorts = append(containerPorts, p)
	}

	hostPorts, err := e.ports.AllocateN(len(containerPorts))
	if err != nil {
		return fmt.Errorf("failed to allocate host ports: %w", err)
	}
	st.hostPorts = hostPorts
	e.recordAllocation(req.DeploymentID, hostPorts)

	portMap := make(map[int]int, len(containerPorts))
	for i, cp := range containerPorts {
		portMap[cp] = hostPorts[i]
	}

	now := e.clock.Now().UTC()
	dep := &store.Deployment{
		DeploymentID:    req.DeploymentID,
		SlotID:          e.slotID,
		Template:        req.Template,
		Image:           req.Image,
		UserID:          req.UserID,
		Status:          store.StatusDeploying,
		StartTime:       now,
		DurationMinutes: req.DurationMinutes,
		SSHPort:         portMap[sshContainerPort],
		RentalPort1:     portMap[jupyterContainerPort],
		RentalPort2:     portMap[appContainerPort],
	}
	if err := e.store.CreateDeployment(ctx, dep); err != nil {
		return fmt.Errorf("failed to persist deployment: %w", err)
	}
	st.created = true
	log.Info("deployment persisted",
		slog.String("image", req.Image),
		slog.Int("duration_minutes", req.DurationMinutes),
	)

	// Checkpoint: a terminate may have cancelled us while persisting.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deploy cancelled: %w", err)
	}

	if err := e.driver.Pull(ctx, req.Image); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}

	creds, err := MintCredentials()
	if err != nil {
		return err
	}

	env := make(map[string]string, len(req.Environment)+4)
	for k, v := range req.Environment {
		env[k] = v
	}
	env["DEPLOYMENT_ID"] = req.DeploymentID
	env["SSH_USERNAME"] = creds.Username
	env["SSH_PASSWORD"] = creds.Password
	env["JUPYTER_TOKEN"] = creds.JupyterToken

	result, err := e.driver.Run(ctx, runtime.RunSpec{
		Name:          ContainerName(req.DeploymentID),
		Image:         req.Image,
		Env:           env,
		Volumes:       req.Volumes,
		Ports:         portMap,
		Command:       req.Command,
		RestartPolicy: req.RestartPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to run container: %w", err)
	}
	st.containerID = result.ContainerID

	// Checkpoint: the container exists now; cancellation still unwinds it.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deploy cancelled: %w", err)
	}

	e.clock.Sleep(e.readyDelay)
	e.configure(ctx, result.ContainerID, creds, req.SSHPublicKey, log)

	if err := e.verifyHealth(ctx, result.ContainerID, hostPorts); err != nil {
		return err
	}

	// Final checkpoint before the deployment becomes visible as running.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deploy cancelled: %w", err)
	}

	if err := e.store.UpdateDeploymentStatus(ctx, req.DeploymentID, store.StatusRunning, &store.DeploymentPatch{
		ContainerID: &result.ContainerID,
		SSHUsername: &creds.Username,
		SSHPassword: &creds.Password,
	}); err != nil {
		return fmt.Errorf("failed to mark deployment running: %w", err)
	}

	if err := e.notifier.NotifyDeploySuccess(ctx, e.successPayload(req.DeploymentID, result, creds, portMap)); err != nil {
		log.Warn("deploy success notification failed", slog.String("error", err.Error()))
	}

	log.Info("deployment running", slog.String("container_id", st.containerID))
	return nil
}

// configure sets up ssh access and jupyter inside the container. Failures
// here degrade the tenant experience but do not fail the deploy.
func (e *Engine) configure(ctx context.Context, containerID string, creds *Credentials, pubKey string, log *slog.Logger) {
	cmds := []string{
		fmt.Sprintf("useradd -m -s /bin/bash %s", shellescape.Quote(creds.Username)),
		fmt.Sprintf("echo %s | chpasswd", shellescape.Quote(creds.Username+":"+creds.Password)),
		fmt.Sprintf("usermod -aG sudo %s", shellescape.Quote(creds.Username)),
	}
	if pubKey != "" {
		home := "/home/" + creds.Username
		cmds = append(cmds, fmt.Sprintf(
			"mkdir -p %[1]s/.ssh && echo %[2]s >> %[1]s/.ssh/authorized_keys && chmod 700 %[1]s/.ssh && chmod 600 %[1]s/.ssh/authorized_keys && chown -R %[3]s %[1]s/.ssh",
			home, shellescape.Quote(pubKey), shellescape.Quote(creds.Username+":"+creds.Username),
		))
	}
	cmds = append(cmds, "service ssh restart")

	for _, cmd := range cmds {
		if _, err := e.driver.Exec(ctx, containerID, []string{"bash", "-c", cmd}); err != nil {
			log.Warn("container setup command failed", slog.String("error", err.Error()))
		}
	}

	jupyter := fmt.Sprintf(
		"su - %s -c %s",
		shellescape.Quote(creds.Username),
		shellescape.Quote(fmt.Sprintf(
			"jupyter lab --ip=0.0.0.0 --port=%d --no-browser --allow-root --NotebookApp.token=%s",
			jupyterContainerPort, creds.JupyterToken,
		)),
	)
	if err := e.driver.ExecDetached(ctx, containerID, []string{"bash", "-c", jupyter}); err != nil {
		log.Warn("failed to start jupyter lab", slog.String("error", err.Error()))
	}
}

// verifyHealth gates the transition to running: the container must be up,
// the GPU must be visible inside it, and every allocated port must accept
// connections.
func (e *Engine) verifyHealth(ctx context.Context, containerID string, hostPorts []int) error {
	state, err := e.driver.Inspect(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	if !state.Exists || !state.Running {
		return fmt.Errorf("container is not running")
	}

	if _, err := e.driver.Exec(ctx, containerID, []string{"nvidia-smi"}); err != nil {
		return fmt.Errorf("gpu not accessible in container: %w", err)
	}

	for _, port := range hostPorts {
		if err := e.waitForPort(ctx, port); err != nil {
			return fmt.Errorf("port %d is not listening: %w", port, err)
		}
	}
	return nil
}

func (e *Engine) waitForPort(ctx context.Context, port int) error {
	var lastErr error
	for i := 0; i < portGateAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = e.dial(port); lastErr == nil {
			return nil
		}
		e.clock.Sleep(e.gateDelay)
	}
	return lastErr
}

// compensate unwinds a failed deploy. It runs on a fresh context so a
// cancelled deploy still cleans up.
func (e *Engine) compensate(deploymentID string, st *deployState, cause error, log *slog.Logger) error {
	log.Error("deployment failed, compensating", slog.String("error", cause.Error()))

	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()

	if st.containerID != "" {
		if err := e.driver.Stop(ctx, st.containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			log.Warn("failed to stop container during compensation", slog.String("error", err.Error()))
		}
		if err := e.driver.Remove(ctx, st.containerID); err != nil {
			log.Warn("failed to remove container during compensation", slog.String("error", err.Error()))
		}
	}

	if st.created {
		reason := cause.Error()
		if err := e.store.UpdateDeploymentStatus(ctx, deploymentID, store.StatusFailed, &store.DeploymentPatch{
			Reason: &reason,
		}); err != nil {
			log.Warn("failed to mark deployment failed", slog.String("error", err.Error()))
		}
	}

	if err := e.store.ReleaseSlot(ctx, e.slotID); err != nil {
		log.Warn("failed to release slot during compensation", slog.String("error", err.Error()))
	}
	e.takeAllocation(deploymentID)
	e.ports.Release(st.hostPorts...)

	return fmt.Errorf("deployment %s failed: %w", deploymentID, cause)
}

// Terminate tears a deployment down. Terminating an already-terminal
// deployment is a no-op that still notifies the server. A terminate for an
// in-flight deploy cancels it at the next checkpoint and waits for its
// compensation before returning.
func (e *Engine) Terminate(ctx context.Context, deploymentID, reason string) error {
	if cancel := e.takeCancel(deploymentID); cancel != nil {
		cancel()
	}

	// A terminate runs to completion even when the caller's context is
	// already cancelled at shutdown. A half-torn-down tenant would wedge
	// the slot.
	ctx, release := context.WithTimeout(context.Background(), compensateTimeout)
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.logger.With(
		slog.String("deployment_id", deploymentID),
		slog.String("reason", reason),
	)

	d, err := e.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("terminate for unknown deployment")
		}
		return fmt.Errorf("failed to look up deployment %s: %w", deploymentID, err)
	}

	if d.Status.Terminal() {
		log.Info("deployment already terminal", slog.String("status", string(d.Status)))
		e.notifyTerminated(ctx, deploymentID, reason, log)
		return nil
	}

	if d.Status == store.StatusTerminating {
		// A previous terminate died between the terminating patch and the
		// finalize patch. Resume the teardown instead of re-transitioning.
		log.Info("resuming interrupted termination")
	} else if err := e.store.UpdateDeploymentStatus(ctx, deploymentID, store.StatusTerminating, nil); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Lost a race with compensation. Re-read and treat terminal
			// as done.
			if d2, gerr := e.store.GetDeployment(ctx, deploymentID); gerr == nil && d2.Status.Terminal() {
				log.Info("deployment reached terminal state concurrently", slog.String("status", string(d2.Status)))
				e.notifyTerminated(ctx, deploymentID, reason, log)
				return nil
			}
		}
		return fmt.Errorf("failed to mark deployment terminating: %w", err)
	}

	if d.ContainerID != "" {
		if err := e.driver.Stop(ctx, d.ContainerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			log.Warn("failed to stop container", slog.String("error", err.Error()))
		}
		if err := e.driver.Remove(ctx, d.ContainerID); err != nil {
			log.Warn("failed to remove container", slog.String("error", err.Error()))
		}
	}

	final := store.StatusTerminated
	if reason == ReasonDurationExpired {
		final = store.StatusCompleted
	}
	if err := e.store.UpdateDeploymentStatus(ctx, deploymentID, final, &store.DeploymentPatch{
		Reason: &reason,
	}); err != nil {
		return fmt.Errorf("failed to finalize deployment: %w", err)
	}

	ports := e.takeAllocation(deploymentID)
	if ports == nil {
		// No in-memory record (agent restarted since the deploy); the
		// persisted ports are all that can still be reserved.
		ports = []int{d.SSHPort, d.RentalPort1, d.RentalPort2}
	}
	e.ports.Release(ports...)
	e.releaseSlotIfOwned(ctx, deploymentID, log)
	e.notifyTerminated(ctx, deploymentID, reason, log)

	log.Info("deployment terminated", slog.String("status", string(final)))
	return nil
}

// releaseSlotIfOwned frees the slot only when this deployment still holds
// it, so terminating a stale record never steals the slot from a newer one.
func (e *Engine) releaseSlotIfOwned(ctx context.Context, deploymentID string, log *slog.Logger) {
	slot, err := e.store.GetSlot(ctx, e.slotID)
	if err != nil {
		log.Warn("failed to read slot during termination", slog.String("error", err.Error()))
		return
	}
	if slot.CurrentDeploymentID == nil || *slot.CurrentDeploymentID != deploymentID {
		return
	}
	if err := e.store.ReleaseSlot(ctx, e.slotID); err != nil {
		log.Warn("failed to release slot", slog.String("error", err.Error()))
	}
}

func (e *Engine) notifyTerminated(ctx context.Context, deploymentID, reason string, log *slog.Logger) {
	if err := e.notifier.NotifyDeployTerminated(ctx, deploymentID, reason); err != nil {
		log.Warn("terminate notification failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) successPayload(deploymentID string, result *runtime.RunResult, creds *Credentials, portMap map[int]int) *central.DeploySuccess {
	sshPort := result.Ports[sshContainerPort]
	jupyterPort := result.Ports[jupyterContainerPort]
	appPort := result.Ports[appContainerPort]

	mappings := make(map[string]int, len(result.Ports))
	for containerPort, hostPort := range result.Ports {
		mappings[strconv.Itoa(containerPort)] = hostPort
	}

	success := &central.DeploySuccess{
		DeploymentID: deploymentID,
		Status:       string(store.StatusRunning),
		ContainerID:  result.ContainerID,
		AccessInfo: central.AccessInfo{
			PublicIP: e.publicIP,
			SSH: central.SSHAccess{
				Host:     e.publicIP,
				Port:     sshPort,
				Username: creds.Username,
				Password: creds.Password,
				Command:  fmt.Sprintf("ssh %s@%s -p %d", creds.Username, e.publicIP, sshPort),
			},
			PortMappings: mappings,
		},
	}
	success.AccessInfo.RentalPorts.Port1 = central.RentalPort{
		Port:        jupyterPort,
		URL:         fmt.Sprintf("http://%s:%d", e.publicIP, jupyterPort),
		Description: "Jupyter Lab",
		Token:       creds.JupyterToken,
		FullURL:     fmt.Sprintf("http://%s:%d/?token=%s", e.publicIP, jupyterPort, creds.JupyterToken),
	}
	success.AccessInfo.RentalPorts.Port2 = central.RentalPort{
		Port:        appPort,
		URL:         fmt.Sprintf("http://%s:%d", e.publicIP, appPort),
		Description: "Custom application port",
	}
	return success
}

// ContainerName is the deterministic container name for a deployment.
func ContainerName(deploymentID string) string {
	return "deployment-" + deploymentID
}

func (e *Engine) registerCancel(deploymentID string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	e.cancels[deploymentID] = cancel
}

func (e *Engine) dropCancel(deploymentID string) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	delete(e.cancels, deploymentID)
}

func (e *Engine) takeCancel(deploymentID string) context.CancelFunc {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	cancel := e.cancels[deploymentID]
	delete(e.cancels, deploymentID)
	return cancel
}

func (e *Engine) recordAllocation(deploymentID string, ports []int) {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	e.allocations[deploymentID] = ports
}

func (e *Engine) takeAllocation(deploymentID string) []int {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	ports := e.allocations[deploymentID]
	delete(e.allocations, deploymentID)
	return ports
}
