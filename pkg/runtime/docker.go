package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// Operation deadlines. Pull is generous because tenant images are large;
// everything else is a local daemon call.
const (
	pullTimeout    = 5 * time.Minute
	runTimeout     = 60 * time.Second
	execTimeout    = 30 * time.Second
	stopTimeout    = 60 * time.Second
	removeTimeout  = 30 * time.Second
	inspectTimeout = 10 * time.Second

	// stopGraceSeconds is how long the runtime waits for the container
	// to exit before killing it.
	stopGraceSeconds = 30
)

// Docker drives tenant containers through the local Docker daemon.
type Docker struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDocker connects to the daemon from the environment.
func NewDocker(logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{cli: cli, logger: logger}, nil
}

func (d *Docker) Pull(ctx context.Context, ref string) error {
	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	cached, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err == nil && len(cached) > 0 {
		d.logger.Debug("image cached", slog.String("image", ref))
		return nil
	}

	d.logger.Info("pulling image", slog.String("image", ref))
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// The pull completes only once the stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (d *Docker) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	binds := make([]string, 0, len(spec.Volumes))
	for host, cont := range spec.Volumes {
		binds = append(binds, host+":"+cont)
	}
	sort.Strings(binds)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)},
		}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: exposed,
		Tty:          true,
	}
	if spec.Command != "" {
		containerCfg.Cmd = []string{"bash", "-c", spec.Command}
	}

	restart := spec.RestartPolicy
	if restart == "" {
		restart = "unless-stopped"
	}

	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Binds:         binds,
		ShmSize:       8 * 1024 * 1024 * 1024,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(restart)},
		Resources: container.Resources{
			DeviceRequests: []container.DeviceRequest{
				{Driver: "nvidia", Count: -1, Capabilities: [][]string{{"gpu"}}},
			},
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	// Read the published map back from the daemon; the returned ports,
	// not the requested ones, are the truth the renter connects to.
	inspect, err := d.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", spec.Name, err)
	}

	published := make(map[int]int, len(spec.Ports))
	for containerPort := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		pubs := inspect.NetworkSettings.Ports[port]
		if len(pubs) == 0 {
			return nil, fmt.Errorf("container %s: no published binding for port %d", spec.Name, containerPort)
		}
		hostPort, err := strconv.Atoi(pubs[0].HostPort)
		if err != nil {
			return nil, fmt.Errorf("container %s: bad published port %q: %w", spec.Name, pubs[0].HostPort, err)
		}
		published[containerPort] = hostPort
	}

	d.logger.Info("container started",
		slog.String("name", spec.Name),
		slog.String("container_id", shortID(resp.ID)),
	)
	return &RunResult{ContainerID: resp.ID, Ports: published}, nil
}

func (d *Docker) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	exec, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	out, err := io.ReadAll(attach.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to read exec output: %w", err)
	}

	info, err := d.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return string(out), fmt.Errorf("failed to inspect exec: %w", err)
	}
	if info.ExitCode != 0 {
		return string(out), fmt.Errorf("command exited %d: %s", info.ExitCode, string(out))
	}
	return string(out), nil
}

func (d *Docker) ExecDetached(ctx context.Context, containerID string, cmd []string) error {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	exec, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:    cmd,
		Detach: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create exec: %w", err)
	}
	if err := d.cli.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("failed to start exec: %w", err)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	grace := stopGraceSeconds
	err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace})
	if err == nil {
		return nil
	}
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("container %s: %w", shortID(containerID), ErrNotFound)
	}

	d.logger.Warn("graceful stop failed, killing",
		slog.String("container_id", shortID(containerID)),
		slog.String("error", err.Error()),
	)
	if err := d.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", shortID(containerID), err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()

	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", shortID(containerID), err)
	}
	return nil
}

func (d *Docker) Inspect(ctx context.Context, containerID string) (*State, error) {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &State{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", shortID(containerID), err)
	}
	return &State{Exists: true, Running: info.State != nil && info.State.Running}, nil
}

func (d *Docker) Close() error {
	return d.cli.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
