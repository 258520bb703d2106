// Package runtime wraps the container runtime behind a small synchronous
// driver interface. Every operation is bounded by a timeout and any
// operation that cannot be proven successful reports failure.
package runtime

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an operation targets a container the
// runtime does not know.
var ErrNotFound = errors.New("container not found")

// RunSpec describes a tenant container to create and start.
type RunSpec struct {
	// Name is the deterministic container name (deployment-<id>), which
	// prevents duplicate tenants for the same deployment.
	Name string

	Image string

	// Env is merged into the container environment.
	Env map[string]string

	// Volumes maps host paths to container paths.
	Volumes map[string]string

	// Ports maps container ports to pre-reserved host ports.
	Ports map[int]int

	// Command optionally overrides the image entrypoint arguments,
	// wrapped in a shell.
	Command string

	// RestartPolicy defaults to unless-stopped.
	RestartPolicy string
}

// RunResult reports the created container and its published port map.
type RunResult struct {
	ContainerID string

	// Ports maps container ports to the host ports the runtime actually
	// published, read back from inspect.
	Ports map[int]int
}

// State is the inspect result.
type State struct {
	Exists  bool
	Running bool
}

// Driver is the synchronous container runtime interface.
type Driver interface {
	// Pull fetches the image; a locally cached image is a no-op.
	Pull(ctx context.Context, image string) error

	// Run creates and starts a detached container.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)

	// Exec runs a command inside the container and returns its combined
	// output. A non-zero exit code is an error.
	Exec(ctx context.Context, containerID string, cmd []string) (string, error)

	// ExecDetached starts a command inside the container without waiting
	// for it to finish.
	ExecDetached(ctx context.Context, containerID string, cmd []string) error

	// Stop gracefully stops the container, escalating to kill after the
	// stop deadline.
	Stop(ctx context.Context, containerID string) error

	// Remove deletes the container.
	Remove(ctx context.Context, containerID string) error

	// Inspect reports whether the container exists and is running.
	Inspect(ctx context.Context, containerID string) (*State, error)

	Close() error
}
