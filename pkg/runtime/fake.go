package runtime

import (
	"context"
	"fmt"
	"sync"
)

// FakeContainer is the recorded state of one container in the fake
// runtime.
type FakeContainer struct {
	ID      string
	Name    string
	Image   string
	Running bool
	Ports   map[int]int
	Execs   [][]string
}

// Fake is an in-memory Driver for engine and agent tests. Individual
// operations can be made to fail.
type Fake struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*FakeContainer // keyed by container id
	pulled     []string

	PullErr   error
	RunErr    error
	ExecErr   error
	StopErr   error
	RemoveErr error
}

// NewFake creates an empty fake runtime.
func NewFake() *Fake {
	return &Fake{containers: make(map[string]*FakeContainer)}
}

func (f *Fake) Pull(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PullErr != nil {
		return f.PullErr
	}
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *Fake) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RunErr != nil {
		return nil, f.RunErr
	}
	for _, c := range f.containers {
		if c.Name == spec.Name {
			return nil, fmt.Errorf("container name %s already in use", spec.Name)
		}
	}

	f.nextID++
	id := fmt.Sprintf("fake-container-%04d", f.nextID)
	ports := make(map[int]int, len(spec.Ports))
	for containerPort, hostPort := range spec.Ports {
		ports[containerPort] = hostPort
	}
	f.containers[id] = &FakeContainer{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		Running: true,
		Ports:   ports,
	}
	return &RunResult{ContainerID: id, Ports: ports}, nil
}

func (f *Fake) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExecErr != nil {
		return "", f.ExecErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return "", fmt.Errorf("container %s: %w", containerID, ErrNotFound)
	}
	c.Execs = append(c.Execs, cmd)
	return "", nil
}

func (f *Fake) ExecDetached(ctx context.Context, containerID string, cmd []string) error {
	_, err := f.Exec(ctx, containerID, cmd)
	return err
}

func (f *Fake) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		return f.StopErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("container %s: %w", containerID, ErrNotFound)
	}
	c.Running = false
	return nil
}

func (f *Fake) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	delete(f.containers, containerID)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, containerID string) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return &State{Exists: false}, nil
	}
	return &State{Exists: true, Running: c.Running}, nil
}

func (f *Fake) Close() error { return nil }

// Container returns the container with the given name, or nil. Test
// helper.
func (f *Fake) Container(name string) *FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.Name == name {
			cp := *c
			return &cp
		}
	}
	return nil
}

// Seed installs a container directly, bypassing Run. Used by orphan
// reconciliation tests.
func (f *Fake) Seed(c FakeContainer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		f.nextID++
		c.ID = fmt.Sprintf("fake-container-%04d", f.nextID)
	}
	f.containers[c.ID] = &c
}

// Pulled returns the images pulled so far. Test helper.
func (f *Fake) Pulled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulled...)
}

// Count returns how many containers exist. Test helper.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}
