package runtime

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
)

// Host port range reserved for tenant containers.
const (
	PortRangeStart = 30000
	PortRangeEnd   = 39999
)

// maxProbes bounds how many candidate ports one allocation tries before
// giving up. The range holds 10,000 ports, so exhausting this means the
// host is badly oversubscribed.
const maxProbes = 128

// PortAllocator reserves host ports for tenant containers by binding and
// immediately closing a listener, so a port proven free is handed to the
// runtime instead of a random guess.
type PortAllocator struct {
	mu       sync.Mutex
	rng      *rand.Rand
	reserved map[int]bool
}

// NewPortAllocator creates an allocator over the tenant port range.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		rng:      rand.New(rand.NewSource(rand.Int63())),
		reserved: make(map[int]bool),
	}
}

// Allocate reserves one free port.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked()
}

// AllocateN reserves n distinct free ports. On failure no port stays
// reserved.
func (a *PortAllocator) AllocateN(n int) ([]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		p, err := a.allocateLocked()
		if err != nil {
			for _, got := range ports {
				delete(a.reserved, got)
			}
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Release returns ports to the pool once the container owning them is
// gone (or was never started).
func (a *PortAllocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		delete(a.reserved, p)
	}
}

// Reserved reports whether the allocator currently holds a reservation
// for port.
func (a *PortAllocator) Reserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}

func (a *PortAllocator) allocateLocked() (int, error) {
	span := PortRangeEnd - PortRangeStart + 1
	for i := 0; i < maxProbes; i++ {
		candidate := PortRangeStart + a.rng.Intn(span)
		if a.reserved[candidate] {
			continue
		}
		if !PortFree(candidate) {
			continue
		}
		a.reserved[candidate] = true
		return candidate, nil
	}
	return 0, fmt.Errorf("no free port found in %d-%d after %d probes",
		PortRangeStart, PortRangeEnd, maxProbes)
}

// PortFree reports whether a TCP port can currently be bound on all
// interfaces.
func PortFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
