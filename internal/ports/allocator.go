// Package ports hands out host ports for plugin containers from a configured
// range. The allocator is in-memory; it is seeded from the store at startup
// and cross-checked against ports the container daemon already publishes.
package ports

import (
	"context"
	"sync"

	"github.com/forgeplatform/plugind/internal/metrics"
	"github.com/forgeplatform/plugind/pkg/api"
)

// PublishedPortsFunc reports every host port currently published by any
// container the daemon knows about, managed or not.
type PublishedPortsFunc func(ctx context.Context) (map[int]struct{}, error)

// Allocator assigns host ports. All operations are atomic; concurrent installs
// never receive the same port.
type Allocator struct {
	mu        sync.Mutex
	start     int
	end       int
	allocated map[int]struct{}
	published PublishedPortsFunc
}

// New creates an allocator over [start, end]. published may be nil.
func New(start, end int, published PublishedPortsFunc) *Allocator {
	return &Allocator{
		start:     start,
		end:       end,
		allocated: make(map[int]struct{}),
		published: published,
	}
}

// Seed marks ports recorded in the store as taken.
func (a *Allocator) Seed(ports []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		a.allocated[p] = struct{}{}
	}
	metrics.PortsAllocated.Set(float64(len(a.allocated)))
}

// Allocate returns the smallest free port in the range. The used set is the
// union of in-memory allocations and daemon-published ports; a daemon error
// degrades to the in-memory view alone.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	published := a.publishedSet(ctx)
	for p := a.start; p <= a.end; p++ {
		if _, taken := a.allocated[p]; taken {
			continue
		}
		if _, taken := published[p]; taken {
			continue
		}
		a.allocated[p] = struct{}{}
		metrics.PortsAllocated.Set(float64(len(a.allocated)))
		return p, nil
	}
	return 0, api.NewError(api.ErrCodeNoPortAvailable,
		"no free host port in range %d-%d", a.start, a.end)
}

// AllocateFixed claims a manifest-pinned host port, failing with PortInUse
// when it is taken or outside the range.
func (a *Allocator) AllocateFixed(ctx context.Context, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.start || port > a.end {
		return api.NewError(api.ErrCodePortInUse,
			"host port %d outside configured range %d-%d", port, a.start, a.end)
	}
	if _, taken := a.allocated[port]; taken {
		return api.NewError(api.ErrCodePortInUse, "host port %d already allocated", port)
	}
	if _, taken := a.publishedSet(ctx)[port]; taken {
		return api.NewError(api.ErrCodePortInUse, "host port %d already published by a container", port)
	}
	a.allocated[port] = struct{}{}
	metrics.PortsAllocated.Set(float64(len(a.allocated)))
	return nil
}

// Release frees a port for reuse. Releasing an unallocated port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
	metrics.PortsAllocated.Set(float64(len(a.allocated)))
}

// InUseCount returns the number of live allocations.
func (a *Allocator) InUseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

func (a *Allocator) publishedSet(ctx context.Context) map[int]struct{} {
	if a.published == nil {
		return nil
	}
	set, err := a.published(ctx)
	if err != nil {
		return nil
	}
	return set
}
