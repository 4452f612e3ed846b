package registry

import (
	"fmt"
	"net"
	"strconv"
)

const (
	// DefaultMaxAttempts bounds the probe sequence of one allocation.
	DefaultMaxAttempts = 1000
	maxPort            = 65535
)

// Request asks for a host port under Key.
type Request struct {
	Key       string
	Preferred int
}

// Allocator assigns host ports to project allocation keys.
type Allocator struct {
	// MaxAttempts bounds the number of ports probed; DefaultMaxAttempts when zero.
	MaxAttempts int
	// HostBusy, when set, reports host ports already bound outside the registry.
	HostBusy func(port int) bool
}

// NewAllocator returns an Allocator with the default ceiling and no host probe.
func NewAllocator() *Allocator {
	return &Allocator{MaxAttempts: DefaultMaxAttempts}
}

// Allocate returns the port of project under key and records it.
//
// An existing allocation is kept unless another active project now holds the
// port. A new port is searched upward from preferred, skipping ports reserved
// by other non-stale projects, ports the project uses under another key and
// ports HostBusy reports.
func (a *Allocator) Allocate(reg *Registry, project, key string, preferred int) (int, error) {
	rec, ok := reg.Get(project)
	if !ok {
		return 0, &ProjectNotFoundError{Name: project}
	}
	if preferred <= 0 || preferred > maxPort {
		return 0, fmt.Errorf("allocate %s: preferred port %d out of range", key, preferred)
	}
	if rec.Allocations == nil {
		rec.Allocations = make(map[string]int)
	}

	ownOther := make(map[int]struct{})
	for k, port := range rec.Allocations {
		if k != key {
			ownOther[port] = struct{}{}
		}
	}
	active := make(map[int]struct{})
	reserved := make(map[int]struct{})
	for name, other := range reg.Projects {
		if name == project || other.Stale {
			continue
		}
		for _, port := range other.Allocations {
			reserved[port] = struct{}{}
			if other.Active() {
				active[port] = struct{}{}
			}
		}
	}

	if port, ok := rec.Allocations[key]; ok {
		_, takenByActive := active[port]
		_, takenByOwn := ownOther[port]
		if !takenByActive && !takenByOwn {
			return port, nil
		}
	}

	limit := a.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	attempts := 0
	for port := preferred; port <= maxPort && attempts < limit; port++ {
		attempts++
		if _, taken := reserved[port]; taken {
			continue
		}
		if _, taken := ownOther[port]; taken {
			continue
		}
		if a.HostBusy != nil && a.HostBusy(port) {
			continue
		}
		rec.Allocations[key] = port
		return port, nil
	}
	return 0, &PortExhaustionError{Key: key, Preferred: preferred, Attempts: attempts}
}

// AllocateAll allocates every request in order and returns the ports by key.
func (a *Allocator) AllocateAll(reg *Registry, project string, reqs []Request) (map[string]int, error) {
	out := make(map[string]int, len(reqs))
	for _, req := range reqs {
		port, err := a.Allocate(reg, project, req.Key, req.Preferred)
		if err != nil {
			return nil, err
		}
		out[req.Key] = port
	}
	return out, nil
}

// PortInUse reports whether a TCP listener cannot be opened on port.
func PortInUse(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}
