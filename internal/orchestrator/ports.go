package orchestrator

import (
	"fmt"
	"net"
	"sync"

	"github.com/wakegate/wakegate/internal/metrics"
)

// ── Public Port Allocator ───────────────────────────────────────────────
//
// Ports are reserved from an in-process range guarded by a mutex. A
// reservation is confirmed with a transient bind so the allocator never
// hands out a port some other process already holds. Reservations are
// released on delete (or on deploy rollback), so a port stays unique on
// the node for as long as its bundle exists.

// PortAllocator hands out public ports for proxy containers.
type PortAllocator struct {
	mu       sync.Mutex
	start    int
	end      int
	next     int
	reserved map[int]bool
}

// NewPortAllocator creates an allocator over the inclusive range
// [start, end].
func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{
		start:    start,
		end:      end,
		next:     start,
		reserved: make(map[int]bool),
	}
}

// Reserve allocates a free port from the range. The port remains
// reserved until Release is called.
func (a *PortAllocator) Reserve() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.end {
			a.next = a.start
		}
		if a.reserved[port] {
			continue
		}
		if !bindable(port) {
			continue
		}
		a.reserved[port] = true
		metrics.PortsAllocated.Set(float64(len(a.reserved)))
		return port, nil
	}

	return 0, fmt.Errorf("no free ports in range %d-%d", a.start, a.end)
}

// Release returns a port to the pool. Releasing an unreserved port is a
// no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
	metrics.PortsAllocated.Set(float64(len(a.reserved)))
}

// MarkReserved records a port already in use (e.g. found on existing
// bundles at startup) so the allocator skips it.
func (a *PortAllocator) MarkReserved(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved[port] = true
	metrics.PortsAllocated.Set(float64(len(a.reserved)))
}

// Reserved returns the number of currently reserved ports.
func (a *PortAllocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

// bindable confirms the port is actually free on the host, for both
// protocols the proxy container publishes.
func bindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()

	p, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	p.Close()
	return true
}
