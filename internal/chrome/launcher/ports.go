package launcher

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	freePortAttempts = 3
	freePortBackoff  = 500 * time.Millisecond
)

// PortRegistry tracks debug ports owned by live instances in this process.
type PortRegistry struct {
	mu    sync.Mutex
	inUse map[int]struct{}
}

func NewPortRegistry() *PortRegistry {
	return &PortRegistry{inUse: make(map[int]struct{})}
}

// Reserve claims port. It fails with ErrPortBusy when already claimed.
func (r *PortRegistry) Reserve(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inUse[port]; ok {
		return fmt.Errorf("%w: port %d reserved by another instance", ErrPortBusy, port)
	}
	r.inUse[port] = struct{}{}
	return nil
}

func (r *PortRegistry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inUse, port)
}

func (r *PortRegistry) InUse(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inUse[port]
	return ok
}

// Acquire reserves the first port at or above from that is neither
// reserved nor accepting connections on host.
func (r *PortRegistry) Acquire(host string, from int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for port := from; port <= 65535; port++ {
		if _, ok := r.inUse[port]; ok {
			continue
		}
		if IsPortOpen(host, port) {
			continue
		}
		r.inUse[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port from %d", ErrPortBusy, from)
}

// Reserved lists claimed ports in ascending order.
func (r *PortRegistry) Reserved() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.inUse))
	for p := range r.inUse {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// IsPortOpen checks if a TCP port is accepting connections.
func IsPortOpen(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FreePort makes sure nothing listens on host:port. A listener that answers
// /json is treated as a stale browser and killed via scanner.
func FreePort(ctx context.Context, host string, port int, scanner Scanner, probe Probe, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	for attempt := 1; attempt <= freePortAttempts; attempt++ {
		if !IsPortOpen(host, port) {
			return nil
		}
		if err := probe(ctx, host, port); err != nil {
			logger.Warn("port held by a non-DevTools listener",
				zap.String("addr", addr), zap.Int("attempt", attempt), zap.Error(err))
		} else {
			procs, err := scanner.FindByPort(port)
			if err != nil {
				logger.Warn("process scan failed", zap.Int("port", port), zap.Error(err))
			}
			for _, p := range procs {
				logger.Info("killing stale browser", zap.Int("port", port), zap.Int("pid", p.PID))
				if err := scanner.Kill(p.PID); err != nil {
					logger.Warn("kill failed", zap.Int("pid", p.PID), zap.Error(err))
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(freePortBackoff):
		}
	}
	if IsPortOpen(host, port) {
		return fmt.Errorf("%w: %s still in use after %d attempts", ErrPortBusy, addr, freePortAttempts)
	}
	return nil
}
