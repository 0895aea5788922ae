// Package health runs named reachability checks against the upstreams an
// agent score depends on.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// Status is the health of a single upstream.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker reports the health of one upstream.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose checks are each bounded by timeout.
// A non-positive timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{timeout: timeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// Len reports the number of registered checkers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.checkers)
}

// CheckAll runs every checker concurrently and returns the aggregate health
// plus the individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, nc := range checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			start := time.Now()
			s := nc.check(cctx)
			s.Name = nc.name
			s.LatencyMS = time.Since(start).Milliseconds()
			statuses[i] = s
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Ping adapts a call that only reports an error.
func Ping(fn func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := fn(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Height adapts a call that reports a ledger height. A zero height is
// unhealthy since no supported ledger is at genesis.
func Height(fn func(ctx context.Context) (uint64, error)) Checker {
	return func(ctx context.Context) Status {
		h, err := fn(ctx)
		switch {
		case err != nil:
			return Status{Detail: err.Error()}
		case h == 0:
			return Status{Detail: "ledger reported height 0"}
		default:
			return Status{Healthy: true, Detail: fmt.Sprintf("height %d", h)}
		}
	}
}
