// Package health runs named subsystem checks for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of one subsystem check.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
	Latency  string `json:"latency"`
}

// Check inspects one subsystem; nil means healthy.
type Check func(ctx context.Context) error

// Pinger is satisfied by *sql.DB and thin wrappers around Redis or NATS.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Registry holds named checks.
type Registry struct {
	mu      sync.RWMutex
	checks  []named
	timeout time.Duration
}

type named struct {
	name     string
	critical bool
	check    Check
}

// NewRegistry creates a registry whose checks each get timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a check. A failing critical check makes the service unready;
// a failing non-critical one is only reported.
func (r *Registry) Register(name string, critical bool, check Check) {
	r.mu.Lock()
	r.checks = append(r.checks, named{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// RegisterPinger registers p.PingContext as a check.
func (r *Registry) RegisterPinger(name string, critical bool, p Pinger) {
	r.Register(name, critical, p.PingContext)
}

// CheckAll runs every check concurrently and reports whether all critical
// checks passed, with per-check results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checks := make([]named, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			err := c.check(cctx)
			st := Status{
				Name:     c.name,
				Healthy:  err == nil,
				Critical: c.critical,
				Latency:  time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				st.Detail = err.Error()
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	ready := true
	for _, st := range statuses {
		if st.Critical && !st.Healthy {
			ready = false
		}
	}
	return ready, statuses
}
