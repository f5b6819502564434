// Package health runs named dependency checks for the readiness endpoint.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the health of one dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Checker reports the health of one dependency.
type Checker func(ctx context.Context) Status

// Registry holds named checkers.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose checks each get at most timeout.
// A non-positive timeout means two seconds.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// RegisterPing adds a checker that is healthy when ping returns nil.
func (r *Registry) RegisterPing(name string, ping func(ctx context.Context) error) {
	r.Register(name, func(ctx context.Context) Status {
		start := time.Now()
		err := ping(ctx)
		st := Status{Name: name, Healthy: err == nil, Latency: time.Since(start).Round(time.Microsecond).String()}
		if err != nil {
			st.Detail = err.Error()
		}
		return st
	})
}

// CheckAll runs every checker concurrently and reports whether all are
// healthy. Statuses are sorted by name.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			statuses[i] = run(cctx, nc)
		}(i, nc)
	}
	wg.Wait()

	sort.Slice(statuses, func(a, b int) bool { return statuses[a].Name < statuses[b].Name })
	healthy := true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// run calls the checker, converting a panic or a missed deadline into an
// unhealthy status.
func run(ctx context.Context, nc namedChecker) (st Status) {
	done := make(chan Status, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Status{Name: nc.name, Detail: fmt.Sprintf("check panicked: %v", p)}
			}
		}()
		done <- nc.check(ctx)
	}()

	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Detail: "check timed out"}
	}
	if st.Name == "" {
		st.Name = nc.name
	}
	return st
}
