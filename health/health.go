// Package health reports the state of the broker connection, its channels and
// its consumers, and serves it over HTTP.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of a check; a report takes the worst of its checks
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is what one checker reports
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Report aggregates every check
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Checker probes one part of the module
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc names fn as a Checker
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

func (c *CheckerFunc) Name() string { return c.name }

// Registry holds the checkers run for each report
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]interface{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]interface{}),
	}
}

// Register adds a checker, replacing any checker with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// Names returns the registered checker names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetMetadata attaches a value to every report
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every checker concurrently and waits for all of them or for ctx.
// Checks still running when ctx ends are reported unhealthy, as is the whole
// report. Name, Timestamp and Duration are filled in when a checker leaves them
// unset.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()
	names := r.Names()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(names))
	for _, name := range names {
		checkers = append(checkers, r.checkers[name])
	}
	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckResult, len(checkers))
	)
	for _, checker := range checkers {
		wg.Add(1)
		go func(checker Checker) {
			defer wg.Done()
			began := time.Now()
			res := checker.Check(ctx)
			if res.Name == "" {
				res.Name = checker.Name()
			}
			if res.Duration == 0 {
				res.Duration = time.Since(began)
			}
			if res.Timestamp.IsZero() {
				res.Timestamp = time.Now()
			}
			mu.Lock()
			results[checker.Name()] = res
			mu.Unlock()
		}(checker)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	report := Report{Status: StatusHealthy, Metadata: metadata}
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	report.Checks = make(map[string]CheckResult, len(checkers))
	for _, name := range names {
		res, ok := results[name]
		if !ok {
			res = CheckResult{
				Name:      name,
				Status:    StatusUnhealthy,
				Message:   "check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     ctx.Err().Error(),
			}
		}
		report.Checks[name] = res
		report.Status = worst(report.Status, res.Status)
	}
	mu.Unlock()

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// worst orders statuses unhealthy > degraded > healthy
func worst(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
