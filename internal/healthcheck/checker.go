// Package healthcheck probes the backing services the bot depends on.
package healthcheck

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusError indicates check failed.
	StatusError = "error"
)

const DefaultTimeout = 3 * time.Second

// CheckResult is one probed dependency.
type CheckResult struct {
	ID      string
	Status  string
	Detail  string
	Latency time.Duration
}

// Checker evaluates one or more runtime checks.
type Checker interface {
	ListChecks(ctx context.Context) []CheckResult
}

// Pinger checks that a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker pings named dependencies concurrently, each under its own
// timeout. Results are sorted by ID.
type PingChecker struct {
	targets map[string]Pinger
	timeout time.Duration
}

func NewPingChecker(timeout time.Duration, targets map[string]Pinger) *PingChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PingChecker{targets: targets, timeout: timeout}
}

func (p *PingChecker) ListChecks(ctx context.Context) []CheckResult {
	results := make([]CheckResult, 0, len(p.targets))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for id, target := range p.targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.probe(ctx, id, target)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (p *PingChecker) probe(ctx context.Context, id string, target Pinger) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	err := target.Ping(ctx)
	res := CheckResult{ID: id, Status: StatusOK, Latency: time.Since(start)}
	if err != nil {
		res.Status = StatusError
		res.Detail = err.Error()
	}
	return res
}

// Healthy reports whether every result passed.
func Healthy(results []CheckResult) bool {
	for _, r := range results {
		if r.Status != StatusOK {
			return false
		}
	}
	return true
}
