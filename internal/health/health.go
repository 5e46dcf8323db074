// Package health reports liveness and readiness of the service.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/macjediwizard/tracsync/internal/db"
)

// Status is the overall or per-check health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 5 * time.Second

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report is the response body of the health endpoints.
type Report struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    string        `json:"uptime"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// Store is the subset of the database the checker needs.
type Store interface {
	Ping(ctx context.Context) error
	ListOrgs(ctx context.Context) ([]*db.Org, error)
}

// JobCounter reports the number of scheduled org jobs.
type JobCounter interface {
	GetJobCount() int
}

// Checker runs the health checks.
type Checker struct {
	store     Store
	jobs      JobCounter
	startedAt time.Time
	now       func() time.Time
}

// NewChecker creates a checker. jobs may be nil when no scheduler runs.
func NewChecker(store Store, jobs JobCounter) *Checker {
	return &Checker{store: store, jobs: jobs, startedAt: time.Now(), now: time.Now}
}

// Liveness reports that the process is up without touching dependencies.
func (c *Checker) Liveness() Report {
	now := c.now()
	return Report{
		Status:    StatusHealthy,
		Timestamp: now.UTC(),
		Uptime:    now.Sub(c.startedAt).Round(time.Second).String(),
	}
}

// Check runs every dependency check. The database is critical; orgs with
// rejected credentials only degrade the report.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	report := c.Liveness()
	report.Checks = append(report.Checks, c.checkDatabase(ctx))
	if report.Checks[0].Status == StatusHealthy {
		report.Checks = append(report.Checks, c.checkOrgs(ctx))
	}
	if c.jobs != nil {
		report.Checks = append(report.Checks, CheckResult{
			Name:    "scheduler",
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d jobs", c.jobs.GetJobCount()),
		})
	}

	for _, check := range report.Checks {
		switch check.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func (c *Checker) checkDatabase(ctx context.Context) CheckResult {
	start := c.now()
	result := CheckResult{Name: "database", Status: StatusHealthy}
	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	result.Latency = c.now().Sub(start).String()
	return result
}

func (c *Checker) checkOrgs(ctx context.Context) CheckResult {
	result := CheckResult{Name: "orgs", Status: StatusHealthy}
	orgs, err := c.store.ListOrgs(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		return result
	}

	var failed int
	for _, org := range orgs {
		if org.AuthFailed {
			failed++
		}
	}
	result.Message = fmt.Sprintf("%d orgs", len(orgs))
	if failed > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d orgs have rejected credentials", failed, len(orgs))
	}
	return result
}
