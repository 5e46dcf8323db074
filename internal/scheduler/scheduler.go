package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/logger"
	"github.com/macjediwizard/tracsync/internal/orgsync"
	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/robfig/cron/v3"
)

// failureAlertThreshold is the number of consecutive failed passes after
// which an org raises a failure alert.
const failureAlertThreshold = 3

// backoffSchedule is the delay before retrying an org after consecutive
// failed passes.
var backoffSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	time.Hour,
}

var ErrSyncInProgress = errors.New("sync already in progress")

// Backoff returns the retry delay after the given number of consecutive
// failures.
func Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	return backoffSchedule[min(failures, len(backoffSchedule))-1]
}

// Runner runs org passes. *orgsync.Runner satisfies it.
type Runner interface {
	SyncOrg(ctx context.Context, org *db.Org) *orgsync.Result
	SyncFamily(ctx context.Context, org *db.Org, family reconcile.Family, full bool) *orgsync.Result
}

// Config holds scheduling settings.
type Config struct {
	DefaultInterval  time.Duration
	SyncTimeout      time.Duration
	LogRetentionDays int
	CleanupSchedule  string // cron spec with seconds
}

// Job represents a scheduled sync job.
type Job struct {
	orgID    string
	interval time.Duration
	stopCh   chan struct{}
}

// Scheduler manages background sync jobs.
type Scheduler struct {
	db      *db.DB
	runner  Runner
	alerter orgsync.Alerter
	cfg     Config
	cron    *cron.Cron

	mu        sync.RWMutex
	jobs      map[string]*Job
	syncLocks map[string]*sync.Mutex // Per-org locks to prevent concurrent passes
	failures  map[string]int         // Consecutive failed passes per org
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

// New creates a new scheduler. alerter may be nil.
func New(database *db.DB, runner Runner, alerter orgsync.Alerter, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:        database,
		runner:    runner,
		alerter:   alerter,
		cfg:       cfg,
		cron:      cron.New(cron.WithSeconds()),
		jobs:      make(map[string]*Job),
		syncLocks: make(map[string]*sync.Mutex),
		failures:  make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start loads all schedulable orgs, starts their jobs and the cleanup cron.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.CleanupSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.CleanupSchedule, s.cleanupOldLogs); err != nil {
			return fmt.Errorf("invalid cleanup schedule: %w", err)
		}
	}

	orgs, err := s.db.ListSchedulableOrgs(s.ctx)
	if err != nil {
		return err
	}
	for _, org := range orgs {
		s.AddJob(org.ID, s.orgInterval(org))
	}

	s.cron.Start()
	logger.Info().Int("jobs", len(orgs)).Msg("Scheduler started")
	return nil
}

// Stop gracefully shuts down all jobs and waits for running passes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	for _, job := range s.jobs {
		close(job.stopCh)
	}
	s.jobs = make(map[string]*Job)
	s.mu.Unlock()

	s.cancel()
	if wasStarted {
		<-s.cron.Stop().Done()
	}

	s.wg.Wait()
	if wasStarted {
		logger.Info().Msg("Scheduler stopped")
	}
}

func (s *Scheduler) orgInterval(org *db.Org) time.Duration {
	if org.SyncInterval > 0 {
		return time.Duration(org.SyncInterval) * time.Second
	}
	return s.cfg.DefaultInterval
}

// AddJob adds or replaces the job of an org. The first pass runs at once.
func (s *Scheduler) AddJob(orgID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingJob, exists := s.jobs[orgID]; exists {
		close(existingJob.stopCh)
	}

	job := &Job{
		orgID:    orgID,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	s.jobs[orgID] = job

	s.wg.Add(1)
	go s.runJob(job)

	logger.Info().Str("org_id", orgID).Dur("interval", interval).Msg("Added sync job")
}

// RemoveJob removes the job of an org.
func (s *Scheduler) RemoveJob(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[orgID]; exists {
		close(job.stopCh)
		delete(s.jobs, orgID)
		logger.Info().Str("org_id", orgID).Msg("Removed sync job")
	}
}

// UpdateJobInterval changes the interval of an existing job. It applies
// from the next scheduled pass.
func (s *Scheduler) UpdateJobInterval(orgID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, exists := s.jobs[orgID]; exists {
		job.interval = interval
		logger.Info().Str("org_id", orgID).Dur("interval", interval).Msg("Updated sync interval")
	}
}

// GetJobCount returns the number of active jobs.
func (s *Scheduler) GetJobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// HasJob reports whether an org has a scheduled job.
func (s *Scheduler) HasJob(orgID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[orgID]
	return ok
}

// Failures returns the consecutive failed passes of an org.
func (s *Scheduler) Failures(orgID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures[orgID]
}

// Trigger starts a manual pass in the background. An empty family runs every
// family. It fails fast when the org already has a pass in progress.
func (s *Scheduler) Trigger(orgID string, family reconcile.Family, full bool) error {
	lock := s.getSyncLock(orgID)
	if !lock.TryLock() {
		return ErrSyncInProgress
	}

	org, err := s.db.GetOrg(s.ctx, orgID)
	if err != nil {
		lock.Unlock()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer lock.Unlock()
		s.run(org, family, full)
	}()
	return nil
}

// runJob runs the sync job loop. A failed pass delays the next one by the
// backoff schedule instead of the interval.
func (s *Scheduler) runJob(job *Job) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-job.stopCh:
			return
		case <-timer.C:
			s.executeSync(job.orgID)
			timer.Reset(s.nextDelay(job))
		}
	}
}

func (s *Scheduler) nextDelay(job *Job) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := s.failures[job.orgID]; n > 0 {
		return Backoff(n)
	}
	return job.interval
}

// getSyncLock returns the mutex for an org, creating one if needed.
func (s *Scheduler) getSyncLock(orgID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, exists := s.syncLocks[orgID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.syncLocks[orgID] = lock
	return lock
}

// executeSync runs a scheduled pass for an org unless one is in progress.
func (s *Scheduler) executeSync(orgID string) *orgsync.Result {
	lock := s.getSyncLock(orgID)
	if !lock.TryLock() {
		logger.Info().Str("org_id", orgID).Msg("Skipping sync, another pass is in progress")
		return nil
	}
	defer lock.Unlock()

	org, err := s.db.GetOrg(s.ctx, orgID)
	if err != nil {
		logger.Error().Err(err).Str("org_id", orgID).Msg("Failed to load org")
		return nil
	}
	if !org.Enabled || org.AuthFailed {
		s.RemoveJob(orgID)
		return nil
	}

	return s.run(org, "", false)
}

// run executes a pass and applies its outcome to the org's schedule.
func (s *Scheduler) run(org *db.Org, family reconcile.Family, full bool) *orgsync.Result {
	ctx := s.ctx
	if s.cfg.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.SyncTimeout)
		defer cancel()
	}

	var result *orgsync.Result
	if family == "" {
		result = s.runner.SyncOrg(ctx, org)
	} else {
		result = s.runner.SyncFamily(ctx, org, family, full)
	}

	switch {
	case result.AuthFailed():
		s.resetFailures(org.ID)
		s.RemoveJob(org.ID)
	case result.Err != nil:
		n := s.recordFailure(org.ID)
		logger.Warn().Str("org_id", org.ID).Int("failures", n).Dur("retry_in", Backoff(n)).Msg("Sync failed, backing off")
		if n >= failureAlertThreshold && s.alerter != nil {
			s.alerter.SendFailureAlert(s.ctx, org.ID, org.Name, result.Err.Error())
		}
	default:
		s.resetFailures(org.ID)
	}
	return result
}

func (s *Scheduler) recordFailure(orgID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[orgID]++
	return s.failures[orgID]
}

func (s *Scheduler) resetFailures(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, orgID)
}

// cleanupOldLogs deletes sync logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	if s.cfg.LogRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.LogRetentionDays)
	deleted, err := s.db.CleanOldSyncLogs(s.ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to clean old sync logs")
		return
	}
	if deleted > 0 {
		logger.Info().Int64("deleted", deleted).Msg("Cleaned old sync logs")
	}
}
