package activity

import (
	"sync"
	"time"
)

// Status values of a tracked pass.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// SyncActivity represents the current state of one org pass.
type SyncActivity struct {
	OrgID         string     `json:"org_id"`
	OrgName       string     `json:"org_name"`
	Status        string     `json:"status"`
	CurrentFamily string     `json:"current_family,omitempty"`
	TotalFamilies int        `json:"total_families"`
	FamiliesDone  int        `json:"families_done"`
	Created       int        `json:"created"`
	Updated       int        `json:"updated"`
	Deleted       int        `json:"deleted"`
	Failed        int        `json:"failed"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Duration      string     `json:"duration,omitempty"`
	Message       string     `json:"message,omitempty"`
	Errors        []string   `json:"errors,omitempty"`
}

// Snapshot is the combined view served to operators.
type Snapshot struct {
	Active []*SyncActivity `json:"active"`
	Recent []*SyncActivity `json:"recent"`
}

// Tracker tracks sync activity across all orgs.
type Tracker struct {
	mu             sync.RWMutex
	active         map[string]*SyncActivity // orgID -> activity
	recent         []*SyncActivity
	maxRecentSyncs int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:         make(map[string]*SyncActivity),
		recent:         make([]*SyncActivity, 0),
		maxRecentSyncs: 20,
	}
}

// StartSync begins tracking a pass over the given number of families.
func (t *Tracker) StartSync(orgID, orgName string, totalFamilies int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[orgID] = &SyncActivity{
		OrgID:         orgID,
		OrgName:       orgName,
		Status:        StatusRunning,
		TotalFamilies: totalFamilies,
		StartedAt:     time.Now(),
	}
}

// StartFamily records the family currently being reconciled.
func (t *Tracker) StartFamily(orgID, family string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[orgID]; exists {
		activity.CurrentFamily = family
	}
}

// FinishFamily adds a family's counts to the running totals.
func (t *Tracker) FinishFamily(orgID string, created, updated, deleted, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[orgID]; exists {
		activity.FamiliesDone++
		activity.Created += created
		activity.Updated += updated
		activity.Deleted += deleted
		activity.Failed += failed
	}
}

// FinishSync marks a pass as completed and moves it to recent.
func (t *Tracker) FinishSync(orgID string, success bool, message string, errors []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	activity, exists := t.active[orgID]
	if !exists {
		return
	}

	now := time.Now()
	activity.CompletedAt = &now
	activity.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()
	activity.Message = message
	activity.Errors = errors
	activity.CurrentFamily = ""

	switch {
	case !success:
		activity.Status = StatusError
	case len(errors) > 0 || activity.Failed > 0:
		activity.Status = StatusPartial
	default:
		activity.Status = StatusCompleted
	}

	t.recent = append([]*SyncActivity{activity}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}

	delete(t.active, orgID)
}

// GetActive returns all currently running passes.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		copy := *activity
		copy.Duration = time.Since(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &copy)
	}
	return result
}

// GetRecent returns recently completed passes, newest first.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, activity := range t.recent {
		copy := *activity
		result[i] = &copy
	}
	return result
}

// GetAll returns both active and recent passes.
func (t *Tracker) GetAll() Snapshot {
	return Snapshot{
		Active: t.GetActive(),
		Recent: t.GetRecent(),
	}
}

// IsOrgSyncing returns true if the given org has a pass in progress.
func (t *Tracker) IsOrgSyncing(orgID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[orgID]
	return exists
}
