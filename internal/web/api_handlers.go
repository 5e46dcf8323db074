package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/tracsync/internal/db"
	"github.com/macjediwizard/tracsync/internal/reconcile"
	"github.com/macjediwizard/tracsync/internal/regiontree"
	"github.com/macjediwizard/tracsync/internal/scheduler"
)

const logsPerPage = 20

// APIOrg represents an org in API responses. The API token is never exposed.
type APIOrg struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Timezone     string   `json:"timezone"`
	SamedayMode  string   `json:"sameday_mode"`
	RegionUUIDs  []string `json:"region_uuids"`
	GroupUUIDs   []string `json:"group_uuids"`
	SyncInterval int      `json:"sync_interval"`
	Enabled      bool     `json:"enabled"`
	AuthFailed   bool     `json:"auth_failed"`
	Scheduled    bool     `json:"scheduled"`
	Failures     int      `json:"consecutive_failures"`
	Syncing      bool     `json:"syncing"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// APISyncLog represents a sync log in API responses.
type APISyncLog struct {
	ID        string   `json:"id"`
	Family    string   `json:"family"`
	Status    string   `json:"status"`
	Message   string   `json:"message"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Deleted   int      `json:"deleted"`
	Failed    int      `json:"failed"`
	Duration  *float64 `json:"duration,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// APISyncFailure represents a rejected remote record in API responses.
type APISyncFailure struct {
	Family       string `json:"family"`
	RemoteID     string `json:"remote_id"`
	Reason       string `json:"reason"`
	Detail       string `json:"detail,omitempty"`
	DiscoveredAt string `json:"discovered_at"`
}

// APIAnswer represents an answer in API responses. Value is read under the
// org's same-day mode; RawValue is what the contact sent.
type APIAnswer struct {
	QuestionID  string `json:"question_id"`
	Value       string `json:"value"`
	RawValue    string `json:"raw_value"`
	Category    string `json:"category,omitempty"`
	SubmittedOn string `json:"submitted_on"`
}

// APIResponse represents a contact's response with its answers.
type APIResponse struct {
	ID        string       `json:"id"`
	PollRunID string       `json:"pollrun_id"`
	FlowRunID int64        `json:"flow_run_id"`
	Status    string       `json:"status"`
	IsActive  bool         `json:"is_active"`
	CreatedOn string       `json:"created_on"`
	UpdatedOn string       `json:"updated_on"`
	Answers   []*APIAnswer `json:"answers"`
}

func (h *Handlers) orgToAPI(o *db.Org) *APIOrg {
	api := &APIOrg{
		ID:           o.ID,
		Name:         o.Name,
		Timezone:     o.Timezone,
		SamedayMode:  string(o.SamedayMode),
		RegionUUIDs:  o.RegionUUIDs,
		GroupUUIDs:   o.GroupUUIDs,
		SyncInterval: o.SyncInterval,
		Enabled:      o.Enabled,
		AuthFailed:   o.AuthFailed,
		CreatedAt:    o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    o.UpdatedAt.Format(time.RFC3339),
	}
	if api.RegionUUIDs == nil {
		api.RegionUUIDs = []string{}
	}
	if api.GroupUUIDs == nil {
		api.GroupUUIDs = []string{}
	}
	if h.scheduler != nil {
		api.Scheduled = h.scheduler.HasJob(o.ID)
		api.Failures = h.scheduler.Failures(o.ID)
	}
	if h.tracker != nil {
		api.Syncing = h.tracker.IsOrgSyncing(o.ID)
	}
	return api
}

func syncLogToAPI(l *db.SyncLog) *APISyncLog {
	api := &APISyncLog{
		ID:        l.ID,
		Family:    l.Family,
		Status:    string(l.Status),
		Message:   l.Message,
		Created:   l.Created,
		Updated:   l.Updated,
		Deleted:   l.Deleted,
		Failed:    l.Failed,
		CreatedAt: l.CreatedAt.Format(time.RFC3339),
	}
	if l.Duration > 0 {
		dur := l.Duration.Seconds()
		api.Duration = &dur
	}
	return api
}

func syncFailureToAPI(f *db.SyncFailure) *APISyncFailure {
	return &APISyncFailure{
		Family:       f.Family,
		RemoteID:     f.RemoteID,
		Reason:       f.Reason,
		Detail:       f.Detail,
		DiscoveredAt: f.DiscoveredAt.Format(time.RFC3339),
	}
}

// APIListOrgs returns every configured org.
func (h *Handlers) APIListOrgs(c *gin.Context) {
	orgs, err := h.db.ListOrgs(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load orgs"))
		return
	}

	apiOrgs := make([]*APIOrg, len(orgs))
	for i, o := range orgs {
		apiOrgs[i] = h.orgToAPI(o)
	}
	c.JSON(http.StatusOK, gin.H{"orgs": apiOrgs})
}

// APIGetOrgStatus returns the OrgSyncStatus and cursor of every family.
func (h *Handlers) APIGetOrgStatus(c *gin.Context) {
	org, ok := h.loadOrg(c)
	if !ok {
		return
	}

	families, err := h.status.Statuses(c.Request.Context(), org.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load sync status"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"org":      h.orgToAPI(org),
		"families": families,
	})
}

// APIGetOrgLogs returns a page of sync logs, optionally for one family.
func (h *Handlers) APIGetOrgLogs(c *gin.Context) {
	org, ok := h.loadOrg(c)
	if !ok {
		return
	}

	family, ok := optionalFamily(c, c.Query("family"))
	if !ok {
		return
	}

	page := 1
	if p := c.Query("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}

	logs, err := h.db.GetSyncLogs(c.Request.Context(), org.ID, 1000)
	if err != nil {
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load logs"))
		return
	}
	if family != "" {
		filtered := logs[:0]
		for _, l := range logs {
			if l.Family == string(family) {
				filtered = append(filtered, l)
			}
		}
		logs = filtered
	}

	totalPages := max((len(logs)+logsPerPage-1)/logsPerPage, 1)
	start := min((page-1)*logsPerPage, len(logs))
	end := min(start+logsPerPage, len(logs))

	apiLogs := make([]*APISyncLog, 0, end-start)
	for _, l := range logs[start:end] {
		apiLogs = append(apiLogs, syncLogToAPI(l))
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":        apiLogs,
		"page":        page,
		"total_pages": totalPages,
	})
}

// APIGetOrgFailures returns the rejected-record ledger, optionally for one
// family.
func (h *Handlers) APIGetOrgFailures(c *gin.Context) {
	org, ok := h.loadOrg(c)
	if !ok {
		return
	}

	family, ok := optionalFamily(c, c.Query("family"))
	if !ok {
		return
	}

	failures, err := h.db.ListSyncFailures(c.Request.Context(), org.ID, string(family))
	if err != nil {
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load failures"))
		return
	}

	apiFailures := make([]*APISyncFailure, len(failures))
	for i, f := range failures {
		apiFailures[i] = syncFailureToAPI(f)
	}
	c.JSON(http.StatusOK, gin.H{"failures": apiFailures})
}

// triggerSyncRequest is the optional body of a manual sync.
type triggerSyncRequest struct {
	Family string `json:"family"`
	Full   bool   `json:"full"`
}

// APITriggerSync starts a manual pass of the org or one of its families.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	org, ok := h.loadOrg(c)
	if !ok {
		return
	}

	var req triggerSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	family, ok := optionalFamily(c, req.Family)
	if !ok {
		return
	}
	if req.Full && family == "" {
		respondError(c, http.StatusBadRequest, "A full pass needs a family")
		return
	}

	err := h.scheduler.Trigger(org.ID, family, req.Full)
	switch {
	case errors.Is(err, scheduler.ErrSyncInProgress):
		respondError(c, http.StatusConflict, "A sync is already in progress for this org")
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to start sync"))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered"})
}

// APIResetCursor forgets a family's cursor so its next pass is a full one.
func (h *Handlers) APIResetCursor(c *gin.Context) {
	org, ok := h.loadOrg(c)
	if !ok {
		return
	}

	family, err := reconcile.ParseFamily(c.Param("family"))
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.db.UnsetSyncCursor(c.Request.Context(), org.ID, string(family)); err != nil {
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to reset cursor"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Cursor reset"})
}

// setRegionParentRequest names the new parent region. An empty ParentID
// makes the region top level.
type setRegionParentRequest struct {
	ParentID string `json:"parent_id"`
}

// APISetRegionParent moves a region within the org's region tree.
func (h *Handlers) APISetRegionParent(c *gin.Context) {
	org, ok := h.loadOrg(c)
	if !ok {
		return
	}

	var req setRegionParentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := reconcile.SetRegionParent(c.Request.Context(), h.db, org.ID, c.Param("regionID"), req.ParentID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Region moved"})
	case errors.Is(err, db.ErrNotFound), errors.Is(err, reconcile.ErrNotRegion), errors.Is(err, regiontree.ErrUnknownNode):
		respondError(c, http.StatusNotFound, "Region not found")
	case errors.Is(err, regiontree.ErrCycle):
		respondError(c, http.StatusConflict, "A region cannot be moved under itself or its descendants")
	default:
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to move region"))
	}
}

// APIListRegions returns the org's active regions with their parents.
func (h *Handlers) APIListRegions(c *gin.Context) {
	org, ok := h.loadOrg(c)
	if !ok {
		return
	}

	regions, err := h.db.ListActiveGroups(c.Request.Context(), org.ID, db.GroupKindRegion)
	if err != nil {
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load regions"))
		return
	}
	if regions == nil {
		regions = []*db.Group{}
	}
	c.JSON(http.StatusOK, gin.H{"regions": regions})
}

// APIListPollRuns returns the dated runs of one of the org's polls.
func (h *Handlers) APIListPollRuns(c *gin.Context) {
	org, ok := h.loadOrg(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	poll, err := h.db.GetPoll(ctx, c.Param("pollID"))
	switch {
	case errors.Is(err, db.ErrNotFound) || (err == nil && poll.OrgID != org.ID):
		respondError(c, http.StatusNotFound, "Poll not found")
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load poll"))
		return
	}

	runs, err := h.db.ListPollRuns(ctx, poll.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load poll runs"))
		return
	}
	if runs == nil {
		runs = []*db.PollRun{}
	}
	c.JSON(http.StatusOK, gin.H{"poll": poll, "pollruns": runs})
}

// APIListContactResponses returns the responses of a contact, named by its
// remote uuid, newest first.
func (h *Handlers) APIListContactResponses(c *gin.Context) {
	org, ok := h.loadOrg(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	contact, err := h.db.GetContactByRemoteID(ctx, org.ID, c.Param("contactID"))
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "Contact not found")
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load contact"))
		return
	}

	responses, err := h.db.ListContactResponses(ctx, contact.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load responses"))
		return
	}

	apiResponses := make([]*APIResponse, 0, len(responses))
	for _, r := range responses {
		answers, err := h.db.ListAnswers(ctx, r.ID)
		if err != nil {
			respondError(c, http.StatusInternalServerError, sanitizeError(err, "Failed to load answers"))
			return
		}
		apiResponses = append(apiResponses, responseToAPI(r, answers, org.SamedayMode))
	}
	c.JSON(http.StatusOK, gin.H{"responses": apiResponses})
}

func responseToAPI(r *db.Response, answers []*db.Answer, mode db.SamedayMode) *APIResponse {
	api := &APIResponse{
		ID:        r.ID,
		PollRunID: r.PollRunID,
		FlowRunID: r.FlowRunID,
		Status:    string(r.Status),
		IsActive:  r.IsActive,
		CreatedOn: r.CreatedOn.Format(time.RFC3339),
		UpdatedOn: r.UpdatedOn.Format(time.RFC3339),
		Answers:   make([]*APIAnswer, len(answers)),
	}
	for i, a := range answers {
		api.Answers[i] = &APIAnswer{
			QuestionID:  a.QuestionID,
			Value:       a.ValueToUse(mode),
			RawValue:    a.Value,
			Category:    a.Category,
			SubmittedOn: a.SubmittedOn.Format(time.RFC3339),
		}
	}
	return api
}

// APIActivity returns running and recent org passes.
func (h *Handlers) APIActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.GetAll())
}

// optionalFamily parses a family that may be empty, answering 400 itself on
// an unknown one.
func optionalFamily(c *gin.Context, s string) (reconcile.Family, bool) {
	if s == "" {
		return "", true
	}
	family, err := reconcile.ParseFamily(s)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return "", false
	}
	return family, true
}
