package db

import (
	"time"
)

// SyncStatus represents the outcome of one family pass.
type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial" // Completed with per-record failures
	SyncStatusError   SyncStatus = "error"   // Aborted by a remote or store error
)

// SamedayMode selects how repeated same-day numeric answers are read.
type SamedayMode string

const (
	SamedayLast SamedayMode = "use_last"
	SamedaySum  SamedayMode = "sum"
)

// ValidSamedayModes contains all valid same-day modes.
var ValidSamedayModes = map[SamedayMode]bool{
	SamedayLast: true,
	SamedaySum:  true,
}

// IsValid returns true if the mode is a known valid value.
func (m SamedayMode) IsValid() bool {
	return ValidSamedayModes[m]
}

// GroupKind distinguishes regions (panels) from reporter groups (cohorts).
type GroupKind string

const (
	GroupKindRegion GroupKind = "region"
	GroupKindGroup  GroupKind = "group"
)

// QuestionType is the kind of answer a question collects.
type QuestionType string

const (
	QuestionOpen           QuestionType = "O"
	QuestionMultipleChoice QuestionType = "C"
	QuestionNumeric        QuestionType = "N"
	QuestionMenu           QuestionType = "M"
	QuestionKeypad         QuestionType = "K"
	QuestionRecording      QuestionType = "R"
)

// ValidQuestionTypes contains all valid question types.
var ValidQuestionTypes = map[QuestionType]bool{
	QuestionOpen:           true,
	QuestionMultipleChoice: true,
	QuestionNumeric:        true,
	QuestionMenu:           true,
	QuestionKeypad:         true,
	QuestionRecording:      true,
}

// IsValid returns true if the question type is a known valid value.
func (qt QuestionType) IsValid() bool {
	return ValidQuestionTypes[qt]
}

// PollRunType describes how a poll run was started.
type PollRunType string

const (
	PollRunUniversal  PollRunType = "u"
	PollRunSpoofed    PollRunType = "s"
	PollRunRegional   PollRunType = "r"
	PollRunPropagated PollRunType = "p"
)

// ResponseStatus is derived from how many active questions were answered.
type ResponseStatus string

const (
	ResponseEmpty    ResponseStatus = "E"
	ResponsePartial  ResponseStatus = "P"
	ResponseComplete ResponseStatus = "C"
)

// Org is one tenant of the remote platform.
type Org struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	APIToken     string      `json:"-"`
	Timezone     string      `json:"timezone"`
	SamedayMode  SamedayMode `json:"sameday_mode"`
	RegionUUIDs  []string    `json:"region_uuids"`
	GroupUUIDs   []string    `json:"group_uuids"`
	DataFields   []string    `json:"data_fields"`
	SyncInterval int         `json:"sync_interval"` // seconds
	Enabled      bool        `json:"enabled"`
	AuthFailed   bool        `json:"auth_failed"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Location returns the org's timezone, falling back to UTC.
func (o *Org) Location() *time.Location {
	if o.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Group is a local mirror of a remote contact group, either a region or a
// reporter group.
type Group struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	RemoteID  string    `json:"remote_id"`
	Kind      GroupKind `json:"kind"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Boundary is an administrative boundary mirrored from the remote.
type Boundary struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	RemoteID       string    `json:"remote_id"`
	Name           string    `json:"name"`
	Level          int       `json:"level"`
	ParentRemoteID string    `json:"parent_remote_id,omitempty"`
	Geometry       string    `json:"geometry,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Contact is a local mirror of a remote contact.
type Contact struct {
	ID               string            `json:"id"`
	OrgID            string            `json:"org_id"`
	RemoteID         string            `json:"remote_id"`
	Name             string            `json:"name"`
	URN              string            `json:"urn"`
	URNs             []string          `json:"urns"`
	Language         string            `json:"language"`
	RegionID         string            `json:"region_id,omitempty"`
	GroupIDs         []string          `json:"group_ids"`
	Fields           map[string]string `json:"fields"`
	IsActive         bool              `json:"is_active"`
	RemoteModifiedAt *time.Time        `json:"remote_modified_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Poll is a local mirror of a remote flow.
type Poll struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	FlowUUID   string    `json:"flow_uuid"`
	RemoteName string    `json:"remote_name"`
	Name       string    `json:"name"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Question is one rule set of a flow.
type Question struct {
	ID           string       `json:"id"`
	PollID       string       `json:"poll_id"`
	RuleSetUUID  string       `json:"ruleset_uuid"`
	RemoteName   string       `json:"remote_name"`
	Name         string       `json:"name"`
	QuestionType QuestionType `json:"question_type"`
	Order        int          `json:"order"`
	IsActive     bool         `json:"is_active"`
}

// PollRun is one dated execution of a poll.
type PollRun struct {
	ID          string      `json:"id"`
	PollID      string      `json:"poll_id"`
	RegionID    string      `json:"region_id,omitempty"`
	Type        PollRunType `json:"pollrun_type"`
	ConductedOn time.Time   `json:"conducted_on"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Response is one contact's answers to one poll run.
type Response struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"org_id"`
	PollRunID string         `json:"pollrun_id"`
	ContactID string         `json:"contact_id"`
	FlowRunID int64          `json:"flow_run_id"`
	CreatedOn time.Time      `json:"created_on"`
	UpdatedOn time.Time      `json:"updated_on"`
	Status    ResponseStatus `json:"status"`
	IsActive  bool           `json:"is_active"`
}

// Answer is one question's value within a response. ValueLast and ValueSum
// are the same-day aggregates for numeric questions.
type Answer struct {
	ID          string    `json:"id"`
	ResponseID  string    `json:"response_id"`
	QuestionID  string    `json:"question_id"`
	ContactID   string    `json:"contact_id"`
	Value       string    `json:"value"`
	Category    string    `json:"category"`
	SubmittedOn time.Time `json:"submitted_on"`
	ValueLast   *string   `json:"value_last,omitempty"`
	ValueSum    *float64  `json:"value_sum,omitempty"`
}

// ValueToUse returns the value reports should read under the org's same-day
// mode, falling back to the raw value.
func (a *Answer) ValueToUse(mode SamedayMode) string {
	switch {
	case mode == SamedaySum && a.ValueSum != nil:
		return formatNumber(*a.ValueSum)
	case mode == SamedayLast && a.ValueLast != nil:
		return *a.ValueLast
	default:
		return a.Value
	}
}

// SyncLog represents one family pass for an org.
type SyncLog struct {
	ID        string        `json:"id"`
	OrgID     string        `json:"org_id"`
	Family    string        `json:"family"`
	Status    SyncStatus    `json:"status"`
	Message   string        `json:"message"`
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Deleted   int           `json:"deleted"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// SyncFailure records why a remote record could not be applied.
type SyncFailure struct {
	OrgID        string    `json:"org_id"`
	Family       string    `json:"family"`
	RemoteID     string    `json:"remote_id"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"detail"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// TaskResult is the persisted outcome of the latest pass for one family.
type TaskResult struct {
	OrgID      string    `json:"org_id"`
	Family     string    `json:"family"`
	FinishedAt time.Time `json:"time"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Deleted    int       `json:"deleted"`
	Failed     int       `json:"failed"`
}
