package reconcile

import (
	"errors"
	"fmt"
)

// Family is the closed set of entity families the engine mirrors.
type Family string

const (
	FamilyGroups     Family = "groups"
	FamilyBoundaries Family = "boundaries"
	FamilyContacts   Family = "contacts"
	FamilyPolls      Family = "polls"
	FamilyResponses  Family = "responses"
)

// Families lists every family in the order an org pass runs them.
var Families = []Family{FamilyGroups, FamilyBoundaries, FamilyContacts, FamilyPolls, FamilyResponses}

// ParseFamily validates a family name.
func ParseFamily(s string) (Family, error) {
	for _, f := range Families {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown family %q", s)
}

var (
	// ErrRecordValidation is the class of rejections caused by a record that
	// cannot be mapped onto the local model.
	ErrRecordValidation = errors.New("record validation failed")
	// ErrConflict is a local record holding the same natural key under a
	// different remote id.
	ErrConflict = errors.New("natural key conflict")
)

// RejectionReason names why a record was not applied.
type RejectionReason string

const (
	RejectMalformed       RejectionReason = "malformed"
	RejectNoRegion        RejectionReason = "no_matching_region"
	RejectAmbiguousRegion RejectionReason = "ambiguous_region"
	RejectUnusableURN     RejectionReason = "unusable_urn"
	RejectUnknownPoll     RejectionReason = "unknown_poll"
	RejectUnknownContact  RejectionReason = "unknown_contact"
	RejectConflict        RejectionReason = "conflict"
	RejectStore           RejectionReason = "store_error"
)

// Rejection is the result of a record that could not be built or applied.
// It is a value, returned alongside the zero entity, never panicked or thrown.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

// Reject builds a rejection with a formatted detail.
func Reject(reason RejectionReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Detail
}

// Unwrap classifies the rejection as a conflict or a validation failure.
func (r *Rejection) Unwrap() error {
	if r.Reason == RejectConflict {
		return ErrConflict
	}
	return ErrRecordValidation
}

// Failure is one entry of SyncReport.Failed with its diagnosis.
type Failure struct {
	RemoteID string          `json:"remote_id"`
	Reason   RejectionReason `json:"reason"`
	Detail   string          `json:"detail,omitempty"`
}

// SyncReport lists the remote ids touched by one pass.
type SyncReport struct {
	Family   Family    `json:"family"`
	Created  []string  `json:"created"`
	Updated  []string  `json:"updated"`
	Deleted  []string  `json:"deleted"`
	Failed   []string  `json:"failed"`
	Failures []Failure `json:"failures,omitempty"`
}

// NewReport returns an empty report for a family.
func NewReport(family Family) *SyncReport {
	return &SyncReport{
		Family:  family,
		Created: []string{},
		Updated: []string{},
		Deleted: []string{},
		Failed:  []string{},
	}
}

// Fail records a failed remote id with its rejection.
func (r *SyncReport) Fail(remoteID string, rej *Rejection) {
	r.Failed = append(r.Failed, remoteID)
	r.Failures = append(r.Failures, Failure{RemoteID: remoteID, Reason: rej.Reason, Detail: rej.Detail})
}

// Counts is the persisted shape of a report.
type Counts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Counts summarizes the report.
func (r *SyncReport) Counts() Counts {
	return Counts{
		Created: len(r.Created),
		Updated: len(r.Updated),
		Deleted: len(r.Deleted),
		Failed:  len(r.Failed),
	}
}

// Empty reports whether the pass changed nothing.
func (r *SyncReport) Empty() bool {
	return len(r.Created) == 0 && len(r.Updated) == 0 && len(r.Deleted) == 0
}
