package remote

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Ref is a reference to another remote object by uuid.
type Ref struct {
	UUID string `json:"uuid" validate:"required"`
	Name string `json:"name"`
}

// Contact is a contact snapshot as listed by the remote.
type Contact struct {
	UUID       string         `json:"uuid" validate:"required"`
	Name       string         `json:"name"`
	Language   string         `json:"language"`
	URNs       []string       `json:"urns"`
	Groups     []Ref          `json:"groups" validate:"dive"`
	Fields     map[string]any `json:"fields"`
	Blocked    bool           `json:"blocked"`
	Stopped    bool           `json:"stopped"`
	CreatedOn  time.Time      `json:"created_on"`
	ModifiedOn time.Time      `json:"modified_on"`
}

// GroupUUIDs returns the uuids of the groups the contact belongs to.
func (c *Contact) GroupUUIDs() []string {
	uuids := make([]string, 0, len(c.Groups))
	for _, g := range c.Groups {
		uuids = append(uuids, g.UUID)
	}
	return uuids
}

// FieldString renders a custom field value. Null values are empty.
func (c *Contact) FieldString(key string) (string, bool) {
	v, ok := c.Fields[key]
	if !ok {
		return "", false
	}
	switch val := v.(type) {
	case nil:
		return "", true
	case string:
		return val, true
	case float64:
		b, _ := json.Marshal(val)
		return string(b), true
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", true
		}
		return string(b), true
	}
}

// Group is a contact group.
type Group struct {
	UUID  string `json:"uuid" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count"`
}

// BoundaryRef points at a parent boundary.
type BoundaryRef struct {
	OsmID string `json:"osm_id"`
	Name  string `json:"name"`
}

// Boundary is an administrative boundary.
type Boundary struct {
	OsmID    string          `json:"osm_id" validate:"required"`
	Name     string          `json:"name" validate:"required"`
	Level    int             `json:"level" validate:"gte=0"`
	Parent   *BoundaryRef    `json:"parent"`
	Geometry json.RawMessage `json:"geometry"`
}

// ParentID returns the parent's osm id, or empty for a top-level boundary.
func (b *Boundary) ParentID() string {
	if b.Parent == nil {
		return ""
	}
	return b.Parent.OsmID
}

// Flow is a remote flow, mirrored locally as a poll.
type Flow struct {
	UUID       string    `json:"uuid" validate:"required"`
	Name       string    `json:"name"`
	Archived   bool      `json:"archived"`
	CreatedOn  time.Time `json:"created_on"`
	ModifiedOn time.Time `json:"modified_on"`
}

// FlowDefinition is the exported definition of one flow.
type FlowDefinition struct {
	Metadata struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	} `json:"metadata"`
	RuleSets []RuleSet `json:"rule_sets"`
}

// RuleSet is a point in a flow where the respondent's answer is categorized.
type RuleSet struct {
	UUID        string `json:"uuid"`
	Label       string `json:"label"`
	RuleSetType string `json:"ruleset_type"`
	Rules       []Rule `json:"rules"`
}

// Rule is one categorization test of a rule set.
type Rule struct {
	Test struct {
		Type string `json:"type"`
	} `json:"test"`
}

// RunValue is one collected result of a run.
type RunValue struct {
	Name     string          `json:"name"`
	Value    string          `json:"value"`
	Category json.RawMessage `json:"category"`
	Node     string          `json:"node"`
	Time     time.Time       `json:"time"`
}

// allResponses is the catch-all category the remote assigns to open answers.
const allResponses = "All Responses"

// CategoryName normalizes the category to a single label. Translated
// categories use their base text, or the first translation when no base
// exists. The catch-all category is empty.
func (v *RunValue) CategoryName() string {
	raw := strings.TrimSpace(string(v.Category))
	if raw == "" || raw == "null" {
		return ""
	}

	var name string
	if raw[0] == '{' {
		var translations map[string]string
		if err := json.Unmarshal(v.Category, &translations); err != nil {
			return ""
		}
		if base, ok := translations["base"]; ok {
			name = base
		} else {
			keys := make([]string, 0, len(translations))
			for k := range translations {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			if len(keys) > 0 {
				name = translations[keys[0]]
			}
		}
	} else if err := json.Unmarshal(v.Category, &name); err != nil {
		return ""
	}

	if name == allResponses {
		return ""
	}
	return name
}

// Run is one contact's execution of a flow.
type Run struct {
	ID         int64               `json:"id" validate:"required"`
	Flow       Ref                 `json:"flow"`
	Contact    Ref                 `json:"contact"`
	Responded  bool                `json:"responded"`
	Values     map[string]RunValue `json:"values"`
	CreatedOn  time.Time           `json:"created_on" validate:"required"`
	ModifiedOn time.Time           `json:"modified_on"`
	ExitedOn   *time.Time          `json:"exited_on"`
	ExitType   string              `json:"exit_type"`
}

// ChangedOn is the marker used to detect redelivery of an unchanged run: the
// remote modification time, else the newest value time, else creation time.
func (r *Run) ChangedOn() time.Time {
	if !r.ModifiedOn.IsZero() {
		return r.ModifiedOn
	}
	latest := r.CreatedOn
	for _, v := range r.Values {
		if v.Time.After(latest) {
			latest = v.Time
		}
	}
	return latest
}

// ContactQuery filters a contact listing.
type ContactQuery struct {
	Group  string
	UUIDs  []string
	After  *time.Time
	Before *time.Time
}

// RunQuery filters a run listing.
type RunQuery struct {
	// ID selects a single run. Zero lists all runs.
	ID     int64
	Flow   string
	After  *time.Time
	Before *time.Time
}

// DeletedContact is a removal notice for a contact.
type DeletedContact struct {
	UUID       string    `json:"uuid" validate:"required"`
	ModifiedOn time.Time `json:"modified_on"`
}
