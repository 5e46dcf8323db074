package reconcile

import (
	"maps"
	"slices"
)

// Field names one comparable attribute of an entity snapshot.
type Field string

const (
	FieldName     Field = "name"
	FieldKind     Field = "kind"
	FieldURNs     Field = "urns"
	FieldGroups   Field = "groups"
	FieldFields   Field = "fields"
	FieldLanguage Field = "language"
	FieldParent   Field = "parent"
	FieldLevel    Field = "level"
	FieldGeometry Field = "geometry"
)

// fieldOrder is the order in which fields are compared. The first difference
// in this order is the one reported.
var fieldOrder = []Field{
	FieldName,
	FieldKind,
	FieldURNs,
	FieldGroups,
	FieldFields,
	FieldLanguage,
	FieldParent,
	FieldLevel,
	FieldGeometry,
}

// Snapshot is the comparable projection of an entity, remote or local.
// URNs and Groups are sets; their order is ignored.
type Snapshot struct {
	RemoteID string
	Name     string
	Kind     string
	URNs     []string
	Groups   []string
	Fields   map[string]string
	Language string
	Parent   string
	Level    int
	Geometry string
}

// DiffKind classifies a remote/local pair.
type DiffKind int

const (
	Unchanged DiffKind = iota
	Changed
	MissingLocally
	MissingRemotely
)

func (k DiffKind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case MissingLocally:
		return "missing_locally"
	case MissingRemotely:
		return "missing_remotely"
	default:
		return "unknown"
	}
}

// DiffResult is the outcome of Diff. Field is set only for Changed.
type DiffResult struct {
	Kind  DiffKind
	Field Field
}

func (r DiffResult) String() string {
	if r.Kind == Changed {
		return "changed(" + string(r.Field) + ")"
	}
	return r.Kind.String()
}

// Diff compares two snapshots of the same entity. A nil remote means the
// entity is gone remotely, a nil local that it has never been mirrored. Only
// tracked fields are compared; an empty tracked list compares every field.
func Diff(remote, local *Snapshot, tracked []Field) DiffResult {
	switch {
	case remote == nil && local == nil:
		return DiffResult{Kind: Unchanged}
	case remote == nil:
		return DiffResult{Kind: MissingRemotely}
	case local == nil:
		return DiffResult{Kind: MissingLocally}
	}

	for _, f := range fieldOrder {
		if len(tracked) > 0 && !slices.Contains(tracked, f) {
			continue
		}
		if !fieldEqual(f, remote, local) {
			return DiffResult{Kind: Changed, Field: f}
		}
	}
	return DiffResult{Kind: Unchanged}
}

func fieldEqual(f Field, a, b *Snapshot) bool {
	switch f {
	case FieldName:
		return a.Name == b.Name
	case FieldKind:
		return a.Kind == b.Kind
	case FieldURNs:
		return sameSet(a.URNs, b.URNs)
	case FieldGroups:
		return sameSet(a.Groups, b.Groups)
	case FieldFields:
		return sameFields(a.Fields, b.Fields)
	case FieldLanguage:
		return a.Language == b.Language
	case FieldParent:
		return a.Parent == b.Parent
	case FieldLevel:
		return a.Level == b.Level
	case FieldGeometry:
		return a.Geometry == b.Geometry
	default:
		return true
	}
}

func sameSet(a, b []string) bool {
	setA := make(map[string]struct{}, len(a))
	for _, v := range a {
		setA[v] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, v := range b {
		setB[v] = struct{}{}
	}
	if len(setA) != len(setB) {
		return false
	}
	for v := range setA {
		if _, ok := setB[v]; !ok {
			return false
		}
	}
	return true
}

func sameFields(a, b map[string]string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return maps.Equal(a, b)
}
