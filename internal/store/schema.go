package store

import (
	"sort"
	"strconv"
	"strings"
)

// Collection names.
const (
	Colleges               = "colleges"
	Scholarships           = "scholarships"
	QuizQuestions          = "quiz_questions"
	OfflineRecommendations = "offline_recommendations"
	UserData               = "user_data"
)

// User data index names.
const (
	IndexKind       = "kind"
	IndexKindStatus = "kind_status"
	IndexKindUser   = "kind_user"
	IndexEventID    = "event_id"
)

// IndexFunc derives zero or more index values from a decoded record.
type IndexFunc func(doc map[string]any) []string

// Index is a non-unique secondary index. A record may produce several values
// (multi-valued index) or none (not indexed).
type Index struct {
	Name    string
	Extract IndexFunc
}

// Collection describes a named group of records. Bumping Version, or changing
// the set of index names, rebuilds the collection's index entries on Init.
type Collection struct {
	Name    string
	Version int
	Indexes []Index
}

func (c Collection) signature() string {
	names := make([]string, 0, len(c.Indexes))
	for _, idx := range c.Indexes {
		names = append(names, idx.Name)
	}
	sort.Strings(names)
	return strconv.Itoa(c.Version) + ":" + strings.Join(names, ",")
}

func (c Collection) index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// Schema is the full set of collections a Store manages.
type Schema struct {
	Collections []Collection
}

// DefaultSchema returns the collections used by the application.
func DefaultSchema() Schema {
	return Schema{Collections: []Collection{
		{
			Name:    Colleges,
			Version: 1,
			Indexes: []Index{
				Field("state", "state"),
				Field("type", "type"),
				Field("government", "is_government"),
			},
		},
		{
			Name:    Scholarships,
			Version: 1,
			Indexes: []Index{
				Field("category", "category"),
				Field("education_level", "education_level"),
				Field("active", "is_active"),
			},
		},
		{
			Name:    QuizQuestions,
			Version: 1,
			Indexes: []Index{
				Field("category", "category"),
				Field("language", "language"),
			},
		},
		{
			Name:    OfflineRecommendations,
			Version: 1,
			Indexes: []Index{
				Field("keyword", "keywords"),
			},
		},
		{
			Name:    UserData,
			Version: 1,
			Indexes: []Index{
				Field(IndexKind, "kind"),
				Composite(IndexKindStatus, "kind", "status"),
				Composite(IndexKindUser, "kind", "user_id"),
				Field(IndexEventID, "event_id"),
			},
		},
	}}
}

// Field indexes the value at a dotted path. Arrays produce one entry per
// scalar element.
func Field(name, path string) Index {
	return Index{
		Name: name,
		Extract: func(doc map[string]any) []string {
			return scalars(lookup(doc, path))
		},
	}
}

// Composite indexes several scalar fields joined with ":". Records missing
// any of the fields are not indexed.
func Composite(name string, fields ...string) Index {
	return Index{
		Name: name,
		Extract: func(doc map[string]any) []string {
			parts := make([]string, 0, len(fields))
			for _, f := range fields {
				v, ok := scalar(lookup(doc, f))
				if !ok {
					return nil
				}
				parts = append(parts, v)
			}
			return []string{CompositeValue(parts...)}
		},
	}
}

// CompositeValue builds the lookup value for a Composite index.
func CompositeValue(parts ...string) string {
	return strings.Join(parts, ":")
}

func lookup(doc map[string]any, path string) any {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func scalars(v any) []string {
	if arr, ok := v.([]any); ok {
		out := make([]string, 0, len(arr))
		seen := make(map[string]bool, len(arr))
		for _, el := range arr {
			s, ok := scalar(el)
			if !ok || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
		return out
	}
	if s, ok := scalar(v); ok {
		return []string{s}
	}
	return nil
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}
