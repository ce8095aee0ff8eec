package selector

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/i5heu/contentcache/pkg/model"
)

// SortField orders query results by one field. It marshals to the
// {"field": "asc"|"desc"} shape.
type SortField struct {
	Field string
	Desc  bool
}

// Asc and Desc build sort fields.
func Asc(field string) SortField  { return SortField{Field: field} }
func Desc(field string) SortField { return SortField{Field: field, Desc: true} }

func (s SortField) MarshalJSON() ([]byte, error) {
	dir := "asc"
	if s.Desc {
		dir = "desc"
	}
	return json.Marshal(map[string]string{s.Field: dir})
}

func (s *SortField) UnmarshalJSON(b []byte) error {
	// a bare string means ascending
	var field string
	if err := json.Unmarshal(b, &field); err == nil {
		*s = SortField{Field: field}
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("selector: sort entry: %w", err)
	}
	if len(m) != 1 {
		return fmt.Errorf("selector: sort entry must name exactly one field, got %d", len(m))
	}
	for field, dir := range m {
		switch strings.ToLower(dir) {
		case "asc":
			*s = SortField{Field: field}
		case "desc":
			*s = SortField{Field: field, Desc: true}
		default:
			return fmt.Errorf("selector: sort direction %q for %q", dir, field)
		}
	}
	return nil
}

// SortDocuments sorts docs in place. Documents equal on every sort field
// keep their id order so results are stable across runs.
func SortDocuments(docs []model.Document, fields []SortField) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			a, _ := docs[i].Get(f.Field)
			b, _ := docs[j].Get(f.Field)
			c := Compare(a, b)
			if c == 0 {
				continue
			}
			if f.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID() < docs[j].ID()
	})
}

// IndexSpec declares an index over one or more fields. DDoc names the
// index; equivalent field lists always yield the same name.
type IndexSpec struct {
	Fields []string `json:"fields"`
	DDoc   string   `json:"ddoc"`
}

// NewIndexSpec derives the index name from the sorted field list.
func NewIndexSpec(fields ...string) IndexSpec {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	return IndexSpec{
		Fields: append([]string(nil), fields...),
		DDoc:   "idx-" + strings.Join(sorted, "-"),
	}
}

// IsZero reports whether no index was declared.
func (s IndexSpec) IsZero() bool {
	return len(s.Fields) == 0
}

// Query is one find request against a collection.
type Query struct {
	Selector Selector    `json:"selector"`
	Sort     []SortField `json:"sort,omitempty"`
	Limit    int         `json:"limit,omitempty"`
	Index    *IndexSpec  `json:"index,omitempty"`
}

// Equal is deep equality, used to drop repeated selector emissions.
func (q Query) Equal(other Query) bool {
	return q.Limit == other.Limit &&
		reflect.DeepEqual(q.Sort, other.Sort) &&
		reflect.DeepEqual(q.Index, other.Index) &&
		reflect.DeepEqual(normalise(q.Selector), normalise(other.Selector))
}

// Validate checks the selector and limit.
func (q Query) Validate() error {
	if q.Limit < 0 {
		return fmt.Errorf("selector: negative limit %d", q.Limit)
	}
	return q.Selector.Validate()
}

// Apply filters, sorts and limits docs in memory.
func (q Query) Apply(docs []model.Document) []model.Document {
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if q.Selector.Matches(d) {
			out = append(out, d)
		}
	}
	SortDocuments(out, q.Sort)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// normalise maps Selector/Document nesting onto plain maps so two
// selectors built with different map types still compare equal.
func normalise(v any) any {
	switch t := v.(type) {
	case Selector:
		return normaliseMap(t)
	case model.Document:
		return normaliseMap(t)
	case map[string]any:
		return normaliseMap(t)
	case []Selector:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalise(t[i])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalise(t[i])
		}
		return out
	default:
		if f, ok := toFloat(v); ok {
			return f
		}
		return v
	}
}

func normaliseMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalise(v)
	}
	return out
}
