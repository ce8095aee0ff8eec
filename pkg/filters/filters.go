// Package filters turns the list view's filter controls into selectors.
//
// Params carries the two visibility toggles plus free text. Free text is a
// whitespace separated list of terms:
//
//	name="paired reads" hid-gt=10 state=ok fastq
//
// Terms of the form field=value (or field:value) are looked up in an
// allow list of filterable fields. Unknown fields and values that do not
// fit the field's kind are dropped without error. Bare words become a
// case-insensitive substring match on the name field.
package filters

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/i5heu/contentcache/pkg/model"
	"github.com/i5heu/contentcache/pkg/selector"
)

// Params are the user controlled filter inputs of one list view.
type Params struct {
	ShowDeleted bool
	ShowHidden  bool
	Text        string
}

// Key identifies the filter combination. Two Params with the same Key
// produce the same selector.
func (p Params) Key() string {
	return fmt.Sprintf("deleted=%t;hidden=%t;text=%s",
		p.ShowDeleted, p.ShowHidden, strings.Join(tokenize(p.Text), " "))
}

// Kind says how a filter value is turned into a clause.
type Kind int

const (
	// Contains is a case-insensitive substring match.
	Contains Kind = iota
	// Exact is string equality.
	Exact
	// Number parses the value as an integer and supports range suffixes.
	Number
	// Bool parses true/false.
	Bool
)

// Rule maps one filter name to a document field.
type Rule struct {
	Field string
	Kind  Kind
}

// Rules is the allow list of filterable fields, keyed by filter name.
type Rules map[string]Rule

// ContentRules apply to history contents.
var ContentRules = Rules{
	"name":         {Field: "name", Kind: Contains},
	"hid":          {Field: model.FieldHid, Kind: Number},
	"state":        {Field: "state", Kind: Exact},
	"extension":    {Field: "extension", Kind: Exact},
	"genome_build": {Field: "genome_build", Kind: Exact},
	"type":         {Field: model.FieldContentType, Kind: Exact},
	"visible":      {Field: model.FieldVisible, Kind: Bool},
	"deleted":      {Field: model.FieldIsDeleted, Kind: Bool},
}

// CollectionRules apply to collection elements.
var CollectionRules = Rules{
	"name":    {Field: "element_identifier", Kind: Contains},
	"index":   {Field: model.FieldElementIndex, Kind: Number},
	"state":   {Field: "object_state", Kind: Exact},
	"visible": {Field: model.FieldVisible, Kind: Bool},
	"deleted": {Field: model.FieldIsDeleted, Kind: Bool},
}

// bare words are matched against this filter name
const defaultFilter = "name"

var rangeSuffixes = []struct {
	suffix string
	op     string
}{
	{"-gt", selector.OpGt},
	{"-ge", selector.OpGte},
	{"-lt", selector.OpLt},
	{"-le", selector.OpLte},
}

// ParseText converts free text into selector clauses using rules.
func ParseText(text string, rules Rules) selector.Selector {
	clauses := map[string][]any{}
	var bare []string

	for _, term := range tokenize(text) {
		name, value, ok := splitTerm(term)
		if !ok {
			bare = append(bare, unquote(term))
			continue
		}
		name = strings.ToLower(name)
		op := ""
		rule, known := rules[name]
		if !known {
			for _, rs := range rangeSuffixes {
				if base, found := strings.CutSuffix(name, rs.suffix); found {
					rule, known = rules[base]
					op = rs.op
					break
				}
			}
		}
		if !known {
			continue
		}
		cond, ok := condition(rule.Kind, op, value)
		if !ok {
			continue
		}
		clauses[rule.Field] = append(clauses[rule.Field], cond)
	}

	if len(bare) > 0 {
		if rule, ok := rules[defaultFilter]; ok {
			cond, _ := condition(Contains, "", strings.Join(bare, " "))
			clauses[rule.Field] = append(clauses[rule.Field], cond)
		}
	}

	out := selector.Selector{}
	var and []any
	fields := make([]string, 0, len(clauses))
	for f := range clauses {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		conds := clauses[f]
		out[f] = conds[0]
		for _, c := range conds[1:] {
			and = append(and, map[string]any{f: c})
		}
	}
	if len(and) > 0 {
		out[selector.OpAnd] = and
	}
	return out
}

// ContentSelector scopes a query to one history's contents.
func ContentSelector(historyID string, p Params) selector.Selector {
	return build(selector.Selector{model.FieldHistoryID: historyID}, p, ContentRules)
}

// CollectionSelector scopes a query to one collection's elements.
func CollectionSelector(parentURL string, p Params) selector.Selector {
	return build(selector.Selector{model.FieldParentURL: parentURL}, p, CollectionRules)
}

func build(scope selector.Selector, p Params, rules Rules) selector.Selector {
	out := ParseText(p.Text, rules)
	for k, v := range scope {
		out[k] = v
	}
	// explicit deleted=/visible= terms win over the toggles
	if _, set := out[model.FieldIsDeleted]; !set && !p.ShowDeleted {
		out[model.FieldIsDeleted] = false
	}
	if _, set := out[model.FieldVisible]; !set && !p.ShowHidden {
		out[model.FieldVisible] = true
	}
	return out
}

func condition(kind Kind, op, value string) (any, bool) {
	if value == "" {
		return nil, false
	}
	switch kind {
	case Contains:
		if op != "" {
			return nil, false
		}
		return map[string]any{selector.OpRegex: "(?i)" + regexp.QuoteMeta(value)}, true
	case Exact:
		if op != "" {
			return nil, false
		}
		return value, true
	case Bool:
		if op != "" {
			return nil, false
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, false
		}
		return b, true
	case Number:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, false
		}
		if op == "" {
			return n, true
		}
		return map[string]any{op: n}, true
	}
	return nil, false
}

func splitTerm(term string) (name, value string, ok bool) {
	i := strings.IndexAny(term, "=:")
	if i <= 0 {
		return "", "", false
	}
	return term[:i], unquote(term[i+1:]), true
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// tokenize splits on whitespace outside of quotes.
func tokenize(text string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
