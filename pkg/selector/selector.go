// Package selector implements the declarative field-matcher queries run
// against cached documents.
//
// A Selector maps field names (dotted paths allowed) to either a literal,
// which means equality, or an operator map:
//
//	selector.Selector{
//		"history_id": "f2db41e1",
//		"hid":        map[string]any{"$gte": 100},
//		"name":       map[string]any{"$regex": "(?i)fastq"},
//	}
//
// Supported operators: $eq $ne $gt $gte $lt $lte $in $nin $regex $exists,
// plus top-level $and / $or taking lists of selectors.
package selector

import (
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"github.com/i5heu/contentcache/pkg/model"
)

// Selector is a declarative filter over documents.
type Selector map[string]any

const (
	OpEq     = "$eq"
	OpNe     = "$ne"
	OpGt     = "$gt"
	OpGte    = "$gte"
	OpLt     = "$lt"
	OpLte    = "$lte"
	OpIn     = "$in"
	OpNin    = "$nin"
	OpRegex  = "$regex"
	OpExists = "$exists"
	OpAnd    = "$and"
	OpOr     = "$or"
)

var regexCache sync.Map // string -> *regexp.Regexp

// Matches reports whether doc satisfies every clause of the selector.
// An empty selector matches everything.
func (s Selector) Matches(doc model.Document) bool {
	for field, cond := range s {
		switch field {
		case OpAnd:
			for _, sub := range subSelectors(cond) {
				if !sub.Matches(doc) {
					return false
				}
			}
		case OpOr:
			subs := subSelectors(cond)
			if len(subs) == 0 {
				continue
			}
			matched := false
			for _, sub := range subs {
				if sub.Matches(doc) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			v, present := doc.Get(field)
			if !matchCondition(v, present, cond) {
				return false
			}
		}
	}
	return true
}

// Validate checks operator names and regular expressions so that a bad
// selector fails before it reaches the store.
func (s Selector) Validate() error {
	for field, cond := range s {
		switch field {
		case OpAnd, OpOr:
			switch cond.(type) {
			case []any, []Selector:
			default:
				return fmt.Errorf("selector: %s expects a list", field)
			}
			for _, sub := range subSelectors(cond) {
				if err := sub.Validate(); err != nil {
					return err
				}
			}
		default:
			ops, isOps := operatorMap(cond)
			if !isOps {
				continue
			}
			for op, arg := range ops {
				switch op {
				case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpExists:
				case OpIn, OpNin:
					if _, ok := asList(arg); !ok {
						return fmt.Errorf("selector: %s on %q expects a list", op, field)
					}
				case OpRegex:
					pattern, ok := arg.(string)
					if !ok {
						return fmt.Errorf("selector: $regex on %q expects a string", field)
					}
					if _, err := compileRegex(pattern); err != nil {
						return fmt.Errorf("selector: $regex on %q: %w", field, err)
					}
				default:
					return fmt.Errorf("selector: unknown operator %s on %q", op, field)
				}
			}
		}
	}
	return nil
}

// EqualityValue returns the literal a field is pinned to, if any. Used to
// drive index lookups.
func (s Selector) EqualityValue(field string) (any, bool) {
	cond, ok := s[field]
	if !ok {
		return nil, false
	}
	ops, isOps := operatorMap(cond)
	if !isOps {
		return cond, true
	}
	if v, ok := ops[OpEq]; ok {
		return v, true
	}
	return nil, false
}

// Clone returns a copy safe to extend with more clauses.
func (s Selector) Clone() Selector {
	out := make(Selector, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func matchCondition(v any, present bool, cond any) bool {
	ops, isOps := operatorMap(cond)
	if !isOps {
		return present && Equal(v, cond)
	}
	for op, arg := range ops {
		if !matchOperator(op, v, present, arg) {
			return false
		}
	}
	return true
}

func matchOperator(op string, v any, present bool, arg any) bool {
	if op == OpExists {
		want, _ := arg.(bool)
		return present == want
	}
	if !present {
		return false
	}
	switch op {
	case OpEq:
		return Equal(v, arg)
	case OpNe:
		return !Equal(v, arg)
	case OpGt:
		c, ok := compareOrdered(v, arg)
		return ok && c > 0
	case OpGte:
		c, ok := compareOrdered(v, arg)
		return ok && c >= 0
	case OpLt:
		c, ok := compareOrdered(v, arg)
		return ok && c < 0
	case OpLte:
		c, ok := compareOrdered(v, arg)
		return ok && c <= 0
	case OpIn:
		list, _ := asList(arg)
		for _, item := range list {
			if Equal(v, item) {
				return true
			}
		}
		return false
	case OpNin:
		list, ok := asList(arg)
		if !ok {
			return false
		}
		for _, item := range list {
			if Equal(v, item) {
				return false
			}
		}
		return true
	case OpRegex:
		pattern, _ := arg.(string)
		str, ok := v.(string)
		if !ok {
			return false
		}
		re, err := compileRegex(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(str)
	default:
		return false
	}
}

// asList accepts the argument of $in and $nin as any slice or array, so
// []string{"a"} and []any{"a"} select the same documents.
func asList(arg any) ([]any, bool) {
	if list, ok := arg.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(arg)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func operatorMap(cond any) (map[string]any, bool) {
	var m map[string]any
	switch t := cond.(type) {
	case map[string]any:
		m = t
	case Selector:
		m = t
	case model.Document:
		m = t
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return nil, false
		}
	}
	return m, true
}

func subSelectors(cond any) []Selector {
	switch t := cond.(type) {
	case []Selector:
		return t
	case []any:
		out := make([]Selector, 0, len(t))
		for _, item := range t {
			switch s := item.(type) {
			case Selector:
				out = append(out, s)
			case map[string]any:
				out = append(out, Selector(s))
			}
		}
		return out
	default:
		return nil
	}
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}
