package resolver

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/toolgate/core/pkg/identity"
	"github.com/toolgate/core/pkg/readmodel"
)

// Match evaluates one policy matcher against the claim set. A policy
// matches only when every matcher does.
//
// Missing claims fail every operator except the negative ones: ne and
// not_in hold vacuously, and exists with value false demands absence.
func Match(m readmodel.Matcher, claims identity.Claims) bool {
	value, present := claims.Path(m.ClaimPath)

	switch m.Op {
	case readmodel.OpExists:
		want := true
		if b, ok := m.Value.(bool); ok {
			want = b
		}
		return present == want
	case readmodel.OpEq:
		return present && equalValues(value, m.Value)
	case readmodel.OpNe:
		return !present || !equalValues(value, m.Value)
	case readmodel.OpIn:
		return present && inList(value, m.Value)
	case readmodel.OpNotIn:
		return !present || !inList(value, m.Value)
	case readmodel.OpContains:
		if !present {
			return false
		}
		switch v := value.(type) {
		case string:
			want, ok := m.Value.(string)
			return ok && strings.Contains(v, want)
		case []any:
			for _, item := range v {
				if equalValues(item, m.Value) {
					return true
				}
			}
		}
		return false
	case readmodel.OpPrefix:
		s, ok := value.(string)
		want, ok2 := m.Value.(string)
		return present && ok && ok2 && strings.HasPrefix(s, want)
	case readmodel.OpSuffix:
		s, ok := value.(string)
		want, ok2 := m.Value.(string)
		return present && ok && ok2 && strings.HasSuffix(s, want)
	}
	return false
}

// inList reports whether the claim value (or, for list claims, any of its
// elements) appears in the matcher's list.
func inList(value, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	claimValues := []any{value}
	if vs, ok := value.([]any); ok {
		claimValues = vs
	}
	for _, item := range items {
		for _, cv := range claimValues {
			if equalValues(cv, item) {
				return true
			}
		}
	}
	return false
}

// equalValues compares claim and matcher values with JSON number
// semantics: ints and float64s of the same magnitude are equal.
func equalValues(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

const regexPrefix = "regex:"

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

// compilePattern turns a selector pattern into a case-insensitive regexp.
// Patterns starting with "regex:" are raw regular expressions; everything
// else is a glob where * matches any run and ? a single character.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re, nil
	}

	var expr string
	if raw, ok := strings.CutPrefix(pattern, regexPrefix); ok {
		expr = "(?i)" + raw
	} else {
		var sb strings.Builder
		sb.WriteString("(?i)^")
		for _, r := range pattern {
			switch r {
			case '*':
				sb.WriteString(".*")
			case '?':
				sb.WriteString(".")
			default:
				sb.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		sb.WriteString("$")
		expr = sb.String()
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	patternCache[pattern] = re
	return re, nil
}

// MatchSelector reports whether a group selector matches a tool.
// Unknown kinds and invalid patterns match nothing.
func MatchSelector(sel readmodel.Selector, tool readmodel.ToolDoc) bool {
	re, err := compilePattern(sel.Pattern)
	if err != nil {
		return false
	}
	switch sel.Kind {
	case readmodel.SelectorName:
		return re.MatchString(tool.OperationID)
	case readmodel.SelectorMethod:
		return re.MatchString(tool.HTTPMethod)
	case readmodel.SelectorPath:
		return re.MatchString(tool.PathTemplate)
	case readmodel.SelectorSource:
		return re.MatchString(tool.SourceID)
	case readmodel.SelectorTag:
		for _, tag := range tool.Tags {
			if re.MatchString(tag) {
				return true
			}
		}
	case readmodel.SelectorLabel:
		for _, label := range tool.Labels {
			if re.MatchString(label) {
				return true
			}
		}
	}
	return false
}
