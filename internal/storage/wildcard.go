package storage

import "gorm.io/gorm"

// WildcardMode is the Stage-1 predicate kind a type/name wildcard
// translates into.
type WildcardMode uint8

const (
	// WildcardAny means the original pattern was "*" or "**": no
	// predicate is applied at all.
	WildcardAny WildcardMode = iota
	WildcardEqual
	WildcardPrefix
	WildcardSuffix
	WildcardSubstring
)

// WildcardPredicate is a translated type/name filter ready to push into SQL.
type WildcardPredicate struct {
	Mode  WildcardMode
	Value string // already lowercased
}

// TranslateWildcard maps the supported patterns — abc, *abc, abc*,
// *abc*, *, ** — onto storage predicates.
func TranslateWildcard(pattern string) WildcardPredicate {
	if pattern == "" || pattern == "*" || pattern == "**" {
		return WildcardPredicate{Mode: WildcardAny}
	}
	hasPrefix := len(pattern) > 0 && pattern[0] == '*'
	hasSuffix := len(pattern) > 0 && pattern[len(pattern)-1] == '*'
	trimmed := pattern
	if hasPrefix {
		trimmed = trimmed[1:]
	}
	if hasSuffix && len(trimmed) > 0 {
		trimmed = trimmed[:len(trimmed)-1]
	}
	trimmed = lower(trimmed)

	switch {
	case hasPrefix && hasSuffix:
		return WildcardPredicate{Mode: WildcardSubstring, Value: trimmed}
	case hasSuffix:
		return WildcardPredicate{Mode: WildcardPrefix, Value: trimmed}
	case hasPrefix:
		return WildcardPredicate{Mode: WildcardSuffix, Value: trimmed}
	default:
		return WildcardPredicate{Mode: WildcardEqual, Value: trimmed}
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}

func applyWildcard(q *gorm.DB, column string, p WildcardPredicate) *gorm.DB {
	switch p.Mode {
	case WildcardAny:
		return q
	case WildcardEqual:
		return q.Where("LOWER("+column+") = ?", p.Value)
	case WildcardPrefix:
		return q.Where("LOWER("+column+") LIKE ?", p.Value+"%")
	case WildcardSuffix:
		return q.Where("LOWER("+column+") LIKE ?", "%"+p.Value)
	case WildcardSubstring:
		return q.Where("LOWER("+column+") LIKE ?", "%"+p.Value+"%")
	default:
		return q
	}
}
