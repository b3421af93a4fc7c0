package auth

import "strings"

// MatchScope reports whether a granted scope pattern covers required. A
// pattern ending in '*' matches any scope with the same prefix, so "*" covers
// everything and "tools:*" covers "tools:echo".
func MatchScope(pattern, required string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(required, prefix)
	}
	return pattern == required
}

// HasPermission reports whether any granted scope covers required, wildcards
// included.
func (i *Info) HasPermission(required string) bool {
	if i == nil {
		return false
	}
	for _, s := range i.Scopes {
		if MatchScope(s, required) {
			return true
		}
	}
	return false
}

// CanAccess reports whether the identity holds at least one of required. An
// empty list places no restriction, even on a nil Info.
func (i *Info) CanAccess(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, r := range required {
		if i.HasPermission(r) {
			return true
		}
	}
	return false
}
