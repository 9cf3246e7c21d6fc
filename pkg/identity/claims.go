// Package identity verifies caller identity. Bearer tokens are validated
// against the configured OIDC issuer's JWKS; the verified claim set is what
// access policies match against.
package identity

import "strings"

// Claims is the verified claim set of a request principal.
type Claims map[string]any

// Path resolves a dotted path into nested claim objects, e.g.
// "realm_access.roles". The second return reports whether the path exists.
func (c Claims) Path(path string) (any, bool) {
	var cur any = map[string]any(c)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Subject returns the sub claim, empty when absent.
func (c Claims) Subject() string {
	sub, _ := c["sub"].(string)
	return sub
}

// Strings coerces a claim into a string slice. A scalar string becomes a
// one-element slice; anything else yields nil.
func (c Claims) Strings(path string) []string {
	v, ok := c.Path(path)
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

// HasRole reports whether role appears in the roles claim, checking the
// flat "roles" claim first and the Keycloak-style "realm_access.roles" next.
func (c Claims) HasRole(role string) bool {
	for _, path := range []string{"roles", "realm_access.roles"} {
		for _, r := range c.Strings(path) {
			if r == role {
				return true
			}
		}
	}
	return false
}
