package auth

import (
	"encoding/json"
	"strings"
	"time"
)

// Claims is the verified, decoded payload of a bearer credential. A Claims
// value is never mutated after validation produces it.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	TokenID   string
	Roles     []string
}

// HasAudience reports whether the audience contains the given value.
func (c *Claims) HasAudience(aud string) bool {
	for _, v := range c.Audience {
		if v == aud {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the claims carry at least one of the given
// roles. An empty requirement is always satisfied.
func (c *Claims) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, required := range roles {
		for _, role := range c.Roles {
			if role == required {
				return true
			}
		}
	}
	return false
}

// parseClaims decodes a raw token payload into Claims. rolesClaim selects
// the claim carrying roles, with dot notation for nested objects.
func parseClaims(payload []byte, rolesClaim string) (*Claims, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	claims := &Claims{}

	if v, ok := raw["sub"].(string); ok {
		claims.Subject = v
	}
	if v, ok := raw["iss"].(string); ok {
		claims.Issuer = v
	}
	if v, ok := raw["jti"].(string); ok {
		claims.TokenID = v
	}

	claims.Audience = parseAudience(raw["aud"])

	if t, ok := parseUnixTime(raw["exp"]); ok {
		claims.ExpiresAt = t
	}
	if t, ok := parseUnixTime(raw["iat"]); ok {
		claims.IssuedAt = t
	}

	claims.Roles = parseRoles(raw, rolesClaim)

	return claims, nil
}

// parseAudience handles the aud claim, which may be a string or an array.
func parseAudience(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// parseUnixTime parses a numeric date claim.
func parseUnixTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0), true
		}
	}
	return time.Time{}, false
}

// parseRoles resolves the roles claim using dot notation and accepts both
// array values and space-separated scope strings.
func parseRoles(raw map[string]interface{}, rolesClaim string) []string {
	var current interface{} = raw

	for _, part := range strings.Split(rolesClaim, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[part]
		if !ok {
			return nil
		}
	}

	switch v := current.(type) {
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case string:
		return strings.Fields(v)
	default:
		return nil
	}
}
