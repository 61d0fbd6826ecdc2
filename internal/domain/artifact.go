package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Entity field normalization and validation rules for artifact coordinates.
// Namespace and name are case-folded so "Acme/Widget" and "acme/widget"
// address the same artifact; versions keep their case.

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)
)

// NormalizeEntityFields lowercases and trims namespace/name/tag and trims
// version/variant in place.
func NormalizeEntityFields(fields map[string]string) {
	for _, key := range []string{"namespace", "name", "tag"} {
		if v, ok := fields[key]; ok {
			fields[key] = strings.ToLower(strings.TrimSpace(v))
		}
	}
	for _, key := range []string{"version", "variant"} {
		if v, ok := fields[key]; ok {
			fields[key] = strings.TrimSpace(v)
		}
	}
}

// ValidateEntityFields checks the artifact coordinate fields that are
// present. Empty optional fields (version/variant/tag) pass; present fields
// must match their shape.
func ValidateEntityFields(fields map[string]string) error {
	for _, key := range []string{"namespace", "name"} {
		v, ok := fields[key]
		if !ok || v == "" {
			return fmt.Errorf("%s is required", key)
		}
		if !namePattern.MatchString(v) {
			return fmt.Errorf("%s %q is malformed", key, v)
		}
	}
	for _, key := range []string{"version", "variant", "tag"} {
		v, ok := fields[key]
		if !ok || v == "" {
			continue
		}
		if key == "tag" {
			if !namePattern.MatchString(v) {
				return fmt.Errorf("tag %q is malformed", v)
			}
			continue
		}
		if !versionPattern.MatchString(v) {
			return fmt.Errorf("%s %q is malformed", key, v)
		}
	}
	return nil
}
