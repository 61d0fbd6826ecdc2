package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// Definition is the on-disk pipeline contract: an ordered list of operations
// bound to one API route. Definitions are immutable once loaded and are only
// replaced on explicit redeploy.
type Definition struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	RoutePattern string         `json:"route_pattern,omitempty"`
	Operations   []RawOperation `json:"operations"`
}

// RawOperation carries an operation before argument compilation. Args stay
// raw JSON here; the pipeline compiler decodes them into per-op typed
// structs at load time.
type RawOperation struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
	When json.RawMessage `json:"when,omitempty"`
}

func (d Definition) ValidateBasicShape() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("pipeline id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("pipeline name is required")
	}
	if len(d.Operations) == 0 {
		return errors.New("pipeline must declare at least one operation")
	}
	return nil
}

// PathFields returns the {field} names declared by the route pattern, in
// order. A trailing "{name...}" wildcard counts as a plain field.
func (d Definition) PathFields() []string {
	var fields []string
	pattern := d.RoutePattern
	for {
		start := strings.IndexByte(pattern, '{')
		if start < 0 {
			return fields
		}
		end := strings.IndexByte(pattern[start:], '}')
		if end < 0 {
			return fields
		}
		name := pattern[start+1 : start+end]
		name = strings.TrimSuffix(name, "...")
		if name != "" {
			fields = append(fields, name)
		}
		pattern = pattern[start+end+1:]
	}
}
