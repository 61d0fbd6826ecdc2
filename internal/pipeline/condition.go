package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Condition gates an operation. A false condition skips the operation and
// execution continues; it is never an error.
type Condition struct {
	Equals    []Value `json:"equals,omitempty"`
	IsNull    *Value  `json:"is_null,omitempty"`
	IsNotNull *Value  `json:"is_not_null,omitempty"`
	IsEmpty   *Value  `json:"is_empty,omitempty"`
	NotIn     []Value `json:"not_in,omitempty"`
}

func ParseCondition(raw json.RawMessage) (*Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var c Condition
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("malformed condition: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Condition) validate() error {
	set := 0
	if c.Equals != nil {
		set++
		if len(c.Equals) != 2 {
			return fmt.Errorf("equals takes exactly 2 values, got %d", len(c.Equals))
		}
	}
	if c.IsNull != nil {
		set++
	}
	if c.IsNotNull != nil {
		set++
	}
	if c.IsEmpty != nil {
		set++
	}
	if c.NotIn != nil {
		set++
		if len(c.NotIn) != 2 {
			return fmt.Errorf("not_in takes exactly 2 values, got %d", len(c.NotIn))
		}
	}
	if set != 1 {
		return errors.New("condition must set exactly one of equals, is_null, is_not_null, is_empty, not_in")
	}
	return nil
}

// VarRoots collects $variable roots referenced by the condition.
func (c *Condition) VarRoots() []string {
	var roots []string
	for _, v := range c.Equals {
		roots = append(roots, v.VarRoots()...)
	}
	for _, v := range []*Value{c.IsNull, c.IsNotNull, c.IsEmpty} {
		if v != nil {
			roots = append(roots, v.VarRoots()...)
		}
	}
	for _, v := range c.NotIn {
		roots = append(roots, v.VarRoots()...)
	}
	return roots
}

func (c *Condition) Eval(ec *ExecContext) (bool, error) {
	switch {
	case c.Equals != nil:
		a, err := c.Equals[0].Resolve(ec)
		if err != nil {
			return false, err
		}
		b, err := c.Equals[1].Resolve(ec)
		if err != nil {
			return false, err
		}
		return equalJSON(a, b), nil
	case c.IsNull != nil:
		v, err := c.IsNull.Resolve(ec)
		if err != nil {
			return false, err
		}
		return v == nil, nil
	case c.IsNotNull != nil:
		v, err := c.IsNotNull.Resolve(ec)
		if err != nil {
			return false, err
		}
		return v != nil, nil
	case c.IsEmpty != nil:
		v, err := c.IsEmpty.Resolve(ec)
		if err != nil {
			return false, err
		}
		return isEmpty(v), nil
	case c.NotIn != nil:
		needle, err := c.NotIn[0].Resolve(ec)
		if err != nil {
			return false, err
		}
		haystack, err := c.NotIn[1].Resolve(ec)
		if err != nil {
			return false, err
		}
		items, ok := haystack.([]any)
		if !ok {
			return false, Errorf(CodeInternalError, statusFor(CodeInternalError), "not_in set must resolve to an array, got %T", haystack)
		}
		for _, item := range items {
			if equalJSON(needle, item) {
				return false, nil
			}
		}
		return true, nil
	default:
		return true, nil
	}
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case int:
		return x == 0
	case int64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	case []byte:
		return len(x) == 0
	default:
		return false
	}
}

// equalJSON compares two resolved values with numeric widening, so a JSON
// 1 and an int 1 bound by an op compare equal.
func equalJSON(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
