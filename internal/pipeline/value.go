package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type valueKind int

const (
	valLiteral valueKind = iota
	valTemplate
	valObject
	valArray
)

// Value is an operation argument: a literal, an interpolation template, or
// an object/array of nested Values. Structure is fixed at pipeline load;
// only token resolution happens per request.
type Value struct {
	kind valueKind
	lit  any
	tmpl Template
	obj  map[string]Value
	arr  []Value
}

func (v *Value) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) == 0 {
		return fmt.Errorf("empty value")
	}
	switch trimmed[0] {
	case '"':
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		*v = Value{kind: valTemplate, tmpl: ParseTemplate(raw)}
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(b, &fields); err != nil {
			return err
		}
		obj := make(map[string]Value, len(fields))
		for name, raw := range fields {
			var nested Value
			if err := nested.UnmarshalJSON(raw); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
			obj[name] = nested
		}
		*v = Value{kind: valObject, obj: obj}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		arr := make([]Value, len(items))
		for i, raw := range items {
			if err := arr[i].UnmarshalJSON(raw); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		*v = Value{kind: valArray, arr: arr}
	default:
		var lit any
		if err := json.Unmarshal(b, &lit); err != nil {
			return err
		}
		*v = Value{kind: valLiteral, lit: lit}
	}
	return nil
}

// Literal builds a literal Value, for tests and defaults.
func Literal(v any) Value { return Value{kind: valLiteral, lit: v} }

func (v Value) IsZero() bool {
	return v.kind == valLiteral && v.lit == nil && v.obj == nil && v.arr == nil && v.tmpl.IsZero()
}

// VarRoots collects the root names of every $variable reference nested in
// the value.
func (v Value) VarRoots() []string {
	switch v.kind {
	case valTemplate:
		return v.tmpl.VarRoots()
	case valObject:
		var roots []string
		for _, nested := range v.obj {
			roots = append(roots, nested.VarRoots()...)
		}
		return roots
	case valArray:
		var roots []string
		for _, nested := range v.arr {
			roots = append(roots, nested.VarRoots()...)
		}
		return roots
	default:
		return nil
	}
}

// Resolve materializes the value against the execution context. Resolution
// is pure; it never mutates the context.
func (v Value) Resolve(ec *ExecContext) (any, error) {
	switch v.kind {
	case valLiteral:
		return v.lit, nil
	case valTemplate:
		return v.tmpl.ResolveAny(ec)
	case valObject:
		out := make(map[string]any, len(v.obj))
		for name, nested := range v.obj {
			resolved, err := nested.Resolve(ec)
			if err != nil {
				return nil, err
			}
			out[name] = resolved
		}
		return out, nil
	case valArray:
		out := make([]any, len(v.arr))
		for i, nested := range v.arr {
			resolved, err := nested.Resolve(ec)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
}
