package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Interpolation templates mix literal text with three token kinds:
// {field} (entity path fields with query fallback), $variable (runtime
// bindings, dotted paths allowed), and {principal.claim} (identity claims).
// Templates are parsed into segments once at pipeline load; per-request
// resolution is a fold over the segments.

type segmentKind int

const (
	segLiteral segmentKind = iota
	segField
	segVar
	segPrincipal
)

type segment struct {
	kind segmentKind
	text string
}

type Template struct {
	raw      string
	segments []segment
}

func ParseTemplate(raw string) Template {
	t := Template{raw: raw}
	var literal strings.Builder
	flush := func() {
		if literal.Len() > 0 {
			t.segments = append(t.segments, segment{kind: segLiteral, text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(raw); {
		switch raw[i] {
		case '{':
			end := strings.IndexByte(raw[i:], '}')
			if end < 0 {
				literal.WriteByte(raw[i])
				i++
				continue
			}
			name := raw[i+1 : i+end]
			if name == "" {
				literal.WriteString(raw[i : i+end+1])
				i += end + 1
				continue
			}
			flush()
			if claim, ok := strings.CutPrefix(name, "principal."); ok {
				t.segments = append(t.segments, segment{kind: segPrincipal, text: claim})
			} else {
				t.segments = append(t.segments, segment{kind: segField, text: name})
			}
			i += end + 1
		case '$':
			path := varPathAt(raw, i+1)
			if path == "" {
				literal.WriteByte('$')
				i++
				continue
			}
			flush()
			t.segments = append(t.segments, segment{kind: segVar, text: path})
			i += 1 + len(path)
		default:
			literal.WriteByte(raw[i])
			i++
		}
	}
	flush()
	return t
}

// varPathAt scans a dotted variable path ($meta.blob_digest, $rows.0) from
// offset i. The first component must start with a letter or underscore.
func varPathAt(raw string, i int) string {
	start := i
	if i >= len(raw) || !isVarStart(raw[i]) {
		return ""
	}
	for i < len(raw) && isVarChar(raw[i]) {
		i++
	}
	for i+1 < len(raw) && raw[i] == '.' && isVarChar(raw[i+1]) {
		i++
		for i < len(raw) && isVarChar(raw[i]) {
			i++
		}
	}
	return raw[start:i]
}

func isVarStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isVarChar(c byte) bool {
	return isVarStart(c) || ('0' <= c && c <= '9')
}

func (t *Template) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("template must be a string: %w", err)
	}
	*t = ParseTemplate(raw)
	return nil
}

func (t Template) Raw() string { return t.raw }

func (t Template) IsZero() bool { return t.raw == "" && t.segments == nil }

// VarRoots returns the root names of all $variable references, for static
// reference checking.
func (t Template) VarRoots() []string {
	var roots []string
	for _, seg := range t.segments {
		if seg.kind == segVar {
			root, _, _ := strings.Cut(seg.text, ".")
			roots = append(roots, root)
		}
	}
	return roots
}

// Resolve renders the template to a string against the execution context.
func (t Template) Resolve(ec *ExecContext) (string, error) {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.kind == segLiteral {
			b.WriteString(seg.text)
			continue
		}
		v, err := resolveSegment(seg, ec)
		if err != nil {
			return "", err
		}
		b.WriteString(formatScalar(v))
	}
	return b.String(), nil
}

// ResolveAny resolves the template, preserving the native value when the
// template is a single bare token ("$meta" yields the bound map, not its
// string form).
func (t Template) ResolveAny(ec *ExecContext) (any, error) {
	if len(t.segments) == 1 && t.segments[0].kind != segLiteral {
		return resolveSegment(t.segments[0], ec)
	}
	return t.Resolve(ec)
}

func resolveSegment(seg segment, ec *ExecContext) (any, error) {
	switch seg.kind {
	case segField:
		v, ok := ec.Field(seg.text)
		if !ok {
			return nil, Errorf(CodeUnboundField, statusFor(CodeUnboundField), "field %q is not bound", seg.text)
		}
		return v, nil
	case segVar:
		return ec.VarPath(seg.text)
	case segPrincipal:
		if ec.Principal == nil {
			return nil, Errorf(CodeUnauthenticated, statusFor(CodeUnauthenticated), "principal reference %q without an authenticated principal", seg.text)
		}
		v, ok := ec.Principal.Claim(seg.text)
		if !ok {
			return nil, Errorf(CodeUnboundField, statusFor(CodeUnboundField), "unknown principal claim %q", seg.text)
		}
		return v, nil
	default:
		return seg.text, nil
	}
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
