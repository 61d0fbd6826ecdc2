package pipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/basalt-labs/basalt-go/internal/platform/auth"
)

// ExecContext is the per-invocation state a pipeline runs against. It is
// owned by exactly one request and never shared.
type ExecContext struct {
	PathFields map[string]string
	Query      map[string]string
	BodyBytes  []byte
	Principal  *auth.Principal
	RequestID  string

	Vars     map[string]any
	Txn      *Txn
	Response *Response

	started time.Time
	ioCount int
}

func NewExecContext() *ExecContext {
	return &ExecContext{
		PathFields: make(map[string]string),
		Query:      make(map[string]string),
		Vars:       make(map[string]any),
	}
}

// Response is the terminal outcome of a pipeline run. Exactly one respond
// op produces it; execution halts as soon as it is set.
type Response struct {
	Kind     string // json, bytes, redirect, error
	Status   int
	Body     any
	Bytes    []byte
	Headers  map[string]string
	Location string
}

// ErrorResponse builds the error envelope response for a runtime failure.
func ErrorResponse(status int, code, message string) *Response {
	return &Response{
		Kind:   "error",
		Status: status,
		Body: map[string]any{
			"ok": false,
			"error": map[string]any{
				"code":    code,
				"message": message,
			},
		},
	}
}

// Field resolves a {field} reference: path fields first, query fallback.
func (ec *ExecContext) Field(name string) (string, bool) {
	if v, ok := ec.PathFields[name]; ok {
		return v, true
	}
	if v, ok := ec.Query[name]; ok {
		return v, true
	}
	return "", false
}

func (ec *ExecContext) SetVar(name string, value any) {
	ec.Vars[name] = value
}

// VarPath resolves a dotted $variable path. The root must be bound; nested
// components walk objects by key and arrays by integer index.
func (ec *ExecContext) VarPath(path string) (any, error) {
	root, rest, _ := strings.Cut(path, ".")
	current, ok := ec.Vars[root]
	if !ok {
		return nil, Errorf(CodeUnboundVariable, statusFor(CodeUnboundVariable), "variable %q is not bound", root)
	}
	for rest != "" {
		var part string
		part, rest, _ = strings.Cut(rest, ".")
		switch holder := current.(type) {
		case map[string]any:
			current, ok = holder[part]
			if !ok {
				return nil, Errorf(CodeUnboundVariable, statusFor(CodeUnboundVariable), "variable path %q: no field %q", path, part)
			}
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(holder) {
				return nil, Errorf(CodeUnboundVariable, statusFor(CodeUnboundVariable), "variable path %q: index %q out of range", path, part)
			}
			current = holder[idx]
		default:
			return nil, Errorf(CodeUnboundVariable, statusFor(CodeUnboundVariable), "variable path %q: %q is not traversable", path, part)
		}
	}
	return current, nil
}

// Actor names the principal for event attribution.
func (ec *ExecContext) Actor() string {
	if ec.Principal == nil || ec.Principal.Subject == "" {
		return "anonymous"
	}
	return ec.Principal.Subject
}
