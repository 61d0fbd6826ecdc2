package pipeline

import (
	"fmt"
	"net/http"
	"strings"
)

// Runtime error codes. Every failure that crosses the HTTP boundary carries
// one of these; raw backend errors are wrapped, never leaked.
const (
	CodeUnboundField      = "UNBOUND_FIELD"
	CodeUnboundVariable   = "UNBOUND_VARIABLE"
	CodeUnauthenticated   = "UNAUTHENTICATED"
	CodeForbidden         = "FORBIDDEN"
	CodeCASConflict       = "CAS_CONFLICT"
	CodeDigestMismatch    = "DIGEST_MISMATCH"
	CodeTxnAlreadyOpen    = "TXN_ALREADY_OPEN"
	CodeTxnConflict       = "TXN_CONFLICT"
	CodeNoOpenTxn         = "NO_OPEN_TXN"
	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeUpstreamError     = "UPSTREAM_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Error is a pipeline runtime failure with an HTTP mapping. Operations
// return these directly; anything else unwinding through the engine is
// converted to 500 INTERNAL_ERROR.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errorf(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

func statusFor(code string) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeCASConflict, CodeTxnConflict:
		return http.StatusConflict
	case CodeDigestMismatch:
		return http.StatusUnprocessableEntity
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeUnboundField, CodeUnboundVariable:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Issue is one load-time validation finding, tied to the operation that
// produced it.
type Issue struct {
	OpIndex int
	Reason  string
}

func (i Issue) String() string {
	return fmt.Sprintf("op %d: %s", i.OpIndex, i.Reason)
}

// ValidationIssues aggregates load-time findings for one pipeline. A
// pipeline with issues is rejected at load; it never reaches execution.
type ValidationIssues struct {
	PipelineID string
	Issues     []Issue
}

func (v *ValidationIssues) Add(opIndex int, format string, args ...any) {
	v.Issues = append(v.Issues, Issue{OpIndex: opIndex, Reason: fmt.Sprintf(format, args...)})
}

func (v *ValidationIssues) OrNil() error {
	if len(v.Issues) == 0 {
		return nil
	}
	return v
}

func (v *ValidationIssues) Error() string {
	reasons := make([]string, len(v.Issues))
	for i, issue := range v.Issues {
		reasons[i] = issue.String()
	}
	return fmt.Sprintf("pipeline %q: %s", v.PipelineID, strings.Join(reasons, "; "))
}
