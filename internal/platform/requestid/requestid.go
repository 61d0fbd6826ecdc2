// Package requestid issues opaque identifiers used to correlate one
// request's log lines, emitted events, and response headers.
package requestid

import "github.com/google/uuid"

// New returns a fresh identifier. Callers honoring an inbound X-Request-Id
// header should prefer it over generating a new one.
func New() string {
	return uuid.NewString()
}
