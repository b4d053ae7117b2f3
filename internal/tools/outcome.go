// ABOUTME: Result of running an operation: a value, or a domain failure with a reason.
// ABOUTME: Domain failures are not protocol errors; the gateway reports them inside a successful result.

package tools

import (
	"strconv"
)

// Outcome is what an operation handler returns.
type Outcome struct {
	Value  float64
	Reason string
	failed bool
}

// Ok returns a successful outcome carrying v.
func Ok(v float64) Outcome {
	return Outcome{Value: v}
}

// Fail returns a domain failure carrying reason.
func Fail(reason string) Outcome {
	return Outcome{Reason: reason, failed: true}
}

// Failed reports whether the outcome is a domain failure.
func (o Outcome) Failed() bool {
	return o.failed
}

// Text renders the outcome for a text content block: the shortest decimal
// form of the value, or the failure reason.
func (o Outcome) Text() string {
	if o.failed {
		return o.Reason
	}
	return FormatNumber(o.Value)
}

// FormatNumber renders v as the shortest decimal string that round-trips.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
