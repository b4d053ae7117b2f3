// Package tools holds the operations the gateway can run.
//
// The set is closed: [Builtin] builds a [Registry] of add, subtract, multiply
// and divide once at startup, and nothing registers operations afterwards.
// Adding an operation means adding a [Kind] (or a [Descriptor]); dispatch code
// does not change.
//
// Handlers return an [Outcome] rather than an error. A failed outcome, such as
// division by zero, is a domain result the caller reports to the client; only
// argument validation produces an error ([ErrInvalidArguments]).
package tools
