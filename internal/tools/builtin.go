// ABOUTME: The closed set of arithmetic operations the gateway exposes.
// ABOUTME: Each Kind maps to one pure handler over two numbers; division by zero is a domain failure.

package tools

import (
	"fmt"
	"math"
)

// Kind identifies a built-in operation.
type Kind int

// Built-in operation kinds, in listing order.
const (
	Add Kind = iota
	Subtract
	Multiply
	Divide
)

// DivisionByZero is the failure reason for divide with b == 0.
const DivisionByZero = "Division by zero"

// OutOfRange is the failure reason when a result overflows to an infinity.
const OutOfRange = "Result out of range"

// Kinds returns every built-in kind in listing order.
func Kinds() []Kind {
	return []Kind{Add, Subtract, Multiply, Divide}
}

// String returns the operation's tool name.
func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Subtract:
		return "subtract"
	case Multiply:
		return "multiply"
	case Divide:
		return "divide"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Description returns the human-readable summary advertised in tools/list.
func (k Kind) Description() string {
	switch k {
	case Add:
		return "Add two numbers"
	case Subtract:
		return "Subtract b from a"
	case Multiply:
		return "Multiply two numbers"
	case Divide:
		return "Divide a by b"
	default:
		return ""
	}
}

// Apply runs the operation.
func (k Kind) Apply(a, b float64) Outcome {
	switch k {
	case Add:
		return finite(a + b)
	case Subtract:
		return finite(a - b)
	case Multiply:
		return finite(a * b)
	case Divide:
		if b == 0 {
			return Fail(DivisionByZero)
		}
		return finite(a / b)
	default:
		return Fail(fmt.Sprintf("unsupported operation %s", k))
	}
}

func finite(v float64) Outcome {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return Fail(OutOfRange)
	}
	return Ok(v)
}

// Builtin returns the registry of the four arithmetic operations.
func Builtin() *Registry {
	descs := make([]*Descriptor, 0, len(Kinds()))
	for _, k := range Kinds() {
		descs = append(descs, NewBinaryDescriptor(k.String(), k.Description(), k.Apply))
	}
	reg, err := NewRegistry(descs...)
	if err != nil {
		// The built-in set is fixed; a failure here is a programming error.
		panic(fmt.Sprintf("tools: building builtin registry: %v", err))
	}
	return reg
}
