// Package condition parses threshold expressions such as "> 20" or "== 200"
// and evaluates metric values against them.
package condition

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// ErrInvalidCondition is wrapped by every parse failure.
var ErrInvalidCondition = errors.New("invalid condition")

// floatEpsilon is the tolerance used by == and !=.
const floatEpsilon = 1e-9

// Operator is a comparison operator.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

var pattern = regexp.MustCompile(`^\s*(>=|<=|>|<|==|!=)\s*(-?\d+(?:\.\d+)?)\s*$`)

// Condition is a parsed (operator, threshold) pair.
type Condition struct {
	Op        Operator
	Threshold float64
}

// ParseError describes a condition string that does not match the grammar.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid condition %q: expected <op> <number> with op one of > >= < <= == !=", e.Input)
}

func (e *ParseError) Unwrap() error {
	return ErrInvalidCondition
}

// Parse parses text into a Condition. The whole string must match: leading
// and trailing whitespace is allowed, anything else is rejected.
func Parse(text string) (Condition, error) {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return Condition{}, &ParseError{Input: text}
	}
	threshold, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Condition{}, &ParseError{Input: text}
	}
	return Condition{Op: Operator(m[1]), Threshold: threshold}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// static definitions.
func MustParse(text string) Condition {
	c, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return c
}

// Eval reports whether value satisfies the condition.
func (c Condition) Eval(value float64) bool {
	return Compare(value, c.Threshold, c.Op)
}

// String renders the condition in canonical form.
func (c Condition) String() string {
	return fmt.Sprintf("%s %s", c.Op, strconv.FormatFloat(c.Threshold, 'f', -1, 64))
}

// Compare applies op to value and threshold.
func Compare(value, threshold float64, op Operator) bool {
	switch op {
	case OpGreaterEqual:
		return value >= threshold
	case OpGreater:
		return value > threshold
	case OpLessEqual:
		return value <= threshold
	case OpLess:
		return value < threshold
	case OpEqual:
		return math.Abs(value-threshold) < floatEpsilon
	case OpNotEqual:
		return math.Abs(value-threshold) >= floatEpsilon
	default:
		return false
	}
}
