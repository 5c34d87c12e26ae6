// Package expression implements the `${{ }}` expression sub-language:
// literals, dotted object access, typed comparison and logical operators,
// evaluated against a read-only context (inputs, env, run metadata) and a
// writable context (per-step outputs).
package expression

import (
	"strconv"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	// KindNumber holds an IEEE-754 double.
	KindNumber Kind = iota
	// KindBoolean holds a bool.
	KindBoolean
	// KindText holds a string.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "Number"
	case KindBoolean:
		return "Boolean"
	case KindText:
		return "Text"
	default:
		return "Unknown"
	}
}

// Value is the tagged variant produced and consumed by the evaluator:
// Number(f64), Boolean, or Text. Values carry total equality on
// same-typed values and ordering on numbers and strings only.
type Value struct {
	Kind Kind
	Num  float64
	Bool bool
	Text string
}

// Number constructs a Number value.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// Boolean constructs a Boolean value.
func Boolean(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// Text constructs a Text value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// String renders the value the way it would be spliced into a shell
// command during interpolation.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBoolean:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindText:
		return v.Text
	default:
		return ""
	}
}

// Equal implements the typed `==`/`!=` semantics: allowed only between
// values of the same variant; integer literals and decimal forms of the
// same numeric value compare equal because both parse to the same f64.
func Equal(a, b Value) (bool, error) {
	if a.Kind != b.Kind {
		return false, &blderrors.TypeMismatch{Op: "==", Left: a.Kind.String(), Right: b.Kind.String()}
	}
	switch a.Kind {
	case KindNumber:
		return a.Num == b.Num, nil
	case KindBoolean:
		return a.Bool == b.Bool, nil
	case KindText:
		return a.Text == b.Text, nil
	default:
		return false, &blderrors.Internal{Invariant: "unreachable value kind in Equal"}
	}
}

// Compare implements the typed ordering semantics: Number<->Number and
// Text<->Text (lexicographic) only; returns -1/0/1 like strings.Compare.
func Compare(a, b Value) (int, error) {
	if a.Kind != b.Kind {
		return 0, &blderrors.TypeMismatch{Op: "compare", Left: a.Kind.String(), Right: b.Kind.String()}
	}
	switch a.Kind {
	case KindNumber:
		switch {
		case a.Num < b.Num:
			return -1, nil
		case a.Num > b.Num:
			return 1, nil
		default:
			return 0, nil
		}
	case KindText:
		switch {
		case a.Text < b.Text:
			return -1, nil
		case a.Text > b.Text:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, &blderrors.TypeMismatch{Op: "compare", Left: a.Kind.String(), Right: b.Kind.String()}
	}
}
