package canon

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Value is a sealed interface over the six JSON value kinds.
// Only Null, Bool, Number, String, Array and Object implement it.
type Value interface {
	canonValue()
}

// Null represents a JSON null.
type Null struct{}

func (Null) canonValue() {}

// Bool represents a JSON boolean.
type Bool bool

func (Bool) canonValue() {}

// Number holds the canonical decimal text of a JSON number.
// Construct with NewNumber so the text is always in canonical form.
type Number string

func (Number) canonValue() {}

// String represents a JSON string.
type String string

func (String) canonValue() {}

// Array represents a JSON array. Element order is significant.
type Array []Value

func (Array) canonValue() {}

// Object represents a JSON object.
// Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) canonValue() {}

// SortedKeys returns the object's keys ordered by exact byte value.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Canonical numbers use plain decimal notation while the decimal exponent of
// the leading digit lies in [minPlainExp, maxPlainExp], and d.ddde±x outside it.
const (
	minPlainExp = -7
	maxPlainExp = 20
)

// NewNumber canonicalises the textual form of a number.
//
// The text is parsed as an exact decimal and trailing zeros are dropped, so
// 1.0, 1e0 and 1 all become "1" while distinct values never share a form.
// No float rounding is involved.
func NewNumber(text string) (Number, error) {
	d, _, err := apd.NewFromString(text)
	if err != nil {
		return "", fmt.Errorf("invalid number %q: %w", text, err)
	}
	if d.Form != apd.Finite {
		return "", fmt.Errorf("non-finite number %q", text)
	}
	return formatDecimal(d), nil
}

func numberFromFloat(f float64) (Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite number %v", f)
	}
	return NewNumber(strconv.FormatFloat(f, 'g', -1, 64))
}

func formatDecimal(d *apd.Decimal) Number {
	if d.IsZero() {
		return "0"
	}
	var reduced apd.Decimal
	reduced.Reduce(d)

	digits := reduced.Coeff.String()
	exp := int(reduced.Exponent)
	adjusted := len(digits) - 1 + exp

	var b strings.Builder
	if reduced.Negative {
		b.WriteByte('-')
	}
	switch {
	case adjusted < minPlainExp || adjusted > maxPlainExp:
		b.WriteString(digits[:1])
		if len(digits) > 1 {
			b.WriteByte('.')
			b.WriteString(digits[1:])
		}
		b.WriteByte('e')
		if adjusted >= 0 {
			b.WriteByte('+')
		}
		b.WriteString(strconv.Itoa(adjusted))
	case exp >= 0:
		b.WriteString(digits)
		b.WriteString(strings.Repeat("0", exp))
	case adjusted >= 0:
		point := len(digits) + exp
		b.WriteString(digits[:point])
		b.WriteByte('.')
		b.WriteString(digits[point:])
	default:
		b.WriteString("0.")
		b.WriteString(strings.Repeat("0", -adjusted-1))
		b.WriteString(digits)
	}
	return Number(b.String())
}

// Kind names the variant of v. A nil Value is reported as "null".
func Kind(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("unknown(%T)", v)
	}
}

// Equal reports whether a and b are structurally identical.
// Numbers compare by canonical text; callers should normalise first.
func Equal(a, b Value) bool {
	if Kind(a) != Kind(b) {
		return false
	}
	switch x := a.(type) {
	case nil, Null:
		return true
	case Bool:
		return x == b.(Bool)
	case Number:
		return x == b.(Number)
	case String:
		return x == b.(String)
	case Array:
		y := b.(Array)
		if len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case Object:
		y := b.(Object)
		if len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	}
	return false
}
